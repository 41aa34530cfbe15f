package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketDialer opens the bidirectional WebSocket transport.
type SocketDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

// NewSocketDialer constructs a SocketDialer.
func NewSocketDialer(rawURL, token string) *SocketDialer {
	return &SocketDialer{URL: rawURL, Token: token, Dialer: websocket.DefaultDialer}
}

func (d *SocketDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := withToken(d.URL, d.Token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("socket dial: %w", err)
	}
	return &socketConn{ws: ws}, nil
}

type socketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *socketConn) Transport() string { return TransportSocket }

func (c *socketConn) CanWrite() bool { return true }

func (c *socketConn) WriteJSON(ctx context.Context, v any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *socketConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *socketConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if code != CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		err = c.ws.Close()
	})
	return err
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
