package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StreamDialer opens the receive-only server-sent events transport.
type StreamDialer struct {
	URL    string
	Token  string
	Client *http.Client
	// IdleTimeout closes the stream when nothing, not even a comment or a
	// ping event, arrives for this long. Zero disables the bound.
	IdleTimeout time.Duration
}

// NewStreamDialer constructs a StreamDialer.
func NewStreamDialer(rawURL, token string) *StreamDialer {
	return &StreamDialer{URL: rawURL, Token: token, Client: &http.Client{}, IdleTimeout: 90 * time.Second}
}

// Dial issues the stream request. ctx only bounds the time until the
// response headers arrive; the stream itself lives until Close.
func (d *StreamDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := withToken(d.URL, d.Token)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("stream open: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream open: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream open: unexpected status %d", resp.StatusCode)
	}

	c := &streamConn{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel, idleTimeout: d.IdleTimeout}
	if c.idleTimeout > 0 {
		c.idle = time.AfterFunc(c.idleTimeout, func() {
			c.timedOut.Store(true)
			cancel()
		})
	}
	return c, nil
}

type streamConn struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	cancel    context.CancelFunc
	closeOnce sync.Once

	idleTimeout time.Duration
	idle        *time.Timer
	timedOut    atomic.Bool
}

func (c *streamConn) Transport() string { return TransportStream }

func (c *streamConn) CanWrite() bool { return false }

func (c *streamConn) WriteJSON(context.Context, any) error { return ErrReadOnly }

// Read returns the data of the next event. Comments and ping events are
// skipped.
func (c *streamConn) Read() ([]byte, error) {
	var (
		event string
		data  bytes.Buffer
	)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if c.timedOut.Load() {
				return nil, &CloseError{Code: CloseHeartbeatTimeout, Reason: "stream idle"}
			}
			if err == io.EOF {
				return nil, &CloseError{Code: CloseAbnormal, Reason: "stream ended"}
			}
			return nil, err
		}
		if c.idle != nil && !c.timedOut.Load() {
			c.idle.Reset(c.idleTimeout)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 && event != "ping" {
				return data.Bytes(), nil
			}
			event = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

func (c *streamConn) Close(int, string) error {
	var err error
	c.closeOnce.Do(func() {
		if c.idle != nil {
			c.idle.Stop()
		}
		c.cancel()
		err = c.body.Close()
	})
	return err
}
