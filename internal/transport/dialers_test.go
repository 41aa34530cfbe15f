package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func TestStreamDialerSkipsCommentsAndPings(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"type\":\"new_message\",\n")
		fmt.Fprint(w, "data: \"conversation_id\":7}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	d := NewStreamDialer(srv.URL+"/stream", "secret")
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close(CloseNormal, "")

	assert.False(t, conn.CanWrite())
	assert.ErrorIs(t, conn.WriteJSON(context.Background(), nil), ErrReadOnly)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "secret", gotToken)

	data, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new_message","conversation_id":7}`, string(data))

	_, err = conn.Read()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseAbnormal, ce.Code)
}

func TestStreamOutlivesOpenContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, "data: {\"type\":\"pong\"}\n\n")
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewStreamDialer(srv.URL, "").Dial(ctx)
	require.NoError(t, err)
	cancel()
	defer conn.Close(CloseNormal, "")

	release <- struct{}{}
	data, err := conn.Read()
	require.NoError(t, err)
	assert.Contains(t, string(data), "pong")
}

func TestStreamIdleTimeoutClosesSilentStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			w.(http.Flusher).Flush()
			time.Sleep(40 * time.Millisecond)
		}
		fmt.Fprint(w, "data: {\"type\":\"new_message\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewStreamDialer(srv.URL, "")
	d.IdleTimeout = 100 * time.Millisecond
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close(CloseNormal, "")

	data, err := conn.Read()
	require.NoError(t, err, "pings keep the stream alive past the idle timeout")
	assert.Contains(t, string(data), "new_message")

	start := time.Now()
	_, err = conn.Read()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseHeartbeatTimeout, ce.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStreamDialerRejectsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewStreamDialer(srv.URL, "bad").Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var frame models.OutboundFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = ws.WriteJSON(map[string]any{"type": "pong"})
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseHeartbeatTimeout, "bye"))
	}))
	defer srv.Close()

	d := NewSocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close(CloseNormal, "")

	assert.Equal(t, "Bearer secret", gotAuth)
	require.NoError(t, conn.WriteJSON(context.Background(), models.OutboundFrame{Type: models.FramePing}))

	data, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	_, err = conn.Read()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseHeartbeatTimeout, ce.Code)
}
