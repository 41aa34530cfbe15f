package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/events"
	"chat-client/internal/models"
)

type fakeConn struct {
	transport string
	writable  bool
	onWrite   func(models.OutboundFrame)

	mu        sync.Mutex
	written   []models.OutboundFrame
	closeCode int

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	remote    *CloseError
}

func newFakeConn(transport string) *fakeConn {
	return &fakeConn{
		transport: transport,
		writable:  transport == TransportSocket,
		inbox:     make(chan []byte, 16),
		closed:    make(chan struct{}),
	}
}

func (c *fakeConn) Transport() string { return c.transport }

func (c *fakeConn) CanWrite() bool { return c.writable }

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	frame, _ := v.(models.OutboundFrame)
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	if c.onWrite != nil {
		c.onWrite(frame)
	}
	return nil
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.remote != nil {
			return nil, c.remote
		}
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) remoteClose(code int) {
	c.mu.Lock()
	c.remote = &CloseError{Code: code, Reason: "remote"}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) frames(kind models.FrameType) []models.OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.OutboundFrame
	for _, f := range c.written {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	calls atomic.Int32
	dial  func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	n := int(d.calls.Add(1))
	return d.dial(n)
}

func failingDialer() *fakeDialer {
	return &fakeDialer{dial: func(int) (Conn, error) { return nil, errors.New("refused") }}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus, topics ...events.Topic) *recorder {
	r := &recorder{}
	for _, topic := range topics {
		bus.Subscribe(topic, func(ev events.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(topic events.Topic) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		OpenTimeout:    50 * time.Millisecond,
		SocketAttempts: 2,
		BaseDelay:      5 * time.Millisecond,
		BackoffCap:     2,
		MaxAttempts:    3,
		MaxQueue:       8,
	}
}

func textFrame(clientID string) models.OutboundFrame {
	return models.OutboundFrame{
		Type:           models.FrameSendMessage,
		ConversationID: 7,
		ClientID:       clientID,
		Payload:        models.SendMessagePayload{Kind: models.KindText, Content: clientID},
	}
}

func TestConnectFallsBackToStreamAfterSocketFailures(t *testing.T) {
	bus := events.NewBus()
	socket := failingDialer()
	streamConn := newFakeConn(TransportStream)
	stream := &fakeDialer{dial: func(int) (Conn, error) { return streamConn, nil }}

	m := NewManager(testConfig(), socket, stream, bus, zerolog.Nop())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(2), socket.calls.Load())
	assert.Equal(t, int32(1), stream.calls.Load())

	snap := m.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, TransportStream, snap.Transport)
	assert.NotEmpty(t, snap.ConnID)

	status, err := m.Send(context.Background(), textFrame("a"))
	require.NoError(t, err)
	assert.Equal(t, SendRedirect, status)
}

func TestQueuedFramesFlushInOrderExactlyOnce(t *testing.T) {
	bus := events.NewBus()
	conn := newFakeConn(TransportSocket)
	socket := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	m := NewManager(testConfig(), socket, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	for _, id := range []string{"a", "b", "c"} {
		status, err := m.Send(context.Background(), textFrame(id))
		require.NoError(t, err)
		assert.Equal(t, SendQueued, status)
	}
	assert.Equal(t, 3, m.Snapshot().QueueLen)

	require.NoError(t, m.Connect(context.Background()))

	status, err := m.Send(context.Background(), textFrame("d"))
	require.NoError(t, err)
	assert.Equal(t, SendSent, status)

	var ids []string
	for _, f := range conn.frames(models.FrameSendMessage) {
		ids = append(ids, f.ClientID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, 0, m.Snapshot().QueueLen)
}

func TestQueuedFramesRedirectedWhenStreamConnects(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus, events.TopicSendRedirected)
	stream := &fakeDialer{dial: func(int) (Conn, error) { return newFakeConn(TransportStream), nil }}
	m := NewManager(testConfig(), nil, stream, bus, zerolog.Nop())
	defer m.Disconnect()

	_, err := m.Send(context.Background(), textFrame("a"))
	require.NoError(t, err)
	_, err = m.Send(context.Background(), textFrame("b"))
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))

	redirected := rec.of(events.TopicSendRedirected)
	require.Len(t, redirected, 2)
	assert.Equal(t, "a", redirected[0].(events.SendRedirected).Frame.ClientID)
	assert.Equal(t, "b", redirected[1].(events.SendRedirected).Frame.ClientID)
	assert.Equal(t, 0, m.Snapshot().QueueLen)
}

func TestSendQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueue = 1
	m := NewManager(cfg, nil, nil, events.NewBus(), zerolog.Nop())

	_, err := m.Send(context.Background(), textFrame("a"))
	require.NoError(t, err)
	_, err = m.Send(context.Background(), textFrame("b"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBackoffScheduleIsNonDecreasingAndStops(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 2, 5)

	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
}

func TestBackoffLargeCapDoesNotOverflow(t *testing.T) {
	b := newBackoff(time.Second, 40, 70)

	prev := time.Duration(0)
	for i := 0; ; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			assert.Equal(t, 70, i)
			break
		}
		require.Greater(t, d, time.Duration(0), "delay %d", i)
		require.GreaterOrEqual(t, d, prev, "delay %d", i)
		prev = d
	}
}

func TestConnectWhileDialingIsInProgress(t *testing.T) {
	bus := events.NewBus()
	release := make(chan struct{})
	conn := newFakeConn(TransportSocket)
	socket := &fakeDialer{dial: func(int) (Conn, error) {
		<-release
		return conn, nil
	}}
	cfg := testConfig()
	cfg.OpenTimeout = time.Second
	m := NewManager(cfg, socket, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.Snapshot().State == StateConnecting }, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Connect(context.Background()), ErrConnectInProgress)

	close(release)
	require.NoError(t, <-first)
	assert.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), socket.calls.Load())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus, events.TopicReconnecting, events.TopicGaveUp)
	socket := failingDialer()
	stream := failingDialer()
	m := NewManager(testConfig(), socket, stream, bus, zerolog.Nop())
	defer m.Disconnect()

	err := m.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(rec.of(events.TopicGaveUp)) == 1
	}, time.Second, 5*time.Millisecond)

	reconnecting := rec.of(events.TopicReconnecting)
	require.Len(t, reconnecting, 3)
	var last time.Duration
	for i, ev := range reconnecting {
		r := ev.(events.Reconnecting)
		assert.Equal(t, i+1, r.Attempt)
		assert.GreaterOrEqual(t, r.Delay, last)
		last = r.Delay
	}

	assert.Equal(t, int32(8), socket.calls.Load())
	assert.Equal(t, int32(4), stream.calls.Load())
	assert.Equal(t, StateDisconnected, m.Snapshot().State)
}

func TestNoDialsAfterDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	socket := failingDialer()
	m := NewManager(cfg, socket, nil, events.NewBus(), zerolog.Nop())

	require.Error(t, m.Connect(context.Background()))
	m.Disconnect()
	calls := socket.calls.Load()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, calls, socket.calls.Load())
	assert.Equal(t, StateDisconnected, m.Snapshot().State)
}

func TestAbnormalCloseReconnects(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus, events.TopicDisconnected)
	var mu sync.Mutex
	var conns []*fakeConn
	socket := &fakeDialer{dial: func(int) (Conn, error) {
		c := newFakeConn(TransportSocket)
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}}
	m := NewManager(testConfig(), socket, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.remoteClose(CloseAbnormal)

	require.Eventually(t, func() bool {
		return socket.calls.Load() == 2 && m.Snapshot().State == StateConnected
	}, time.Second, 5*time.Millisecond)

	disconnected := rec.of(events.TopicDisconnected)
	require.Len(t, disconnected, 1)
	d := disconnected[0].(events.Disconnected)
	assert.Equal(t, CloseAbnormal, d.Code)
	assert.False(t, d.Intentional)
}

func TestReadLoopPublishesRawFrames(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus, events.TopicRawFrame)
	conn := newFakeConn(TransportSocket)
	m := NewManager(testConfig(), &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	conn.inbox <- []byte(`{"type":"new_message"}`)

	require.Eventually(t, func() bool { return len(rec.of(events.TopicRawFrame)) == 1 }, time.Second, 5*time.Millisecond)
	raw := rec.of(events.TopicRawFrame)[0].(events.RawFrame)
	assert.Equal(t, TransportSocket, raw.Transport)
	assert.JSONEq(t, `{"type":"new_message"}`, string(raw.Data))
}

func TestHeartbeatTimeoutDropsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.BaseDelay = time.Hour

	bus := events.NewBus()
	rec := record(bus, events.TopicDisconnected)
	first := newFakeConn(TransportSocket)
	socket := &fakeDialer{dial: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return nil, errors.New("refused")
	}}
	m := NewManager(cfg, socket, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(rec.of(events.TopicDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	d := rec.of(events.TopicDisconnected)[0].(events.Disconnected)
	assert.Equal(t, CloseHeartbeatTimeout, d.Code)
	assert.Equal(t, CloseHeartbeatTimeout, first.code())
	assert.NotEmpty(t, first.frames(models.FramePing))
}

func TestHeartbeatAckKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond

	bus := events.NewBus()
	rec := record(bus, events.TopicDisconnected)
	conn := newFakeConn(TransportSocket)
	conn.onWrite = func(f models.OutboundFrame) {
		if f.Type == models.FramePing {
			go bus.Publish(events.TopicHeartbeatAck, nil)
		}
	}
	m := NewManager(cfg, &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}, nil, bus, zerolog.Nop())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(120 * time.Millisecond)

	assert.Empty(t, rec.of(events.TopicDisconnected))
	assert.GreaterOrEqual(t, len(conn.frames(models.FramePing)), 3)
	assert.Equal(t, StateConnected, m.Snapshot().State)
}

func TestDisconnectIsIntentional(t *testing.T) {
	bus := events.NewBus()
	rec := record(bus, events.TopicDisconnected, events.TopicStateChanged)
	conn := newFakeConn(TransportSocket)
	socket := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	m := NewManager(testConfig(), socket, nil, bus, zerolog.Nop())

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	disconnected := rec.of(events.TopicDisconnected)
	require.Len(t, disconnected, 1)
	assert.True(t, disconnected[0].(events.Disconnected).Intentional)
	assert.Equal(t, CloseNormal, conn.code())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), socket.calls.Load())

	states := rec.of(events.TopicStateChanged)
	require.Len(t, states, 3)
	assert.Equal(t, string(StateConnecting), states[0].(events.StateChanged).State)
	assert.Equal(t, string(StateConnected), states[1].(events.StateChanged).State)
	assert.Equal(t, string(StateDisconnected), states[2].(events.StateChanged).State)
}
