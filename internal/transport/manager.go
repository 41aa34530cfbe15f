package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// State is the connection state of the Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	TransportSocket = "socket"
	TransportStream = "stream"
)

// Close codes reported in events.Disconnected.
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000
)

// SendStatus tells the caller what happened to an outbound frame.
type SendStatus int

const (
	// SendSent means the frame was written to the socket.
	SendSent SendStatus = iota
	// SendQueued means the frame waits for the next connection.
	SendQueued
	// SendRedirect means the live transport is read-only; use REST.
	SendRedirect
)

func (s SendStatus) String() string {
	switch s {
	case SendSent:
		return "sent"
	case SendQueued:
		return "queued"
	case SendRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

var (
	ErrQueueFull = errors.New("outbound queue is full")
	ErrNoDialer  = errors.New("no transport configured")
	ErrClosed    = errors.New("transport manager disconnected")
	ErrReadOnly  = errors.New("transport is read-only")
)

// ErrConnectInProgress is returned by Connect while another attempt is still
// dialing.
var ErrConnectInProgress = errors.New("connect already in progress")

// CloseError is returned by Conn.Read when the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%s", e.Code, e.Reason)
}

// Conn is an established live connection.
type Conn interface {
	Transport() string
	// CanWrite reports whether frames can be sent on the connection.
	CanWrite() bool
	WriteJSON(ctx context.Context, v any) error
	// Read blocks until the next frame arrives or the connection ends.
	Read() ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens a Conn. ctx bounds the opening handshake only.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config tunes the Manager.
type Config struct {
	OpenTimeout       time.Duration
	SocketAttempts    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BaseDelay         time.Duration
	BackoffCap        int
	MaxAttempts       int
	MaxQueue          int
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.SocketAttempts <= 0 {
		c.SocketAttempts = 2
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.BackoffCap < 0 {
		c.BackoffCap = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view of the Manager.
type Snapshot struct {
	State       State     `json:"state"`
	Transport   string    `json:"transport,omitempty"`
	ConnID      string    `json:"conn_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Attempt     int       `json:"attempt"`
	QueueLen    int       `json:"queue_len"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager owns the single live connection to the backend. It prefers the
// socket, falls back to the read-only stream and reconnects with backoff.
type Manager struct {
	cfg    Config
	socket Dialer
	stream Dialer
	bus    *events.Bus
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	info     ConnInfo
	connDone chan struct{}
	pongCh   chan struct{}
	queue    []models.OutboundFrame
	attempt  int
	backoff  backoff.BackOff
	timer    *time.Timer
	life     context.Context
	cancel   context.CancelFunc
	lastErr  error

	// writeMu serializes writes and covers the queue flush on connect.
	writeMu sync.Mutex
}

// NewManager constructs a Manager. Either dialer may be nil.
func NewManager(cfg Config, socket, stream Dialer, bus *events.Bus, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		socket:  socket,
		stream:  stream,
		bus:     bus,
		log:     logger.With().Str("component", "transport").Logger(),
		state:   StateDisconnected,
		backoff: newBackoff(cfg.BaseDelay, cfg.BackoffCap, cfg.MaxAttempts),
	}
	bus.Subscribe(events.TopicHeartbeatAck, func(events.Event) { m.ackHeartbeat() })
	observability.SetConnectionState(string(StateDisconnected), "")
	return m
}

// Connect opens the live connection. It returns once a transport is
// connected, or with the joined dial errors after every transport failed, in
// which case a reconnect is already scheduled. While another attempt is
// dialing it returns ErrConnectInProgress at once.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	if m.cancel == nil {
		m.life, m.cancel = context.WithCancel(context.Background())
	}
	m.stopTimerLocked()
	m.attempt = 0
	m.backoff.Reset()
	life := m.life
	m.mu.Unlock()

	return m.establish(ctx, life)
}

// Disconnect closes the connection and cancels pending reconnects and
// heartbeats. Queued frames are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stopTimerLocked()
	conn := m.conn
	m.releaseConnLocked()
	changed := m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(CloseNormal, "client disconnect")
		m.log.Info().Str("transport", conn.Transport()).Msg("disconnected by client")
		m.bus.Publish(events.TopicDisconnected, events.Disconnected{
			Code:        CloseNormal,
			Reason:      "client disconnect",
			Intentional: true,
		})
	}
	m.emit(changed...)
}

// Send transmits frame on the socket, queues it while not connected, or
// returns SendRedirect when connected through the read-only stream.
func (m *Manager) Send(ctx context.Context, frame models.OutboundFrame) (SendStatus, error) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}

	for {
		m.mu.Lock()
		if m.state != StateConnected {
			if len(m.queue) >= m.cfg.MaxQueue {
				m.mu.Unlock()
				return SendQueued, ErrQueueFull
			}
			m.queue = append(m.queue, frame)
			observability.SetSendQueueDepth(len(m.queue))
			m.mu.Unlock()
			observability.IncFrameSent(SendQueued.String())
			return SendQueued, nil
		}
		conn := m.conn
		m.mu.Unlock()

		if !conn.CanWrite() {
			observability.IncFrameSent(SendRedirect.String())
			return SendRedirect, nil
		}

		m.writeMu.Lock()
		if !m.isCurrent(conn) {
			m.writeMu.Unlock()
			continue
		}
		err := m.write(ctx, conn, frame)
		m.writeMu.Unlock()
		if err != nil {
			m.log.Warn().Err(err).Msg("socket write failed")
			m.drop(conn, CloseAbnormal, err.Error())
			continue
		}
		observability.IncFrameSent(SendSent.String())
		return SendSent, nil
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:    m.state,
		Attempt:  m.attempt,
		QueueLen: len(m.queue),
	}
	if m.conn != nil {
		snap.Transport = m.info.Transport
		snap.ConnID = m.info.ConnID
		snap.ConnectedAt = m.info.ConnectedAt
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) establish(ctx context.Context, life context.Context) error {
	m.mu.Lock()
	if life.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.timer = nil
	changed := m.setStateLocked(StateConnecting, "")
	m.mu.Unlock()
	m.emit(changed...)

	ctx, span := otel.Tracer("chat-client/transport").Start(ctx, "transport.connect")
	defer span.End()

	conn, err := m.open(ctx, life)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "all transports failed")
		m.log.Warn().Err(err).Msg("connect failed")

		m.mu.Lock()
		m.lastErr = err
		var pending []events.Event
		if life.Err() == nil && m.state == StateConnecting {
			pending = m.setStateLocked(StateDisconnected, "")
			pending = append(pending, m.scheduleReconnectLocked(life)...)
		}
		m.mu.Unlock()
		m.emit(pending...)
		return err
	}

	span.SetAttributes(attribute.String("transport", conn.Transport()))
	return m.onOpen(life, conn)
}

func (m *Manager) open(ctx context.Context, life context.Context) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	var errs []error
	if m.socket != nil {
		for i := 0; i < m.cfg.SocketAttempts; i++ {
			conn, err := m.dial(ctx, TransportSocket, m.socket)
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				return nil, errors.Join(errs...)
			}
		}
	}
	if m.stream != nil {
		conn, err := m.dial(ctx, TransportStream, m.stream)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoDialer
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) dial(ctx context.Context, transport string, d Dialer) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()

	conn, err := d.Dial(dialCtx)
	if err != nil {
		observability.IncConnectAttempt(transport, "error")
		m.log.Debug().Err(err).Str("transport", transport).Msg("dial failed")
		return nil, fmt.Errorf("%s: %w", transport, err)
	}
	observability.IncConnectAttempt(transport, "ok")
	return conn, nil
}

func (m *Manager) onOpen(life context.Context, conn Conn) error {
	m.writeMu.Lock()
	m.mu.Lock()
	if life.Err() != nil || m.state != StateConnecting {
		m.mu.Unlock()
		m.writeMu.Unlock()
		_ = conn.Close(CloseNormal, "superseded")
		return ErrClosed
	}
	m.conn = conn
	m.info = newConnInfo(conn.Transport())
	m.connDone = make(chan struct{})
	m.pongCh = make(chan struct{}, 1)
	m.attempt = 0
	m.lastErr = nil
	m.backoff.Reset()
	pending := m.queue
	m.queue = nil
	observability.SetSendQueueDepth(0)
	done, pong := m.connDone, m.pongCh
	changed := m.setStateLocked(StateConnected, conn.Transport())
	m.mu.Unlock()

	redirected := m.flush(life, conn, pending)
	m.writeMu.Unlock()

	m.log.Info().Str("transport", conn.Transport()).Int("flushed", len(pending)).Msg("connected")
	m.emit(changed...)
	for _, frame := range redirected {
		m.bus.Publish(events.TopicSendRedirected, events.SendRedirected{Frame: frame})
	}

	go m.readLoop(conn)
	if conn.CanWrite() && m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(life, conn, done, pong)
	}
	return nil
}

// flush writes queued frames in order. Frames the connection cannot carry are
// returned for redirection. Must hold writeMu.
func (m *Manager) flush(ctx context.Context, conn Conn, frames []models.OutboundFrame) []models.OutboundFrame {
	if !conn.CanWrite() {
		return frames
	}
	for i, frame := range frames {
		if err := m.write(ctx, conn, frame); err != nil {
			m.log.Warn().Err(err).Int("remaining", len(frames)-i).Msg("flush interrupted")
			m.mu.Lock()
			m.queue = append(append([]models.OutboundFrame{}, frames[i:]...), m.queue...)
			observability.SetSendQueueDepth(len(m.queue))
			m.mu.Unlock()
			go m.drop(conn, CloseAbnormal, err.Error())
			return nil
		}
		observability.IncFrameSent(SendSent.String())
	}
	return nil
}

func (m *Manager) write(ctx context.Context, conn Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return conn.WriteJSON(ctx, v)
}

func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			code, reason := closeDetails(err)
			m.drop(conn, code, reason)
			return
		}
		m.bus.Publish(events.TopicRawFrame, events.RawFrame{Transport: conn.Transport(), Data: data})
	}
}

func (m *Manager) heartbeat(life context.Context, conn Conn, done <-chan struct{}, pong chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}

		select {
		case <-pong:
		default:
		}

		m.writeMu.Lock()
		if !m.isCurrent(conn) {
			m.writeMu.Unlock()
			return
		}
		err := m.write(life, conn, models.OutboundFrame{Type: models.FramePing, Timestamp: time.Now().UTC()})
		m.writeMu.Unlock()
		if err != nil {
			m.drop(conn, CloseAbnormal, err.Error())
			return
		}

		wait := time.NewTimer(m.cfg.HeartbeatTimeout)
		select {
		case <-life.Done():
			wait.Stop()
			return
		case <-done:
			wait.Stop()
			return
		case <-pong:
			wait.Stop()
		case <-wait.C:
			observability.IncHeartbeatTimeout()
			m.log.Warn().Dur("timeout", m.cfg.HeartbeatTimeout).Msg("heartbeat timed out")
			m.drop(conn, CloseHeartbeatTimeout, "heartbeat timeout")
			return
		}
	}
}

func (m *Manager) ackHeartbeat() {
	m.mu.Lock()
	pong := m.pongCh
	m.mu.Unlock()
	if pong == nil {
		return
	}
	select {
	case pong <- struct{}{}:
	default:
	}
}

// drop handles the loss of conn. Stale connections are ignored.
func (m *Manager) drop(conn Conn, code int, reason string) {
	m.mu.Lock()
	if m.conn == nil || m.conn != conn {
		m.mu.Unlock()
		return
	}
	life := m.life
	m.releaseConnLocked()
	changed := m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()

	_ = conn.Close(code, reason)
	m.log.Warn().Int("code", code).Str("reason", reason).Str("transport", conn.Transport()).Msg("connection lost")
	m.emit(changed...)
	m.bus.Publish(events.TopicDisconnected, events.Disconnected{Code: code, Reason: reason})

	if life == nil || life.Err() != nil {
		return
	}
	go func() {
		_ = m.establish(life, life)
	}()
}

func (m *Manager) scheduleReconnectLocked(life context.Context) []events.Event {
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		observability.IncGiveUp()
		m.log.Error().Int("attempts", m.attempt).Err(m.lastErr).Msg("giving up reconnecting")
		return []events.Event{{
			Topic:   events.TopicGaveUp,
			Payload: events.GaveUp{Attempts: m.attempt, Err: m.lastErr},
		}}
	}

	m.attempt++
	observability.IncReconnectScheduled()
	m.timer = time.AfterFunc(delay, func() {
		_ = m.establish(life, life)
	})
	return []events.Event{{
		Topic:   events.TopicReconnecting,
		Payload: events.Reconnecting{Attempt: m.attempt, Delay: delay},
	}}
}

func (m *Manager) isCurrent(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn && m.state == StateConnected
}

func (m *Manager) releaseConnLocked() {
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.conn = nil
	m.pongCh = nil
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(state State, transport string) []events.Event {
	if m.state == state {
		return nil
	}
	m.state = state
	observability.SetConnectionState(string(state), transport)
	return []events.Event{{
		Topic:   events.TopicStateChanged,
		Payload: events.StateChanged{State: string(state), Transport: transport},
	}}
}

func (m *Manager) emit(evs ...events.Event) {
	for _, ev := range evs {
		m.bus.Publish(ev.Topic, ev.Payload)
	}
}

func closeDetails(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormal, err.Error()
}
