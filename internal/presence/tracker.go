// Package presence tracks ephemeral conversation state: typing indicators,
// read receipts and user online status.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chat-client/internal/api"
	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/store"
	"chat-client/internal/transport"
)

// API is the subset of the REST client used by the Tracker.
type API interface {
	MarkConversationRead(ctx context.Context, conversationID, upToID int64) error
	MarkMessageRead(ctx context.Context, messageID int64) error
	SendTyping(ctx context.Context, conversationID int64, typing bool) error
}

// Store is the part of the conversation store the Tracker updates.
type Store interface {
	SelfID() int64
	Active() int64
	MarkRead(conversationID int64) (store.ReadMark, bool)
	RevertRead(mark store.ReadMark)
	ApplyReadReceipt(receipt models.ReadReceiptFrame) bool
	ApplyPresence(userID int64, online bool, lastSeen *time.Time) []int64
}

// Config tunes the Tracker.
type Config struct {
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	ReadRetries    int
	ReadRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TypingIdle <= 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 3 * time.Second
	}
	if c.ReadRetries <= 0 {
		c.ReadRetries = 3
	}
	if c.ReadRetryDelay <= 0 {
		c.ReadRetryDelay = 500 * time.Millisecond
	}
	return c
}

// UserPresence is the last known status of a user.
type UserPresence struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type typingKey struct {
	conversationID int64
	userID         int64
}

// debounce fires once the quiet period since the last touch has elapsed.
type debounce struct {
	timer *time.Timer
	last  time.Time
}

// Tracker owns typing, read and presence state.
type Tracker struct {
	cfg    Config
	api    API
	store  Store
	sender store.Sender
	bus    *events.Bus
	log    zerolog.Logger

	mu       sync.Mutex
	outbound map[int64]*debounce
	inbound  map[typingKey]*debounce
	presence map[int64]UserPresence
	closed   bool

	unsubscribe []func()
}

// New constructs a Tracker and subscribes it to typing, read receipt and
// user status frames.
func New(cfg Config, client API, st Store, sender store.Sender, bus *events.Bus, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		api:      client,
		store:    st,
		sender:   sender,
		bus:      bus,
		log:      logger.With().Str("component", "presence").Logger(),
		outbound: make(map[int64]*debounce),
		inbound:  make(map[typingKey]*debounce),
		presence: make(map[int64]UserPresence),
	}
	t.unsubscribe = []func(){
		bus.Subscribe(events.FrameTopic(models.FrameTypingStatus), t.onTyping),
		bus.Subscribe(events.FrameTopic(models.FrameReadReceipt), t.onReadReceipt),
		bus.Subscribe(events.FrameTopic(models.FrameUserStatus), t.onUserStatus),
		bus.Subscribe(events.TopicSendRedirected, t.onSendRedirected),
	}
	return t
}

// Close stops every pending timer and detaches from the bus.
func (t *Tracker) Close() {
	for _, fn := range t.unsubscribe {
		fn()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, d := range t.outbound {
		d.timer.Stop()
		delete(t.outbound, id)
	}
	for key, d := range t.inbound {
		d.timer.Stop()
		delete(t.inbound, key)
	}
}

// Keystroke reports local input in a conversation. The first keystroke
// sends typing-start; typing-stop follows after TypingIdle without input.
func (t *Tracker) Keystroke(ctx context.Context, conversationID int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if d, ok := t.outbound[conversationID]; ok {
		d.last = time.Now()
		t.mu.Unlock()
		return
	}
	d := &debounce{last: time.Now()}
	d.timer = time.AfterFunc(t.cfg.TypingIdle, func() { t.outboundIdle(conversationID, d) })
	t.outbound[conversationID] = d
	t.mu.Unlock()

	t.sendTyping(ctx, conversationID, true)
}

// InputCleared stops the local typing indicator right away.
func (t *Tracker) InputCleared(ctx context.Context, conversationID int64) {
	t.mu.Lock()
	d, ok := t.outbound[conversationID]
	if ok {
		d.timer.Stop()
		delete(t.outbound, conversationID)
	}
	t.mu.Unlock()

	if ok {
		t.sendTyping(ctx, conversationID, false)
	}
}

// Typing returns the users currently typing in a conversation.
func (t *Tracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	var users []int64
	for key := range t.inbound {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	t.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Presence returns the last known status of a user.
func (t *Tracker) Presence(userID int64) (UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[userID]
	return p, ok
}

// MarkConversationRead marks a conversation read locally, then on the
// server. The bulk endpoint is preferred; backends without it get one call
// per message. Transient failures are retried; a final failure reverts the
// local state.
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID int64) error {
	mark, ok := t.store.MarkRead(conversationID)
	if !ok {
		return nil
	}

	err := t.retry(ctx, func() error {
		return t.api.MarkConversationRead(ctx, conversationID, mark.UpToID)
	})
	if errors.Is(err, api.ErrUnsupported) {
		t.log.Debug().Int64("conversation_id", conversationID).Msg("bulk read unsupported, marking messages one by one")
		err = nil
		for _, id := range mark.MessageIDs {
			messageID := id
			if err = t.retry(ctx, func() error { return t.api.MarkMessageRead(ctx, messageID) }); err != nil {
				break
			}
		}
	}
	if err != nil {
		t.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("mark read failed, reverting")
		t.store.RevertRead(mark)
		return err
	}
	return nil
}

func (t *Tracker) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.ReadRetryDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(t.cfg.ReadRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !api.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (t *Tracker) sendTyping(ctx context.Context, conversationID int64, typing bool) {
	frame := models.OutboundFrame{
		Type:           models.FrameTypingStatus,
		ConversationID: conversationID,
		Payload:        models.TypingFrame{ConversationID: conversationID, IsTyping: typing},
	}
	status, err := t.sender.Send(ctx, frame)
	if err == nil && status != transport.SendRedirect {
		return
	}
	if err := t.api.SendTyping(ctx, conversationID, typing); err != nil {
		t.log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("typing update dropped")
	}
}

func (t *Tracker) outboundIdle(conversationID int64, d *debounce) {
	t.mu.Lock()
	if t.outbound[conversationID] != d {
		t.mu.Unlock()
		return
	}
	if remaining := t.cfg.TypingIdle - time.Since(d.last); remaining > 0 {
		d.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	delete(t.outbound, conversationID)
	t.mu.Unlock()

	t.sendTyping(context.Background(), conversationID, false)
}

func (t *Tracker) inboundExpired(key typingKey, d *debounce) {
	t.mu.Lock()
	if t.inbound[key] != d {
		t.mu.Unlock()
		return
	}
	if remaining := t.cfg.TypingExpiry - time.Since(d.last); remaining > 0 {
		d.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	delete(t.inbound, key)
	t.mu.Unlock()

	t.publishTyping(key, false)
}

func (t *Tracker) onTyping(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.TypingFrame
	if err := frame.Decode(&payload); err != nil {
		t.log.Warn().Err(err).Msg("bad typing_status frame")
		return
	}
	if payload.ConversationID == 0 {
		payload.ConversationID = frame.ConversationID
	}
	if payload.UserID == t.store.SelfID() {
		return
	}

	key := typingKey{conversationID: payload.ConversationID, userID: payload.UserID}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	d, exists := t.inbound[key]
	if !payload.IsTyping {
		if exists {
			d.timer.Stop()
			delete(t.inbound, key)
		}
		t.mu.Unlock()
		if exists {
			t.publishTyping(key, false)
		}
		return
	}
	if exists {
		d.last = time.Now()
		t.mu.Unlock()
		return
	}
	d = &debounce{last: time.Now()}
	d.timer = time.AfterFunc(t.cfg.TypingExpiry, func() { t.inboundExpired(key, d) })
	t.inbound[key] = d
	t.mu.Unlock()

	t.publishTyping(key, true)
}

func (t *Tracker) publishTyping(key typingKey, typing bool) {
	t.bus.Publish(events.TopicTypingChanged, events.TypingChanged{
		ConversationID: key.conversationID,
		UserID:         key.userID,
		Typing:         typing,
		Active:         key.conversationID == t.store.Active(),
	})
}

func (t *Tracker) onReadReceipt(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.ReadReceiptFrame
	if err := frame.Decode(&payload); err != nil {
		t.log.Warn().Err(err).Msg("bad read_receipt frame")
		return
	}
	if payload.ConversationID == 0 {
		payload.ConversationID = frame.ConversationID
	}
	t.store.ApplyReadReceipt(payload)
}

func (t *Tracker) onUserStatus(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.UserStatusFrame
	if err := frame.Decode(&payload); err != nil {
		t.log.Warn().Err(err).Msg("bad user_status frame")
		return
	}

	t.mu.Lock()
	p := t.presence[payload.UserID]
	p.Online = payload.Online
	if payload.LastSeen != nil {
		p.LastSeen = payload.LastSeen
	}
	t.presence[payload.UserID] = p
	t.mu.Unlock()

	convs := t.store.ApplyPresence(payload.UserID, payload.Online, payload.LastSeen)
	t.bus.Publish(events.TopicPresenceChanged, events.PresenceChanged{
		UserID:        payload.UserID,
		Online:        p.Online,
		LastSeen:      p.LastSeen,
		Conversations: convs,
	})
}

func (t *Tracker) onSendRedirected(ev events.Event) {
	redirected, ok := ev.Payload.(events.SendRedirected)
	if !ok || redirected.Frame.Type != models.FrameTypingStatus {
		return
	}
	typing, ok := redirected.Frame.Payload.(models.TypingFrame)
	if !ok {
		return
	}
	if err := t.api.SendTyping(context.Background(), typing.ConversationID, typing.IsTyping); err != nil {
		t.log.Debug().Err(err).Msg("redirected typing update dropped")
	}
}
