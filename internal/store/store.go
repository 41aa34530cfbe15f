// Package store keeps the conversations and messages seen by this client and
// reconciles live frames, REST pages and optimistic sends into one ordered
// view.
package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-client/internal/api"
	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/transport"
)

var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrInvalidMessage       = errors.New("message has no id or conversation")
	ErrConversationBlocked  = errors.New("conversation is blocked")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotFailed            = errors.New("message is not in failed state")
)

// API is the subset of the REST client used by the Store.
type API interface {
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListConversations(ctx context.Context, page int, search string) (models.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID, before int64, limit int) (models.MessagePage, error)
	SendMessage(ctx context.Context, conversationID int64, req api.SendMessageRequest) (models.Message, error)
	ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error)
	ArchiveConversation(ctx context.Context, conversationID int64) error
}

// Sender hands frames to the live transport.
type Sender interface {
	Send(ctx context.Context, frame models.OutboundFrame) (transport.SendStatus, error)
}

// Config tunes the Store.
type Config struct {
	SelfID   int64
	PageSize int
}

type conversationState struct {
	conv        models.Conversation
	placeholder bool
	// confirmed messages in ascending ID order, then provisional ones in
	// send order
	messages []models.Message
	hasMore  bool
}

func (c *conversationState) confirmedLen() int {
	return sort.Search(len(c.messages), func(i int) bool { return c.messages[i].Provisional() })
}

func (c *conversationState) indexOf(id int64) int {
	n := c.confirmedLen()
	i := sort.Search(n, func(i int) bool { return c.messages[i].ID >= id })
	if i < n && c.messages[i].ID == id {
		return i
	}
	return -1
}

func (c *conversationState) indexOfClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := c.confirmedLen(); i < len(c.messages); i++ {
		if c.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// Store is the client-side conversation cache.
type Store struct {
	api    API
	sender Sender
	bus    *events.Bus
	log    zerolog.Logger
	cfg    Config

	mu     sync.RWMutex
	convs  map[int64]*conversationState
	active int64

	unsubscribe []func()
}

// New constructs a Store and subscribes it to message frames and
// redirected sends.
func New(cfg Config, client API, sender Sender, bus *events.Bus, logger zerolog.Logger) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	s := &Store{
		api:    client,
		sender: sender,
		bus:    bus,
		log:    logger.With().Str("component", "store").Logger(),
		cfg:    cfg,
		convs:  make(map[int64]*conversationState),
	}
	s.unsubscribe = []func(){
		bus.Subscribe(events.FrameTopic(models.FrameNewMessage), s.onNewMessage),
		bus.Subscribe(events.FrameTopic(models.FrameMessageUpdate), s.onMessageUpdate),
		bus.Subscribe(events.FrameTopic(models.FrameReactionUpdate), s.onReactionUpdate),
		bus.Subscribe(events.TopicSendRedirected, s.onSendRedirected),
	}
	return s
}

// Close detaches the Store from the bus.
func (s *Store) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
}

// SelfID returns the id of the local user.
func (s *Store) SelfID() int64 {
	return s.cfg.SelfID
}

// SetActive records the conversation currently open in the UI. Zero means
// none.
func (s *Store) SetActive(conversationID int64) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// Active returns the conversation currently open in the UI.
func (s *Store) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Conversations returns the known conversations, most recently updated
// first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, st := range s.convs {
		out = append(out, st.conv)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversation returns a single conversation.
func (s *Store) Conversation(conversationID int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return st.conv, true
}

// Messages returns a copy of the messages of a conversation in display
// order.
func (s *Store) Messages(conversationID int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), st.messages...)
}

// HasMore reports whether older messages can be loaded.
func (s *Store) HasMore(conversationID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[conversationID]
	return ok && st.hasMore
}

// ApplyIncoming merges a message delivered by the server. A repeated
// delivery is a no-op. Unknown conversations are fetched; when that fails a
// placeholder keeps the message.
func (s *Store) ApplyIncoming(ctx context.Context, msg models.Message) (bool, error) {
	if msg.ConversationID == 0 || msg.ID == 0 {
		return false, ErrInvalidMessage
	}
	s.ensureConversation(ctx, msg.ConversationID)

	s.mu.Lock()
	st := s.convs[msg.ConversationID]
	reason, changed := s.upsertLocked(st, msg, true)
	s.mu.Unlock()

	if changed {
		s.publish(msg.ConversationID, msg.ID, msg.ClientID, reason)
	}
	return changed, nil
}

// ApplyUpdate applies an edit or delete of a known message.
func (s *Store) ApplyUpdate(msg models.Message) bool {
	if msg.ID == 0 {
		return false
	}
	s.mu.Lock()
	st, ok := s.convs[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	reason, changed := s.upsertLocked(st, msg, false)
	s.mu.Unlock()

	if changed {
		s.publish(msg.ConversationID, msg.ID, "", reason)
	}
	return changed
}

// ApplyReactions replaces the reactions of a message with the canonical set.
func (s *Store) ApplyReactions(conversationID, messageID int64, reactions []models.Reaction) bool {
	s.mu.Lock()
	st, idx := s.locateLocked(conversationID, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	if reflect.DeepEqual(st.messages[idx].Reactions, reactions) {
		s.mu.Unlock()
		return false
	}
	st.messages[idx].Reactions = append([]models.Reaction(nil), reactions...)
	convID := st.conv.ID
	s.mu.Unlock()

	s.publish(convID, messageID, "", events.ChangeMessageUpdated)
	return true
}

// ApplyPresence updates the participant in every conversation it takes part
// in and returns the ids of those conversations.
func (s *Store) ApplyPresence(userID int64, online bool, lastSeen *time.Time) []int64 {
	s.mu.Lock()
	var touched []int64
	for id, st := range s.convs {
		if !st.conv.HasParticipant(userID) {
			continue
		}
		for i := range st.conv.Participants {
			p := &st.conv.Participants[i]
			if p.ID != userID {
				continue
			}
			p.Online = online
			if lastSeen != nil {
				p.LastSeen = lastSeen
			}
			touched = append(touched, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	for _, id := range touched {
		s.publish(id, 0, "", events.ChangeConversation)
	}
	return touched
}

// LoadOlder fetches the page of messages before beforeID, or before the
// oldest loaded message when beforeID is zero, and merges it.
func (s *Store) LoadOlder(ctx context.Context, conversationID, beforeID int64) (int, error) {
	s.ensureConversation(ctx, conversationID)

	if beforeID == 0 {
		s.mu.RLock()
		if st := s.convs[conversationID]; st != nil && st.confirmedLen() > 0 {
			beforeID = st.messages[0].ID
		}
		s.mu.RUnlock()
	}

	page, err := s.api.ListMessages(ctx, conversationID, beforeID, s.cfg.PageSize)
	if err != nil {
		return 0, err
	}

	added := 0
	s.mu.Lock()
	st := s.convs[conversationID]
	for _, msg := range page.Messages {
		if msg.ID == 0 {
			continue
		}
		msg.ConversationID = conversationID
		if reason, changed := s.upsertLocked(st, msg, false); changed && reason == events.ChangeMessageAdded {
			added++
		}
	}
	st.hasMore = page.HasMore
	s.mu.Unlock()

	s.publish(conversationID, 0, "", events.ChangePage)
	return added, nil
}

// LoadConversations fetches one page of the conversation list.
func (s *Store) LoadConversations(ctx context.Context, page int, search string) (models.ConversationPage, error) {
	result, err := s.api.ListConversations(ctx, page, search)
	if err != nil {
		return models.ConversationPage{}, err
	}

	s.mu.Lock()
	for _, conv := range result.Conversations {
		s.putConversationLocked(conv)
	}
	s.mu.Unlock()

	s.publish(0, 0, "", events.ChangeConversation)
	return result, nil
}

// Archive archives a conversation on the server and locally.
func (s *Store) Archive(ctx context.Context, conversationID int64) error {
	if err := s.api.ArchiveConversation(ctx, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	st, ok := s.convs[conversationID]
	if ok {
		st.conv.Archived = true
	}
	s.mu.Unlock()

	if ok {
		s.publish(conversationID, 0, "", events.ChangeConversation)
	}
	return nil
}

// ToggleReaction adds or removes the local user's reaction and applies the
// canonical result.
func (s *Store) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	s.mu.RLock()
	st, idx := s.locateLocked(0, messageID)
	var convID int64
	if idx >= 0 {
		convID = st.conv.ID
	}
	s.mu.RUnlock()
	if idx < 0 {
		return nil, ErrMessageNotFound
	}

	reactions, err := s.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return nil, err
	}
	s.ApplyReactions(convID, messageID, reactions)
	return reactions, nil
}

// Reconcile refetches the newest page of a conversation and merges it
// through the same dedup path as live frames.
func (s *Store) Reconcile(ctx context.Context, conversationID int64) error {
	conv, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	page, err := s.api.ListMessages(ctx, conversationID, 0, s.cfg.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st := s.putConversationLocked(conv)
	changed := false
	for _, msg := range page.Messages {
		if msg.ID == 0 {
			continue
		}
		msg.ConversationID = conversationID
		if _, ok := s.upsertLocked(st, msg, false); ok {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(conversationID, 0, "", events.ChangePage)
	}
	return nil
}

// RunReconciler reconciles the active conversation every interval until ctx
// is done.
func (s *Store) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := s.Active()
			if active == 0 {
				continue
			}
			if err := s.Reconcile(ctx, active); err != nil {
				s.log.Warn().Err(err).Int64("conversation_id", active).Msg("reconcile failed")
			}
		}
	}
}

// ensureConversation fetches a conversation the store has not seen, or one
// still held as a placeholder after an earlier failed fetch.
func (s *Store) ensureConversation(ctx context.Context, conversationID int64) {
	s.mu.RLock()
	st, ok := s.convs[conversationID]
	known := ok && !st.placeholder
	s.mu.RUnlock()
	if known {
		return
	}

	conv, err := s.api.GetConversation(ctx, conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.convs[conversationID]
	if ok && !st.placeholder {
		return
	}
	if err != nil {
		if ok {
			s.log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("placeholder refetch failed")
			return
		}
		s.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("conversation fetch failed, using placeholder")
		s.convs[conversationID] = &conversationState{
			conv:        models.Conversation{ID: conversationID},
			placeholder: true,
			hasMore:     true,
		}
		return
	}
	conv.ID = conversationID
	s.putConversationLocked(conv)
}

func (s *Store) putConversationLocked(conv models.Conversation) *conversationState {
	st, ok := s.convs[conv.ID]
	if !ok {
		st = &conversationState{hasMore: true}
		s.convs[conv.ID] = st
	}
	if st.conv.LastMessage != nil && (conv.LastMessage == nil || conv.LastMessage.MessageID < st.conv.LastMessage.MessageID) {
		conv.LastMessage = st.conv.LastMessage
	}
	st.conv = conv
	st.placeholder = false
	return st
}

// upsertLocked merges msg into st. live marks messages pushed by the server
// in real time, which count as unread.
func (s *Store) upsertLocked(st *conversationState, msg models.Message, live bool) (events.ChangeReason, bool) {
	msg.Status = models.StatusSent
	msg.Error = ""

	if idx := st.indexOf(msg.ID); idx >= 0 {
		existing := st.messages[idx]
		if msg.Reactions == nil {
			msg.Reactions = existing.Reactions
		}
		if existing.Read && !msg.Read {
			msg.Read, msg.ReadAt = true, existing.ReadAt
		}
		if msg.ClientID == "" {
			msg.ClientID = existing.ClientID
		}
		if reflect.DeepEqual(existing, msg) {
			return "", false
		}
		st.messages[idx] = msg
		s.touchSummaryLocked(st, msg)
		return events.ChangeMessageUpdated, true
	}

	reason := events.ChangeMessageAdded
	if p := st.indexOfClientID(msg.ClientID); p >= 0 {
		st.messages = append(st.messages[:p], st.messages[p+1:]...)
		reason = events.ChangeMessageReconciled
	}

	n := st.confirmedLen()
	i := sort.Search(n, func(i int) bool { return st.messages[i].ID > msg.ID })
	st.messages = append(st.messages, models.Message{})
	copy(st.messages[i+1:], st.messages[i:])
	st.messages[i] = msg

	if live && reason == events.ChangeMessageAdded && msg.SenderID != s.cfg.SelfID && !msg.Read {
		st.conv.UnreadCount++
	}
	s.touchSummaryLocked(st, msg)
	return reason, true
}

func (s *Store) touchSummaryLocked(st *conversationState, msg models.Message) {
	if st.conv.LastMessage == nil || st.conv.LastMessage.MessageID <= msg.ID {
		summary := msg.Summary()
		st.conv.LastMessage = &summary
	}
	if msg.CreatedAt.After(st.conv.UpdatedAt) {
		st.conv.UpdatedAt = msg.CreatedAt
	}
}

// locateLocked finds a confirmed message. conversationID zero searches every
// conversation.
func (s *Store) locateLocked(conversationID, messageID int64) (*conversationState, int) {
	if conversationID != 0 {
		st, ok := s.convs[conversationID]
		if !ok {
			return nil, -1
		}
		return st, st.indexOf(messageID)
	}
	for _, st := range s.convs {
		if idx := st.indexOf(messageID); idx >= 0 {
			return st, idx
		}
	}
	return nil, -1
}

func (s *Store) publish(conversationID, messageID int64, clientID string, reason events.ChangeReason) {
	s.bus.Publish(events.TopicStoreChanged, events.StoreChanged{
		ConversationID: conversationID,
		MessageID:      messageID,
		ClientID:       clientID,
		Reason:         reason,
	})
}
