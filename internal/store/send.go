package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/api"
	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/transport"
)

// SendText adds a pending message for text and hands it to the transport.
// The returned message reflects the delivery state after the attempt;
// delivery failures are recorded on the message, not returned.
func (s *Store) SendText(ctx context.Context, conversationID int64, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	s.ensureConversation(ctx, conversationID)

	msg := models.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.cfg.SelfID,
		Kind:           models.KindText,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
		Status:         models.StatusPending,
	}

	s.mu.Lock()
	st := s.convs[conversationID]
	if st.conv.Blocked {
		s.mu.Unlock()
		return models.Message{}, ErrConversationBlocked
	}
	st.messages = append(st.messages, msg)
	s.mu.Unlock()
	s.publish(conversationID, 0, msg.ClientID, events.ChangeMessageAdded)

	s.deliver(ctx, msg)
	return s.messageByClientID(conversationID, msg.ClientID, msg), nil
}

// Retry resends a failed message.
func (s *Store) Retry(ctx context.Context, clientID string) (models.Message, error) {
	s.mu.Lock()
	var (
		msg   models.Message
		found bool
	)
	for _, st := range s.convs {
		if idx := st.indexOfClientID(clientID); idx >= 0 {
			if st.messages[idx].Status != models.StatusFailed {
				s.mu.Unlock()
				return models.Message{}, ErrNotFailed
			}
			st.messages[idx].Status = models.StatusPending
			st.messages[idx].Error = ""
			msg, found = st.messages[idx], true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return models.Message{}, ErrMessageNotFound
	}

	s.publish(msg.ConversationID, 0, clientID, events.ChangeMessageUpdated)
	s.deliver(ctx, msg)
	return s.messageByClientID(msg.ConversationID, clientID, msg), nil
}

func (s *Store) deliver(ctx context.Context, msg models.Message) {
	frame := models.OutboundFrame{
		Type:           models.FrameSendMessage,
		ConversationID: msg.ConversationID,
		ClientID:       msg.ClientID,
		Payload: models.SendMessagePayload{
			Kind:     msg.Kind,
			Content:  msg.Content,
			Metadata: msg.Metadata,
		},
		Timestamp: msg.CreatedAt,
	}

	status, err := s.sender.Send(ctx, frame)
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("live send failed, using REST")
		s.sendREST(ctx, msg)
		return
	}
	if status == transport.SendRedirect {
		s.sendREST(ctx, msg)
	}
}

func (s *Store) sendREST(ctx context.Context, msg models.Message) {
	saved, err := s.api.SendMessage(ctx, msg.ConversationID, api.SendMessageRequest{
		ClientID: msg.ClientID,
		Kind:     msg.Kind,
		Content:  msg.Content,
		Metadata: msg.Metadata,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("send failed")
		s.markFailed(msg.ConversationID, msg.ClientID, err)
		return
	}

	if saved.ClientID == "" {
		saved.ClientID = msg.ClientID
	}
	if saved.ConversationID == 0 {
		saved.ConversationID = msg.ConversationID
	}
	if _, err := s.ApplyIncoming(ctx, saved); err != nil {
		s.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("server copy rejected")
	}
}

func (s *Store) markFailed(conversationID int64, clientID string, cause error) {
	s.mu.Lock()
	st, ok := s.convs[conversationID]
	idx := -1
	if ok {
		idx = st.indexOfClientID(clientID)
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	st.messages[idx].Status = models.StatusFailed
	st.messages[idx].Error = cause.Error()
	s.mu.Unlock()

	s.publish(conversationID, 0, clientID, events.ChangeMessageFailed)
}

func (s *Store) messageByClientID(conversationID int64, clientID string, fallback models.Message) models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return fallback
	}
	if idx := st.indexOfClientID(clientID); idx >= 0 {
		return st.messages[idx]
	}
	for i := st.confirmedLen() - 1; i >= 0; i-- {
		if st.messages[i].ClientID == clientID {
			return st.messages[i]
		}
	}
	return fallback
}

func (s *Store) onSendRedirected(ev events.Event) {
	redirected, ok := ev.Payload.(events.SendRedirected)
	if !ok || redirected.Frame.Type != models.FrameSendMessage {
		return
	}

	s.mu.RLock()
	var (
		msg   models.Message
		found bool
	)
	if st, ok := s.convs[redirected.Frame.ConversationID]; ok {
		if idx := st.indexOfClientID(redirected.Frame.ClientID); idx >= 0 {
			msg, found = st.messages[idx], true
		}
	}
	s.mu.RUnlock()
	if !found {
		return
	}
	s.sendREST(context.Background(), msg)
}
