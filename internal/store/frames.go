package store

import (
	"context"

	"chat-client/internal/events"
	"chat-client/internal/models"
)

func (s *Store) onNewMessage(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.NewMessageFrame
	if err := frame.Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("bad new_message frame")
		return
	}

	msg := payload.Message
	if msg.ConversationID == 0 {
		msg.ConversationID = frame.ConversationID
	}
	if msg.ClientID == "" {
		msg.ClientID = payload.ClientID
	}
	if _, err := s.ApplyIncoming(context.Background(), msg); err != nil {
		s.log.Warn().Err(err).Msg("new_message rejected")
	}
}

func (s *Store) onMessageUpdate(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.MessageUpdateFrame
	if err := frame.Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("bad message_update frame")
		return
	}
	if payload.Message.ConversationID == 0 {
		payload.Message.ConversationID = frame.ConversationID
	}
	s.ApplyUpdate(payload.Message)
}

func (s *Store) onReactionUpdate(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.ReactionUpdateFrame
	if err := frame.Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("bad reaction_update frame")
		return
	}
	if payload.ConversationID == 0 {
		payload.ConversationID = frame.ConversationID
	}
	s.ApplyReactions(payload.ConversationID, payload.MessageID, payload.Reactions)
}
