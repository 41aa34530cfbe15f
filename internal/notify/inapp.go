package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-client/internal/events"
	"chat-client/internal/models"
)

// Feed turns notification frames into TopicNotification events and keeps
// the most recent ones for the control server.
type Feed struct {
	bus   *events.Bus
	limit int
	log   zerolog.Logger

	mu    sync.Mutex
	items []events.Notification

	unsubscribe func()
}

// NewFeed subscribes a Feed to notification frames.
func NewFeed(bus *events.Bus, limit int, logger zerolog.Logger) *Feed {
	if limit <= 0 {
		limit = 50
	}
	f := &Feed{
		bus:   bus,
		limit: limit,
		log:   logger.With().Str("component", "inapp").Logger(),
	}
	f.unsubscribe = bus.Subscribe(events.FrameTopic(models.FrameNotification), f.onNotification)
	return f
}

func (f *Feed) Close() {
	f.unsubscribe()
}

// Recent returns the retained notifications, newest first.
func (f *Feed) Recent() []events.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Notification, 0, len(f.items))
	for i := len(f.items) - 1; i >= 0; i-- {
		out = append(out, f.items[i])
	}
	return out
}

func (f *Feed) onNotification(ev events.Event) {
	frame, ok := ev.Payload.(models.Frame)
	if !ok {
		return
	}
	var payload models.NotificationFrame
	if err := frame.Decode(&payload); err != nil {
		f.log.Warn().Err(err).Msg("bad notification frame")
		return
	}

	n := events.Notification{
		ConversationID: frame.ConversationID,
		Title:          payload.Title,
		Body:           payload.Body,
		Data:           payload.Data,
		ReceivedAt:     frame.Timestamp,
	}
	if n.ConversationID == 0 {
		n.ConversationID, _ = models.PushPayload{Data: payload.Data}.ConversationID()
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}

	f.mu.Lock()
	f.items = append(f.items, n)
	if len(f.items) > f.limit {
		f.items = f.items[len(f.items)-f.limit:]
	}
	f.mu.Unlock()

	f.log.Info().Str("title", n.Title).Int64("conversation_id", n.ConversationID).Msg("in-app notification")
	f.bus.Publish(events.TopicNotification, n)
}
