package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-client/internal/events"
	"chat-client/internal/transport"
)

const (
	EventConnected    = "ws_connect"
	EventDisconnected = "ws_disconnect"
	EventGaveUp       = "ws_give_up"
)

type lifecycleEvent struct {
	eventType string
	payload   map[string]any
}

// LifecycleTracker turns transport events into telemetry. Bus handlers only
// enqueue; Run publishes so the transport is never blocked on the broker.
type LifecycleTracker struct {
	emitter *Emitter
	queue   chan lifecycleEvent
	log     zerolog.Logger

	unsubscribe []func()
}

func NewLifecycleTracker(emitter *Emitter, bus *events.Bus, buffer int, logger zerolog.Logger) *LifecycleTracker {
	if buffer <= 0 {
		buffer = 32
	}
	t := &LifecycleTracker{
		emitter: emitter,
		queue:   make(chan lifecycleEvent, buffer),
		log:     logger.With().Str("component", "lifecycle").Logger(),
	}
	t.unsubscribe = []func(){
		bus.Subscribe(events.TopicStateChanged, t.onStateChanged),
		bus.Subscribe(events.TopicDisconnected, t.onDisconnected),
		bus.Subscribe(events.TopicGaveUp, t.onGaveUp),
	}
	return t
}

// Run publishes queued events until ctx is cancelled.
func (t *LifecycleTracker) Run(ctx context.Context) {
	defer func() {
		for _, fn := range t.unsubscribe {
			fn()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			t.emitter.Emit(pubCtx, ev.eventType, ev.payload)
			cancel()
		}
	}
}

func (t *LifecycleTracker) enqueue(ev lifecycleEvent) {
	select {
	case t.queue <- ev:
	default:
		t.log.Warn().Str("event_type", ev.eventType).Msg("lifecycle event dropped, queue full")
	}
}

func (t *LifecycleTracker) onStateChanged(ev events.Event) {
	changed, ok := ev.Payload.(events.StateChanged)
	if !ok || changed.State != string(transport.StateConnected) {
		return
	}
	t.enqueue(lifecycleEvent{eventType: EventConnected, payload: map[string]any{"transport": changed.Transport}})
}

func (t *LifecycleTracker) onDisconnected(ev events.Event) {
	d, ok := ev.Payload.(events.Disconnected)
	if !ok {
		return
	}
	t.enqueue(lifecycleEvent{eventType: EventDisconnected, payload: map[string]any{
		"code":        d.Code,
		"reason":      d.Reason,
		"intentional": d.Intentional,
	}})
}

func (t *LifecycleTracker) onGaveUp(ev events.Event) {
	g, ok := ev.Payload.(events.GaveUp)
	if !ok {
		return
	}
	payload := map[string]any{"attempts": g.Attempts}
	if g.Err != nil {
		payload["error"] = g.Err.Error()
	}
	t.enqueue(lifecycleEvent{eventType: EventGaveUp, payload: payload})
}
