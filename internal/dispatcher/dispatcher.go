// Package dispatcher decodes raw transport frames and fans them out on the
// event bus by frame type.
package dispatcher

import (
	"encoding/json"
	"slices"

	"github.com/rs/zerolog"

	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// Dispatcher routes every inbound frame to its type topic and to
// events.TopicAnyFrame.
type Dispatcher struct {
	bus         *events.Bus
	log         zerolog.Logger
	unsubscribe func()
}

// New constructs a Dispatcher and subscribes it to raw transport frames.
func New(bus *events.Bus, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		bus: bus,
		log: logger.With().Str("component", "dispatcher").Logger(),
	}
	d.unsubscribe = bus.Subscribe(events.TopicRawFrame, func(ev events.Event) {
		raw, ok := ev.Payload.(events.RawFrame)
		if !ok {
			return
		}
		d.Dispatch(raw.Data)
	})
	return d
}

// Close detaches the dispatcher from the bus.
func (d *Dispatcher) Close() {
	d.unsubscribe()
}

// Dispatch decodes data and publishes the frame. It reports whether the
// frame was forwarded.
func (d *Dispatcher) Dispatch(data []byte) bool {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.IncFrameReceived("malformed")
		d.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return false
	}
	if frame.Type == "" {
		observability.IncFrameReceived("malformed")
		d.log.Warn().Msg("dropping frame without type")
		return false
	}
	frame.Raw = append(json.RawMessage(nil), data...)
	observability.IncFrameReceived(string(frame.Type))

	switch frame.Type {
	case models.FramePong:
		d.bus.Publish(events.TopicHeartbeatAck, frame)
		return true
	case models.FramePing:
		return true
	}

	if slices.Contains(models.KnownFrameTypes, frame.Type) {
		d.bus.Publish(events.FrameTopic(frame.Type), frame)
	} else {
		d.log.Debug().Str("type", string(frame.Type)).Msg("unknown frame type")
	}
	d.bus.Publish(events.TopicAnyFrame, frame)
	return true
}
