// Package telemetry publishes client analytics envelopes: notification
// tracking events and connection lifecycle events.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chat-client/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Emitter wraps events in an Envelope and publishes them.
type Emitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	userID      int64
	log         zerolog.Logger
}

// Envelope is the message body published for every event.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	OccurredAt    string          `json:"occurred_at"`
	Service       string          `json:"service"`
	Environment   string          `json:"environment"`
	UserID        *int64          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEmitter(publisher Publisher, routingKey, service, environment string, userID int64, logger zerolog.Logger) *Emitter {
	return &Emitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		userID:      userID,
		log:         logger.With().Str("component", "telemetry").Logger(),
	}
}

// SendTracking publishes a tracking event and reports delivery failure so
// the caller can queue it for retry.
func (e *Emitter) SendTracking(ctx context.Context, ev models.TrackingEvent) error {
	occurred := ev.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return e.publish(ctx, ev.Name, occurred, payload)
}

// Emit publishes an event and only logs failures.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", eventType).Msg("encode telemetry payload")
		return
	}
	if err := e.publish(ctx, eventType, time.Now(), raw); err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Msg("telemetry publish failed")
	}
}

func (e *Emitter) publish(ctx context.Context, eventType string, occurred time.Time, payload json.RawMessage) error {
	envelope := Envelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    occurred.UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Payload:       payload,
	}
	if e.userID != 0 {
		id := e.userID
		envelope.UserID = &id
	}
	e.log.Debug().Str("event_type", eventType).Msg("telemetry emit")
	return e.publisher.Publish(ctx, e.routingKey, envelope)
}
