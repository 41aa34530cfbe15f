package notify

import (
	"context"

	"github.com/rs/zerolog"

	"chat-client/internal/models"
)

// Notification is what the Renderer displays.
type Notification struct {
	Title   string
	Body    string
	Icon    string
	Tag     string
	Data    map[string]any
	Actions []models.PushAction
}

// Renderer displays system notifications.
type Renderer interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
	SetBadge(ctx context.Context, count int) error
}

// LogRenderer renders notifications as log lines.
type LogRenderer struct {
	log zerolog.Logger
}

// NewLogRenderer constructs a LogRenderer.
func NewLogRenderer(logger zerolog.Logger) *LogRenderer {
	return &LogRenderer{log: logger.With().Str("component", "notifications").Logger()}
}

func (r *LogRenderer) Show(_ context.Context, n Notification) error {
	r.log.Info().Str("title", n.Title).Str("body", n.Body).Str("tag", n.Tag).Int("actions", len(n.Actions)).Msg("notification")
	return nil
}

func (r *LogRenderer) Close(_ context.Context, tag string) error {
	r.log.Debug().Str("tag", tag).Msg("notification closed")
	return nil
}

func (r *LogRenderer) SetBadge(_ context.Context, count int) error {
	r.log.Debug().Int("badge", count).Msg("badge updated")
	return nil
}
