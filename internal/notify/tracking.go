package notify

import (
	"context"
	"encoding/json"
	"time"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// track delivers an event through the sink, falling back to the durable
// queue.
func (g *Gateway) track(ctx context.Context, name string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error().Err(err).Str("event", name).Msg("encode tracking payload")
		return
	}
	ev := models.TrackingEvent{Name: name, Payload: string(raw), CreatedAt: time.Now().UTC()}

	err = g.call(ctx, func(ctx context.Context) error { return g.sink.SendTracking(ctx, ev) })
	if err == nil {
		return
	}
	g.log.Debug().Err(err).Str("event", name).Msg("tracking deferred")

	if err := g.call(ctx, func(ctx context.Context) error { return g.queue.Append(ctx, ev) }); err != nil {
		g.log.Error().Err(err).Str("event", name).Msg("tracking event lost")
		return
	}
	g.reportDepth(ctx)
}

// drain prunes stale entries, then redelivers the queue in insertion order
// and stops at the first failure.
func (g *Gateway) drain(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-g.cfg.TrackingMaxAge)
	err := g.call(ctx, func(ctx context.Context) error {
		pruned, err := g.queue.Prune(ctx, g.cfg.MaxTrackingRetries, cutoff)
		if pruned > 0 {
			g.log.Info().Int64("pruned", pruned).Msg("stale tracking events pruned")
		}
		return err
	})
	if err != nil {
		g.log.Error().Err(err).Msg("prune tracking queue")
		return
	}

	var pending []models.TrackingEvent
	err = g.call(ctx, func(ctx context.Context) error {
		var err error
		pending, err = g.queue.List(ctx, g.cfg.DrainBatch)
		return err
	})
	if err != nil {
		g.log.Error().Err(err).Msg("list tracking queue")
		return
	}

	sent := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := g.call(ctx, func(ctx context.Context) error { return g.sink.SendTracking(ctx, ev) }); err != nil {
			g.log.Debug().Err(err).Int64("id", ev.ID).Msg("tracking redelivery failed")
			if err := g.call(ctx, func(ctx context.Context) error { return g.queue.IncrementAttempts(ctx, ev.ID) }); err != nil {
				g.log.Error().Err(err).Int64("id", ev.ID).Msg("bump tracking attempts")
			}
			break
		}
		if err := g.call(ctx, func(ctx context.Context) error { return g.queue.Delete(ctx, ev.ID) }); err != nil {
			g.log.Error().Err(err).Int64("id", ev.ID).Msg("delete delivered tracking event")
			break
		}
		sent++
	}
	if sent > 0 {
		g.log.Info().Int("sent", sent).Msg("tracking queue drained")
	}
	g.reportDepth(ctx)
}

func (g *Gateway) reportDepth(ctx context.Context) {
	_ = g.call(ctx, func(ctx context.Context) error {
		n, err := g.queue.Len(ctx)
		if err == nil {
			observability.SetTrackingQueueDepth(n)
		}
		return err
	})
}
