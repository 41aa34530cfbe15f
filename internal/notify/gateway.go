// Package notify runs the background notification gateway: it renders push
// notifications, routes clicks to foreground windows, keeps the badge count,
// manages push subscriptions and delivers tracking events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// API is the REST surface the Gateway needs.
type API interface {
	SubscribePush(ctx context.Context, sub models.PushSubscription) error
	UnsubscribePush(ctx context.Context, endpoint string) error
	SendTestPush(ctx context.Context) error
}

// Sink delivers one tracking event.
type Sink interface {
	SendTracking(ctx context.Context, ev models.TrackingEvent) error
}

// Queue is the durable, insertion-ordered tracking retry queue.
type Queue interface {
	Append(ctx context.Context, ev models.TrackingEvent) error
	List(ctx context.Context, limit int) ([]models.TrackingEvent, error)
	Delete(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
	Prune(ctx context.Context, maxAttempts int, olderThan time.Time) (int64, error)
	Len(ctx context.Context) (int, error)
}

// Subscriptions persists push subscriptions locally.
type Subscriptions interface {
	Save(ctx context.Context, sub models.PushSubscription) error
	Delete(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]models.PushSubscription, error)
}

var ErrGatewayStopped = errors.New("notification gateway stopped")

const (
	EventShown   = "notification_shown"
	EventClicked = "notification_clicked"
	EventClosed  = "notification_closed"
)

// Config tunes the Gateway.
type Config struct {
	InboxSize          int
	MaxTrackingRetries int
	TrackingMaxAge     time.Duration
	DrainInterval      time.Duration
	DrainBatch         int
	CallTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.MaxTrackingRetries <= 0 {
		c.MaxTrackingRetries = 5
	}
	if c.TrackingMaxAge <= 0 {
		c.TrackingMaxAge = 7 * 24 * time.Hour
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Minute
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Gateway owns notification state. All state is touched only by the Run
// goroutine; other goroutines talk to it through Post.
type Gateway struct {
	cfg      Config
	renderer Renderer
	clients  Clients
	api      API
	sink     Sink
	queue    Queue
	subs     Subscriptions
	log      zerolog.Logger

	inbox chan Message
	done  chan struct{}

	badge int
	shown map[string]int
}

// New constructs a Gateway. Run must be started for messages to be handled.
func New(cfg Config, renderer Renderer, clients Clients, client API, sink Sink, queue Queue, subs Subscriptions, logger zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:      cfg,
		renderer: renderer,
		clients:  clients,
		api:      client,
		sink:     sink,
		queue:    queue,
		subs:     subs,
		log:      logger.With().Str("component", "notify").Logger(),
		inbox:    make(chan Message, cfg.InboxSize),
		done:     make(chan struct{}),
		shown:    make(map[string]int),
	}
}

// Post hands a message to the Gateway, blocking while the inbox is full.
func (g *Gateway) Post(ctx context.Context, msg Message) error {
	select {
	case <-g.done:
		return ErrGatewayStopped
	default:
	}
	select {
	case g.inbox <- msg:
		return nil
	case <-g.done:
		return ErrGatewayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the inbox until ctx is cancelled. The tracking queue is
// drained once at start and then on every DrainInterval tick.
func (g *Gateway) Run(ctx context.Context) {
	defer close(g.done)
	g.log.Info().Msg("notification gateway started")

	g.drain(ctx)
	ticker := time.NewTicker(g.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("notification gateway stopped")
			return
		case <-ticker.C:
			g.drain(ctx)
		case msg := <-g.inbox:
			g.handle(ctx, msg)
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case PushReceived:
		g.onPush(ctx, m.Data)
	case NotificationClicked:
		g.onClick(ctx, m)
	case ClearTag:
		g.onClearTag(ctx, m.Tag)
	case ConnectivityRestored:
		g.drain(ctx)
	case Subscribe:
		reply(m.Reply, g.subscribe(ctx, m.Subscription))
	case Unsubscribe:
		reply(m.Reply, g.unsubscribe(ctx, m.Endpoint))
	case PermissionRevoked:
		g.revokeAll(ctx)
	case TestNotification:
		reply(m.Reply, g.testNotification(ctx))
	default:
		g.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unknown gateway message")
	}
}

func (g *Gateway) onPush(ctx context.Context, data []byte) {
	var payload models.PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.log.Warn().Err(err).Msg("malformed push payload dropped")
		observability.IncPushNotification("malformed")
		return
	}
	if payload.Title == "" {
		payload.Title = "New message"
	}
	convID, isMessage := payload.ConversationID()
	if payload.Tag == "" && isMessage {
		payload.Tag = fmt.Sprintf("conversation-%d", convID)
	}

	err := g.call(ctx, func(ctx context.Context) error {
		return g.renderer.Show(ctx, Notification{
			Title:   payload.Title,
			Body:    payload.Body,
			Icon:    payload.Icon,
			Tag:     payload.Tag,
			Data:    payload.Data,
			Actions: payload.Actions,
		})
	})
	if err != nil {
		g.log.Error().Err(err).Str("tag", payload.Tag).Msg("notification render failed")
		observability.IncPushNotification("render_failed")
		return
	}
	observability.IncPushNotification("rendered")

	if payload.Badge != nil {
		g.badge = *payload.Badge
	} else if isMessage {
		g.badge++
	}
	if isMessage {
		g.shown[payload.Tag]++
	}
	g.updateBadge(ctx)

	g.track(ctx, EventShown, map[string]any{"tag": payload.Tag, "conversation_id": convID})
}

func (g *Gateway) onClick(ctx context.Context, m NotificationClicked) {
	if m.Tag != "" {
		g.closeTag(ctx, m.Tag)
	}

	url := "/messages"
	convID, ok := models.PushPayload{Data: m.Data}.ConversationID()
	if ok {
		url = fmt.Sprintf("/messages/%d", convID)
	}

	if err := g.navigate(ctx, url); err != nil {
		g.log.Error().Err(err).Str("url", url).Msg("notification click not routed")
	}
	g.track(ctx, EventClicked, map[string]any{"tag": m.Tag, "action": m.Action, "conversation_id": convID})
}

func (g *Gateway) navigate(ctx context.Context, url string) error {
	return g.call(ctx, func(ctx context.Context) error {
		windows, err := g.clients.MatchAll(ctx)
		if err != nil {
			return fmt.Errorf("match windows: %w", err)
		}
		for _, w := range windows {
			if err := w.Focus(ctx); err != nil {
				g.log.Debug().Err(err).Str("window", w.ID()).Msg("focus failed")
				continue
			}
			return w.PostMessage(ctx, ForegroundMessage{Type: "navigate", URL: url})
		}
		return g.clients.OpenWindow(ctx, url)
	})
}

func (g *Gateway) onClearTag(ctx context.Context, tag string) {
	g.closeTag(ctx, tag)
	g.track(ctx, EventClosed, map[string]any{"tag": tag})
}

func (g *Gateway) closeTag(ctx context.Context, tag string) {
	if err := g.call(ctx, func(ctx context.Context) error { return g.renderer.Close(ctx, tag) }); err != nil {
		g.log.Warn().Err(err).Str("tag", tag).Msg("close notification failed")
	}
	if n, ok := g.shown[tag]; ok {
		delete(g.shown, tag)
		g.badge -= n
		if g.badge < 0 || len(g.shown) == 0 {
			g.badge = 0
		}
		g.updateBadge(ctx)
	}
}

func (g *Gateway) updateBadge(ctx context.Context) {
	if err := g.call(ctx, func(ctx context.Context) error { return g.renderer.SetBadge(ctx, g.badge) }); err != nil {
		g.log.Debug().Err(err).Int("badge", g.badge).Msg("set badge failed")
	}
}

func (g *Gateway) subscribe(ctx context.Context, sub models.PushSubscription) error {
	if sub.Endpoint == "" {
		return errors.New("push subscription endpoint is required")
	}
	if err := g.call(ctx, func(ctx context.Context) error { return g.api.SubscribePush(ctx, sub) }); err != nil {
		return fmt.Errorf("subscribe push: %w", err)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if err := g.call(ctx, func(ctx context.Context) error { return g.subs.Save(ctx, sub) }); err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	g.log.Info().Str("endpoint", sub.Endpoint).Msg("push subscription registered")
	return nil
}

func (g *Gateway) unsubscribe(ctx context.Context, endpoint string) error {
	apiErr := g.call(ctx, func(ctx context.Context) error { return g.api.UnsubscribePush(ctx, endpoint) })
	if apiErr != nil {
		g.log.Warn().Err(apiErr).Str("endpoint", endpoint).Msg("backend unsubscribe failed")
	}
	if err := g.call(ctx, func(ctx context.Context) error { return g.subs.Delete(ctx, endpoint) }); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	if apiErr != nil {
		return fmt.Errorf("unsubscribe push: %w", apiErr)
	}
	return nil
}

func (g *Gateway) revokeAll(ctx context.Context) {
	var subs []models.PushSubscription
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		subs, err = g.subs.List(ctx)
		return err
	})
	if err != nil {
		g.log.Error().Err(err).Msg("list push subscriptions failed")
		return
	}
	for _, sub := range subs {
		if err := g.unsubscribe(ctx, sub.Endpoint); err != nil {
			g.log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("revoke push subscription")
		}
	}
	g.log.Info().Int("subscriptions", len(subs)).Msg("push permission revoked")
}

func (g *Gateway) testNotification(ctx context.Context) error {
	err := g.call(ctx, g.api.SendTestPush)
	if err == nil {
		return nil
	}
	g.log.Warn().Err(err).Msg("test push failed, showing local notification")
	return g.call(ctx, func(ctx context.Context) error {
		return g.renderer.Show(ctx, Notification{
			Title: "Test notification",
			Body:  "Notifications are working on this device.",
			Tag:   "test",
		})
	})
}

func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}
