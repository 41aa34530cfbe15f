package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chat-client/internal/models"
)

// SubscribePush registers a push subscription for the current user.
func (c *Client) SubscribePush(ctx context.Context, sub models.PushSubscription) error {
	return c.doJSON(ctx, http.MethodPost, "/push/subscriptions", "/push/subscriptions", sub, nil)
}

// UnsubscribePush removes a push subscription.
func (c *Client) UnsubscribePush(ctx context.Context, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return c.doJSON(ctx, http.MethodDelete, "/push/subscriptions", "/push/subscriptions", body, nil)
}

// SendTestPush asks the backend to deliver a test notification.
func (c *Client) SendTestPush(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/push/test", "/push/test", nil, nil)
}

// SendTracking posts a notification tracking event.
func (c *Client) SendTracking(ctx context.Context, ev models.TrackingEvent) error {
	body := struct {
		Event      string          `json:"event"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		OccurredAt time.Time       `json:"occurred_at"`
	}{Event: ev.Name, OccurredAt: ev.CreatedAt}
	if ev.Payload != "" {
		body.Payload = json.RawMessage(ev.Payload)
	}
	return c.doJSON(ctx, http.MethodPost, "/tracking/events", "/tracking/events", body, nil)
}
