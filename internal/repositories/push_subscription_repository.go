package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-client/internal/models"
)

// PushSubscriptionRepository persists the device's push subscriptions.
type PushSubscriptionRepository interface {
	Save(ctx context.Context, sub models.PushSubscription) error
	Delete(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]models.PushSubscription, error)
}

// PushSubscriptionRepo is a sqlx implementation of PushSubscriptionRepository.
type PushSubscriptionRepo struct {
	db *sqlx.DB
}

// NewPushSubscriptionRepo constructs a PushSubscriptionRepo.
func NewPushSubscriptionRepo(db *sqlx.DB) *PushSubscriptionRepo {
	return &PushSubscriptionRepo{db: db}
}

// Save inserts a subscription or refreshes the keys of an existing endpoint.
func (r *PushSubscriptionRepo) Save(ctx context.Context, sub models.PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_id, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth, user_id = excluded.user_id`)
	_, err := r.db.ExecContext(ctx, query, sub.Endpoint, sub.P256DH, sub.Auth, sub.UserID, sub.CreatedAt.UTC())
	return err
}

func (r *PushSubscriptionRepo) Delete(ctx context.Context, endpoint string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM push_subscriptions WHERE endpoint=?`), endpoint)
	return err
}

func (r *PushSubscriptionRepo) List(ctx context.Context) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := r.db.SelectContext(ctx, &subs, `SELECT endpoint, p256dh, auth, user_id, created_at FROM push_subscriptions ORDER BY created_at ASC`)
	return subs, err
}
