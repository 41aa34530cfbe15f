package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-client/internal/models"
)

// TrackingQueue is the durable, insertion-ordered retry queue for tracking
// events.
type TrackingQueue interface {
	Append(ctx context.Context, ev models.TrackingEvent) error
	List(ctx context.Context, limit int) ([]models.TrackingEvent, error)
	Delete(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
	Prune(ctx context.Context, maxAttempts int, olderThan time.Time) (int64, error)
	Len(ctx context.Context) (int, error)
}

// TrackingRepo is a sqlx implementation of TrackingQueue.
type TrackingRepo struct {
	db *sqlx.DB
}

// NewTrackingRepo constructs a TrackingRepo.
func NewTrackingRepo(db *sqlx.DB) *TrackingRepo {
	return &TrackingRepo{db: db}
}

// Append stores an event at the tail of the queue.
func (r *TrackingRepo) Append(ctx context.Context, ev models.TrackingEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`INSERT INTO tracking_queue (name, payload, attempts, created_at) VALUES (?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, ev.Name, ev.Payload, ev.Attempts, ev.CreatedAt.UTC())
	return err
}

// List returns up to limit events from the head of the queue.
func (r *TrackingRepo) List(ctx context.Context, limit int) ([]models.TrackingEvent, error) {
	query := r.db.Rebind(`SELECT id, name, payload, attempts, created_at FROM tracking_queue ORDER BY id ASC LIMIT ?`)
	var events []models.TrackingEvent
	err := r.db.SelectContext(ctx, &events, query, limit)
	return events, err
}

func (r *TrackingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tracking_queue WHERE id=?`), id)
	return err
}

func (r *TrackingRepo) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tracking_queue SET attempts = attempts + 1 WHERE id=?`), id)
	return err
}

// Prune removes events that used up their attempts or are older than the
// cutoff.
func (r *TrackingRepo) Prune(ctx context.Context, maxAttempts int, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tracking_queue WHERE attempts >= ? OR created_at < ?`), maxAttempts, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *TrackingRepo) Len(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tracking_queue`)
	return n, err
}
