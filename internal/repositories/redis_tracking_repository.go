package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-client/internal/models"
)

type redisTrackingRecord struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisTrackingQueue keeps the tracking queue in Redis: a list of ids in
// insertion order and a hash of encoded events.
type RedisTrackingQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisTrackingQueue parses redisURL and verifies the connection.
func NewRedisTrackingQueue(ctx context.Context, redisURL, prefix string) (*RedisTrackingQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = "chat-client"
	}
	return &RedisTrackingQueue{client: client, prefix: prefix}, nil
}

func (q *RedisTrackingQueue) Close() error {
	return q.client.Close()
}

func (q *RedisTrackingQueue) seqKey() string    { return q.prefix + ":tracking:seq" }
func (q *RedisTrackingQueue) listKey() string   { return q.prefix + ":tracking:queue" }
func (q *RedisTrackingQueue) eventsKey() string { return q.prefix + ":tracking:events" }

func (q *RedisTrackingQueue) Append(ctx context.Context, ev models.TrackingEvent) error {
	id, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(redisTrackingRecord{
		ID:        id,
		Name:      ev.Name,
		Payload:   ev.Payload,
		Attempts:  ev.Attempts,
		CreatedAt: ev.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}

	field := strconv.FormatInt(id, 10)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.eventsKey(), field, body)
		pipe.RPush(ctx, q.listKey(), field)
		return nil
	})
	return err
}

func (q *RedisTrackingQueue) List(ctx context.Context, limit int) ([]models.TrackingEvent, error) {
	ids, err := q.client.LRange(ctx, q.listKey(), 0, int64(limit)-1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return q.load(ctx, ids)
}

func (q *RedisTrackingQueue) load(ctx context.Context, ids []string) ([]models.TrackingEvent, error) {
	values, err := q.client.HMGet(ctx, q.eventsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	events := make([]models.TrackingEvent, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisTrackingRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode tracking event: %w", err)
		}
		events = append(events, models.TrackingEvent{
			ID:        rec.ID,
			Name:      rec.Name,
			Payload:   rec.Payload,
			Attempts:  rec.Attempts,
			CreatedAt: rec.CreatedAt,
		})
	}
	return events, nil
}

func (q *RedisTrackingQueue) Delete(ctx context.Context, id int64) error {
	field := strconv.FormatInt(id, 10)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.listKey(), 1, field)
		pipe.HDel(ctx, q.eventsKey(), field)
		return nil
	})
	return err
}

func (q *RedisTrackingQueue) IncrementAttempts(ctx context.Context, id int64) error {
	field := strconv.FormatInt(id, 10)
	s, err := q.client.HGet(ctx, q.eventsKey(), field).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var rec redisTrackingRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return fmt.Errorf("decode tracking event: %w", err)
	}
	rec.Attempts++
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.eventsKey(), field, body).Err()
}

func (q *RedisTrackingQueue) Prune(ctx context.Context, maxAttempts int, olderThan time.Time) (int64, error) {
	ids, err := q.client.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	events, err := q.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	var pruned int64
	for _, ev := range events {
		if ev.Attempts < maxAttempts && !ev.CreatedAt.Before(olderThan) {
			continue
		}
		if err := q.Delete(ctx, ev.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (q *RedisTrackingQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	return int(n), err
}
