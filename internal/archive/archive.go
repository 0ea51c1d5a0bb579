// Package archive provides the Redis-backed side stores: the bounded,
// expiring per-job output log, the durable pending-job queue, and the
// counters behind rate limiting.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/renderforge/renderforge/pkg/models"
)

const (
	// MaxEvents caps the per-job output log; the oldest events are evicted first.
	MaxEvents = 100
	// Retention bounds how long a job's output log survives, independent of
	// the job's lifecycle.
	Retention = 24 * time.Hour
)

// Archive is the interface over the Redis side stores. Implementations must
// be safe for concurrent use.
type Archive interface {
	Ping(ctx context.Context) error

	Append(ctx context.Context, jobID uuid.UUID, event models.OutputEvent) error
	List(ctx context.Context, jobID uuid.UUID) ([]models.OutputEvent, error)
	Delete(ctx context.Context, jobID uuid.UUID) error

	Enqueue(ctx context.Context, jobID uuid.UUID) error
	// Dequeue blocks up to timeout for the next pending job id. The second
	// return is false when the wait timed out with an empty queue.
	Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error)

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisArchive implements the Archive interface using go-redis/v9.
type RedisArchive struct {
	client *redis.Client
}

// NewRedisArchive creates a new RedisArchive from a Redis URL.
func NewRedisArchive(redisURL string) (*RedisArchive, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisArchive{client: redis.NewClient(opts)}, nil
}

func (a *RedisArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *RedisArchive) Close() error {
	return a.client.Close()
}

// Append pushes one event onto the job's log, trims it to the last MaxEvents
// entries, and refreshes the retention TTL. The three commands run in a
// single pipeline so the cap holds under concurrent appends.
func (a *RedisArchive) Append(ctx context.Context, jobID uuid.UUID, event models.OutputEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal output event: %w", err)
	}

	key := OutputKey(jobID)
	pipe := a.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -MaxEvents, -1)
	pipe.Expire(ctx, key, Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append output event: %w", err)
	}
	return nil
}

// List returns the job's archived events ordered oldest to newest. A job
// with no archive yields an empty slice, never nil.
func (a *RedisArchive) List(ctx context.Context, jobID uuid.UUID) ([]models.OutputEvent, error) {
	raw, err := a.client.LRange(ctx, OutputKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list output events: %w", err)
	}

	events := make([]models.OutputEvent, 0, len(raw))
	for _, entry := range raw {
		var ev models.OutputEvent
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal output event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *RedisArchive) Delete(ctx context.Context, jobID uuid.UUID) error {
	return a.client.Del(ctx, OutputKey(jobID)).Err()
}

func (a *RedisArchive) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	return a.client.LPush(ctx, pendingQueueKey, jobID.String()).Err()
}

func (a *RedisArchive) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	res, err := a.client.BRPop(ctx, timeout, pendingQueueKey).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dequeue job: %w", err)
	}
	// BRPop returns [key, value].
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse queued job id %q: %w", res[1], err)
	}
	return id, true, nil
}

func (a *RedisArchive) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := a.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Archive = (*RedisArchive)(nil)
