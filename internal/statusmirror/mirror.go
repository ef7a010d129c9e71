// Package statusmirror pushes job status snapshots into Redis so external
// pollers can read job state without touching the scheduler. Delivery is
// best-effort with a TTL; the scheduler never depends on the mirror for
// correctness.
package statusmirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Mirror is the status-mirror interface. Implementations must be safe for
// concurrent use.
type Mirror interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, snapshot any, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisMirror implements Mirror using go-redis/v9.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror creates a RedisMirror from a Redis URL.
func NewRedisMirror(redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisMirror{client: redis.NewClient(opts)}, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// SetJobStatus stores a JSON-encoded status snapshot under the job's key.
func (m *RedisMirror) SetJobStatus(ctx context.Context, jobID uuid.UUID, snapshot any, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, JobStatusKey(jobID), data, ttl).Err()
}

// GetJobStatus returns the raw snapshot bytes for a job, if mirrored.
func (m *RedisMirror) GetJobStatus(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error) {
	val, err := m.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// IncrWithExpiry atomically increments a counter and refreshes its expiry.
// Backs the API rate limiter.
func (m *RedisMirror) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := m.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
