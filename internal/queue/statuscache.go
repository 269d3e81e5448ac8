package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache keeps a short-lived copy of job status in Redis so the status
// endpoint can answer hot polls without hitting PostgreSQL.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache wraps an existing Redis client. ttl bounds staleness after a
// worker writes the authoritative row.
func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func statusKey(jobID string) string {
	return fmt.Sprintf("realenhance:jobs:%s:status", jobID)
}

// Set stores the serialized status payload for a job.
func (c *StatusCache) Set(ctx context.Context, jobID string, payload []byte) error {
	return c.client.Set(ctx, statusKey(jobID), payload, c.ttl).Err()
}

// Get returns the cached payload and whether it was present.
func (c *StatusCache) Get(ctx context.Context, jobID string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Invalidate drops the cached status, forcing the next read through to the
// database.
func (c *StatusCache) Invalidate(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, statusKey(jobID)).Err()
}
