// Package queue is the distributed work queue between the API and worker
// processes, backed by a Redis list. Many workers block on the same list;
// Redis hands each message to exactly one of them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobQueueKey = "realenhance:jobs:queue"

// ErrEmpty is returned by Dequeue when the blocking wait times out with no
// message available.
var ErrEmpty = errors.New("queue: empty")

// Message is one unit of work handed to a worker.
type Message struct {
	JobID      string    `json:"jobId"`
	TenantID   string    `json:"tenantId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue pushes and pops job messages. Safe for concurrent use.
type Queue struct {
	client *redis.Client
}

// NewQueue wraps an existing Redis client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue appends a job message to the work queue.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.client.LPush(ctx, jobQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next message. Delivery is
// at-least-once: a worker that dies mid-job loses the message, and a
// redelivered job is recognized by its terminal status downstream.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Message, error) {
	res, err := q.client.BRPop(ctx, timeout, jobQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, ErrEmpty
		}
		return Message{}, fmt.Errorf("dequeue: %w", err)
	}
	// res[0] is the queue key, res[1] the payload.
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	return msg, nil
}

// Depth returns the number of pending messages.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobQueueKey).Result()
}
