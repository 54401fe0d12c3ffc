package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingQueue is the overflow FIFO described in spec.md §5: "ai:pending:
// <sessionId> — FIFO list in the shared KV store; each element is one
// JSON-encoded batch of message IDs. Producer appends with RPUSH; consumer
// drains with LPOP."
type PendingQueue struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewPendingQueue's ttl should be LOCK_TTL+30s per spec.md §4.6 step 3, so
// the queue outlives the lock that gates its consumer by a comfortable
// margin.
func NewPendingQueue(rdb *redis.Client, ttl time.Duration) *PendingQueue {
	return &PendingQueue{redis: rdb, ttl: ttl}
}

func (q *PendingQueue) Push(ctx context.Context, sessionID int64, messageIDs []int64) error {
	payload, err := json.Marshal(messageIDs)
	if err != nil {
		return fmt.Errorf("marshal pending batch: %w", err)
	}
	key := pendingKey(sessionID)
	pipe := q.redis.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push pending batch: %w", err)
	}
	return nil
}

// Pop returns the next queued batch, or (nil, nil) if the queue is empty.
func (q *PendingQueue) Pop(ctx context.Context, sessionID int64) ([]int64, error) {
	key := pendingKey(sessionID)
	raw, err := q.redis.LPop(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop pending batch: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal pending batch: %w", err)
	}
	return ids, nil
}

func pendingKey(sessionID int64) string {
	return fmt.Sprintf("ai:pending:%d", sessionID)
}
