package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyLease backs the automation sweeper's "set-if-not-exists
// automation:done:<autoId>:<sessionId> with a TTL equal to timeoutMs"
// requirement (spec.md §4.8). PX precision (milliseconds) matters here
// because timeoutMs itself is attacker/operator-controlled and may be
// sub-second in tests.
type IdempotencyLease struct {
	redis *redis.Client
}

func NewIdempotencyLease(rdb *redis.Client) *IdempotencyLease {
	return &IdempotencyLease{redis: rdb}
}

// Claim returns true if this call is the first to claim the (automation,
// session) window.
func (l *IdempotencyLease) Claim(ctx context.Context, automationID, sessionID int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("automation:done:%d:%d", automationID, sessionID)
	ok, err := l.redis.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("claim automation lease: %w", err)
	}
	return ok, nil
}
