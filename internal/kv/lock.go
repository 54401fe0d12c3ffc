package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript only deletes the lock key if it still holds the token we
// set, so a holder never releases a lock it no longer owns after TTL expiry
// handed it to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLock is the set-if-not-exists mutex described in spec.md §5:
// "ai:lock:<sessionId> — single-writer mutex per session via set-if-absent
// with TTL. TTL is the safety valve: a crashed holder automatically yields
// after LOCK_TTL. This is the only concurrency primitive that gates AI
// turns."
type SessionLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionLock(rdb *redis.Client, ttl time.Duration) *SessionLock {
	return &SessionLock{redis: rdb, ttl: ttl}
}

// Acquire attempts to take the lock for sessionID. token must be unique per
// holder (the caller typically uses a fresh UUID) so Release never clears a
// lock acquired by someone else after this holder's TTL lapsed.
func (l *SessionLock) Acquire(ctx context.Context, sessionID int64, token string) (bool, error) {
	key := lockKey(sessionID)
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	return ok, nil
}

func (l *SessionLock) Release(ctx context.Context, sessionID int64, token string) error {
	key := lockKey(sessionID)
	if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

func lockKey(sessionID int64) string {
	return fmt.Sprintf("ai:lock:%d", sessionID)
}

// FlowLock is the per-(session,flow) execution lock supplemented from
// original_source/core/src/flow_engine.rs: a flow run must not overlap with
// another run of the same flow for the same session.
type FlowLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewFlowLock(rdb *redis.Client, ttl time.Duration) *FlowLock {
	return &FlowLock{redis: rdb, ttl: ttl}
}

func (l *FlowLock) Acquire(ctx context.Context, sessionID, flowID int64, token string) (bool, error) {
	key := fmt.Sprintf("flow:lock:%d:%d", sessionID, flowID)
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire flow lock: %w", err)
	}
	return ok, nil
}

func (l *FlowLock) Release(ctx context.Context, sessionID, flowID int64, token string) error {
	key := fmt.Sprintf("flow:lock:%d:%d", sessionID, flowID)
	if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release flow lock: %w", err)
	}
	return nil
}
