package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSONCache is a namespaced, TTL-bound JSON blob store generalized from the
// teacher's telegram.wizardStore, which kept one llmWizardState per admin
// user under a hardcoded "hyprbot:wizard:" prefix. Here the prefix is a
// constructor argument so the same primitive backs multiple admin/wizard
// caches (operator bot step state, HTTP session caches) without each one
// reimplementing get/set/clear.
type JSONCache[T any] struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewJSONCache[T any](rdb *redis.Client, prefix string, ttl time.Duration) *JSONCache[T] {
	return &JSONCache[T]{redis: rdb, prefix: prefix, ttl: ttl}
}

func (c *JSONCache[T]) key(id int64) string {
	return fmt.Sprintf("%s:%d", c.prefix, id)
}

func (c *JSONCache[T]) Set(ctx context.Context, id int64, value T) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(id), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cache value: %w", err)
	}
	return nil
}

// Get returns (zero, false, nil) on a cache miss.
func (c *JSONCache[T]) Get(ctx context.Context, id int64) (T, bool, error) {
	var zero T
	raw, err := c.redis.Get(ctx, c.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("get cache value: %w", err)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return v, true, nil
}

func (c *JSONCache[T]) Clear(ctx context.Context, id int64) error {
	if err := c.redis.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("clear cache value: %w", err)
	}
	return nil
}
