package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestSessionLockSerializesHolders(t *testing.T) {
	rdb := newTestRedis(t)
	lock := NewSessionLock(rdb, time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, 42, "holder-a")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = lock.Acquire(ctx, 42, "holder-b")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to observe the held lock")
	}

	// holder-b must not be able to release holder-a's lock.
	if err := lock.Release(ctx, 42, "holder-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	ok, err = lock.Acquire(ctx, 42, "holder-c")
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if ok {
		t.Fatal("lock should still be held by holder-a after a foreign release")
	}

	if err := lock.Release(ctx, 42, "holder-a"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	ok, err = lock.Acquire(ctx, 42, "holder-d")
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}
