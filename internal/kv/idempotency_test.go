package kv

import (
	"context"
	"testing"
	"time"
)

func TestIdempotencyLeaseClaimsOnce(t *testing.T) {
	rdb := newTestRedis(t)
	lease := NewIdempotencyLease(rdb)
	ctx := context.Background()

	ok, err := lease.Claim(ctx, 1, 9, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	ok, err = lease.Claim(ctx, 1, 9, time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("expected second claim within the window to fail")
	}

	ok, err = lease.Claim(ctx, 1, 10, time.Hour)
	if err != nil || !ok {
		t.Fatalf("claim for a different session: ok=%v err=%v", ok, err)
	}
}
