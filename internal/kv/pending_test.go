package kv

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestPendingQueueFIFO(t *testing.T) {
	rdb := newTestRedis(t)
	q := NewPendingQueue(rdb, 90*time.Second)
	ctx := context.Background()

	if err := q.Push(ctx, 7, []int64{1, 2}); err != nil {
		t.Fatalf("push#1: %v", err)
	}
	if err := q.Push(ctx, 7, []int64{3}); err != nil {
		t.Fatalf("push#2: %v", err)
	}

	got, err := q.Pop(ctx, 7)
	if err != nil {
		t.Fatalf("pop#1: %v", err)
	}
	if !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("expected [1 2], got %v", got)
	}

	got, err = q.Pop(ctx, 7)
	if err != nil {
		t.Fatalf("pop#2: %v", err)
	}
	if !reflect.DeepEqual(got, []int64{3}) {
		t.Fatalf("expected [3], got %v", got)
	}

	got, err = q.Pop(ctx, 7)
	if err != nil {
		t.Fatalf("pop#3: %v", err)
	}
	if got != nil {
		t.Fatalf("expected empty queue, got %v", got)
	}
}
