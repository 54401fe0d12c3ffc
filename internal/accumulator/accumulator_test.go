package accumulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAccumulateBatchesBurstIntoOneFlush(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string

	a := New(func(ctx context.Context, sessionID int64, batch []string) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
		return nil
	}, zerolog.Nop())

	ctx := context.Background()
	a.Accumulate(ctx, 1, "hola", 50)
	a.Accumulate(ctx, 1, "como estas", 50)
	a.Accumulate(ctx, 1, "?", 50)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d: %+v", len(batches), batches)
	}
	if len(batches[0]) != 3 || batches[0][0] != "hola" || batches[0][2] != "?" {
		t.Fatalf("expected batch in arrival order, got %+v", batches[0])
	}
}

func TestAccumulateZeroDelayFlushesImmediately(t *testing.T) {
	flushed := make(chan []string, 1)
	a := New(func(ctx context.Context, sessionID int64, batch []string) error {
		flushed <- batch
		return nil
	}, zerolog.Nop())

	a.Accumulate(context.Background(), 2, "now", 0)

	select {
	case batch := <-flushed:
		if len(batch) != 1 || batch[0] != "now" {
			t.Fatalf("unexpected batch %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush")
	}
}
