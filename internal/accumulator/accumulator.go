// Package accumulator implements the per-session debounce batching
// described in spec.md §4.1: a burst of inbound messages arriving within a
// sliding window is delivered to the caller as a single batch.
package accumulator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlushFunc receives one session's buffered batch in arrival order. An
// error is the caller's responsibility: the batch is not re-queued.
type FlushFunc[T any] func(ctx context.Context, sessionID int64, batch []T) error

type bucket[T any] struct {
	mu      sync.Mutex
	items   []T
	timer   *time.Timer
}

// Accumulator owns one process-local map keyed by sessionID, per spec.md §5
// ("Accumulator also owns a process-local map keyed by sessionId").
type Accumulator[T any] struct {
	mu      sync.Mutex
	buckets map[int64]*bucket[T]
	flush   FlushFunc[T]
	log     zerolog.Logger
}

func New[T any](flush FlushFunc[T], log zerolog.Logger) *Accumulator[T] {
	return &Accumulator[T]{
		buckets: make(map[int64]*bucket[T]),
		flush:   flush,
		log:     log.With().Str("component", "accumulator").Logger(),
	}
}

// Accumulate appends message to sessionID's buffer and (re)arms a debounce
// timer for delayMs from now. A message arriving while the timer is
// pending resets the timer rather than adding a second one, so a fast
// burst is delivered as exactly one batch.
func (a *Accumulator[T]) Accumulate(ctx context.Context, sessionID int64, message T, delayMs int64) {
	if delayMs <= 0 {
		// Callers are expected to bypass Accumulator entirely when
		// delayMs is 0, per spec.md §4.1's "Failure" note; this is a
		// defensive immediate flush should one not.
		if err := a.flush(ctx, sessionID, []T{message}); err != nil {
			a.log.Warn().Err(err).Int64("session_id", sessionID).Msg("immediate flush failed")
		}
		return
	}

	a.mu.Lock()
	b, ok := a.buckets[sessionID]
	if !ok {
		b = &bucket[T]{}
		a.buckets[sessionID] = b
	}
	a.mu.Unlock()

	b.mu.Lock()
	b.items = append(b.items, message)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		a.fire(ctx, sessionID, b)
	})
	b.mu.Unlock()
}

func (a *Accumulator[T]) fire(ctx context.Context, sessionID int64, b *bucket[T]) {
	b.mu.Lock()
	batch := b.items
	b.items = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := a.flush(ctx, sessionID, batch); err != nil {
		a.log.Warn().Err(err).Int64("session_id", sessionID).Msg("flush failed")
	}
}

// PendingCount reports the number of buffers with outstanding messages.
func (a *Accumulator[T]) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.buckets {
		b.mu.Lock()
		if len(b.items) > 0 {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

// FlushAll forcibly drains every buffer, used at shutdown.
func (a *Accumulator[T]) FlushAll(ctx context.Context) {
	a.mu.Lock()
	buckets := make(map[int64]*bucket[T], len(a.buckets))
	for k, v := range a.buckets {
		buckets[k] = v
	}
	a.mu.Unlock()

	for sessionID, b := range buckets {
		b.mu.Lock()
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		a.fire(ctx, sessionID, b)
	}
}
