package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/kv"
	"agenticcore/internal/storage"
)

type fakeProcessor struct {
	mu      sync.Mutex
	msgs    []storage.Message
	batches [][]storage.Message
}

func (f *fakeProcessor) ProcessMessage(ctx context.Context, sessionID int64, msg storage.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeProcessor) ProcessMessages(ctx context.Context, sessionID int64, messages []storage.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, messages)
	return nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeProcessor) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestWorkerDrainsIncomingStreamIntoProcessor(t *testing.T) {
	db, err := storage.Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	incoming := kv.NewStream[kv.IncomingEnvelope](rdb, "agentic:queue:incoming", "core", "test-consumer", 50*time.Millisecond, 0)
	proc := &fakeProcessor{}
	w := New(Config{Store: db, Incoming: incoming, Processor: proc, Concurrency: 1, Logger: zerolog.Nop()})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = w.Start(runCtx); close(done) }()

	if _, err := incoming.Publish(ctx, kv.IncomingEnvelope{
		Type: "NEW_MESSAGE", BotID: botID, Identifier: "5215500000020",
		Platform: "whatsapp", Sender: "5215500000020",
		Message: kv.IncomingMessageBody{Text: "hola"},
	}); err != nil {
		t.Fatalf("publish envelope: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for proc.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected the processor to receive the envelope")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done

	sessions, err := db.ListUnlabeledSessions(ctx, botID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Identifier != "5215500000020" {
		t.Fatalf("expected one persisted session, got %+v", sessions)
	}
}

// TestWorkerAccumulatesBurstWhenBotConfiguresDelay covers spec.md §4.1's
// "Guarantees": when bot.MessageDelayMs > 0, a burst of inbound messages
// arriving within the window is delivered as exactly one batch to
// ProcessMessages rather than one serialized ProcessMessage call each.
func TestWorkerAccumulatesBurstWhenBotConfiguresDelay(t *testing.T) {
	db, err := storage.Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true, MessageDelayMs: 80})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	incoming := kv.NewStream[kv.IncomingEnvelope](rdb, "agentic:queue:incoming", "core-2", "test-consumer", 50*time.Millisecond, 0)
	proc := &fakeProcessor{}
	w := New(Config{Store: db, Incoming: incoming, Processor: proc, Concurrency: 1, Logger: zerolog.Nop()})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = w.Start(runCtx); close(done) }()

	for _, text := range []string{"hola", "como estas", "?"} {
		if _, err := incoming.Publish(ctx, kv.IncomingEnvelope{
			Type: "NEW_MESSAGE", BotID: botID, Identifier: "5215500000030",
			Platform: "whatsapp", Sender: "5215500000030",
			Message: kv.IncomingMessageBody{Text: text},
		}); err != nil {
			t.Fatalf("publish envelope: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for proc.batchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected one flushed batch")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if proc.batchCount() != 1 {
		t.Fatalf("expected exactly one batch, got %d", proc.batchCount())
	}
	if proc.count() != 0 {
		t.Fatalf("expected no direct ProcessMessage calls when debounced, got %d", proc.count())
	}
	if got := len(proc.batches[0]); got != 3 {
		t.Fatalf("expected batch of 3 messages, got %d: %+v", got, proc.batches[0])
	}
}
