package automation

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
	mu   sync.Mutex
	msgs []storage.Message
}

func (f *fakeProcessor) ProcessMessage(ctx context.Context, sessionID int64, msg storage.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func newTestSweeper(t *testing.T, processor MessageProcessor) (*Sweeper, *storage.Store) {
	t.Helper()
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
	lease := kv.NewIdempotencyLease(rdb)

	return New(db, lease, processor, time.Minute, zerolog.Nop()), db
}

func TestSweepFiresForStaleUnlabeledSession(t *testing.T) {
	proc := &fakeProcessor{}
	s, db := newTestSweeper(t, proc)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	session, _, err := db.EnsureSession(ctx, botID, "5215500000002", "Tester", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if _, _, err := db.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID, Sender: session.Identifier, Content: "hola", Type: storage.MessageTypeText,
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if _, err := db.CreateAutomation(ctx, storage.Automation{
		BotID: botID, Name: "reengage", Enabled: true, Event: storage.AutomationEventInactivity,
		TimeoutMs: 0, Prompt: "¿sigues ahí?",
	}); err != nil {
		t.Fatalf("create automation: %v", err)
	}

	s.sweepOnce(ctx)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.msgs) != 1 {
		t.Fatalf("expected exactly one synthetic turn, got %d", len(proc.msgs))
	}
	if proc.msgs[0].Content != "[Automation: reengage] ¿sigues ahí?" {
		t.Fatalf("unexpected content %q", proc.msgs[0].Content)
	}
}

func TestSweepIsIdempotentWithinWindow(t *testing.T) {
	proc := &fakeProcessor{}
	s, db := newTestSweeper(t, proc)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	session, _, err := db.EnsureSession(ctx, botID, "5215500000003", "Tester", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if _, _, err := db.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID, Sender: session.Identifier, Content: "hola", Type: storage.MessageTypeText,
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := db.CreateAutomation(ctx, storage.Automation{
		BotID: botID, Name: "reengage", Enabled: true, Event: storage.AutomationEventInactivity,
		TimeoutMs: 0, Prompt: "¿sigues ahí?",
	}); err != nil {
		t.Fatalf("create automation: %v", err)
	}

	s.sweepOnce(ctx)
	s.sweepOnce(ctx)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.msgs) != 1 {
		t.Fatalf("expected idempotency lease to suppress second sweep, got %d", len(proc.msgs))
	}
}
