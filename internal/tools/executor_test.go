package tools

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/conversation"
	"agenticcore/internal/crypto"
	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

type fakeWebhookCaller struct {
	status int
}

func (f *fakeWebhookCaller) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.status,
		Body:       http.NoBody,
	}, nil
}

func newTestExecutor(t *testing.T) (*Executor, *storage.Store, *transport.Memory) {
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
	t.Cleanup(func() { _ = rdb.Close() })

	conv := conversation.New(rdb, db, 7*24*time.Hour, 100, 30, zerolog.Nop())
	tr := transport.NewMemory()

	key := make([]byte, 32)
	mgr, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}

	exec := NewExecutor(db, conv, tr, mgr, &fakeWebhookCaller{status: 200}, zerolog.Nop())
	return exec, db, tr
}

func TestBuiltinClearConversationClearsCache(t *testing.T) {
	exec, db, _ := newTestExecutor(t)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	bot, _ := db.GetBot(ctx, botID)
	session, _, err := db.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	res := exec.Execute(ctx, bot, session, "clear_conversation", nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestBuiltinLookupClientValidatesCURP(t *testing.T) {
	exec, db, _ := newTestExecutor(t)
	ctx := context.Background()

	botID, _ := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	bot, _ := db.GetBot(ctx, botID)
	session, _, _ := db.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")

	res := exec.Execute(ctx, bot, session, "lookup_client", map[string]any{"curp": "too-short"})
	if res.Success {
		t.Fatal("expected failure for an invalid curp")
	}
}

func TestBuiltinUnknownToolNotFound(t *testing.T) {
	exec, db, _ := newTestExecutor(t)
	ctx := context.Background()

	botID, _ := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	bot, _ := db.GetBot(ctx, botID)
	session, _, _ := db.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")

	res := exec.Execute(ctx, bot, session, "does_not_exist", nil)
	if res.Success {
		t.Fatal("expected failure for an unknown tool")
	}
	if res.Data != "tool not found or disabled" {
		t.Fatalf("expected the spec-specified message, got %q", res.Data)
	}
}
