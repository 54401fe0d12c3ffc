package aiengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/conversation"
	"agenticcore/internal/crypto"
	"agenticcore/internal/eventbus"
	"agenticcore/internal/kv"
	"agenticcore/internal/providers"
	"agenticcore/internal/storage"
	"agenticcore/internal/tools"
	"agenticcore/internal/transport"
)

// fakeProvider is scripted per-call so tests can drive the tool-call loop
// deterministically, mirroring how providers/*_test.go fakes a transport
// rather than a live model.
type fakeProvider struct {
	mu        sync.Mutex
	responses []providers.ChatResponse
	calls     int
	block     chan struct{}
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return providers.ChatResponse{Content: "listo"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEnv struct {
	engine *Engine
	db     *storage.Store
	tr     *transport.Memory
	fake   *fakeProvider
}

func newTestEngine(t *testing.T, fake *fakeProvider) *testEnv {
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
	registry := tools.NewRegistry(db)

	key := make([]byte, 32)
	mgr, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}
	exec := tools.NewExecutor(db, conv, tr, mgr, nil, zerolog.Nop())

	providerSet := NewProviderSet(map[string]providers.Provider{"gemini": fake}, nil)
	bus := eventbus.New(zerolog.Nop())
	locks := kv.NewSessionLock(rdb, 200*time.Millisecond)
	pending := kv.NewPendingQueue(rdb, time.Minute)

	e := New(db, conv, registry, exec, tr, providerSet, nil, bus, locks, pending, nil, Config{}, zerolog.Nop())
	return &testEnv{engine: e, db: db, tr: tr, fake: fake}
}

func mustBotAndSession(t *testing.T, db *storage.Store, identifier string) (storage.Bot, storage.Session) {
	t.Helper()
	ctx := context.Background()
	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	bot, err := db.GetBot(ctx, botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	session, _, err := db.EnsureSession(ctx, botID, identifier, "Tester", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return bot, session
}

// TestProcessMessagesLockContentionEnqueuesAndDrains covers S2: a second
// ProcessMessages call arriving while the first turn holds the session lock
// must not run concurrently, and must be picked up by the drain once the
// first turn releases the lock.
func TestProcessMessagesLockContentionEnqueuesAndDrains(t *testing.T) {
	fake := &fakeProvider{
		block:     make(chan struct{}),
		responses: []providers.ChatResponse{{Content: "primera respuesta"}, {Content: "segunda respuesta"}},
	}
	env := newTestEngine(t, fake)
	ctx := context.Background()
	bot, session := mustBotAndSession(t, env.db, "5215500000010")

	msg1, _, err := env.db.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID, Sender: session.Identifier, Content: "hola", Type: storage.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("insert message 1: %v", err)
	}
	msg2, _, err := env.db.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID, Sender: session.Identifier, Content: "sigues ahi?", Type: storage.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("insert message 2: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := env.engine.ProcessMessages(ctx, session.ID, []storage.Message{msg1}); err != nil {
			t.Errorf("first ProcessMessages: %v", err)
		}
	}()

	// Wait until the first call is inside the blocked provider call, holding
	// the session lock, before firing the second.
	deadline := time.After(time.Second)
	for {
		acquired, _ := env.engine.locks.Acquire(ctx, session.ID, "probe")
		if !acquired {
			break
		}
		_ = env.engine.locks.Release(ctx, session.ID, "probe")
		select {
		case <-deadline:
			t.Fatal("first call never acquired the lock")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := env.engine.ProcessMessages(ctx, session.ID, []storage.Message{msg2}); err != nil {
		t.Fatalf("second ProcessMessages: %v", err)
	}
	if got := len(env.tr.Sent()); got != 0 {
		t.Fatalf("expected no sends before the first turn unblocks, got %d", got)
	}

	close(fake.block)
	wg.Wait()

	deadline = time.After(time.Second)
	for {
		if len(env.tr.Sent()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected the drained second turn to send too, got %+v", env.tr.Sent())
		case <-time.After(10 * time.Millisecond):
		}
	}

	sent := env.tr.Sent()
	if sent[0].Payload.Text != "primera respuesta" || sent[1].Payload.Text != "segunda respuesta" {
		t.Fatalf("unexpected send order/content: %+v", sent)
	}
	_ = bot
}

// TestRunTurnDedupesReplyToMessage covers S3: two reply_to_message tool
// calls in the same turn targeting the same message_id must only send once.
func TestRunTurnDedupesReplyToMessage(t *testing.T) {
	fake := &fakeProvider{
		responses: []providers.ChatResponse{
			{
				ToolCalls: []providers.ToolCall{
					{ID: "call1", Name: "reply_to_message", Arguments: map[string]any{"message_id": "wamid.123", "text": "primero"}},
					{ID: "call2", Name: "reply_to_message", Arguments: map[string]any{"message_id": "wamid.123", "text": "otra vez"}},
				},
			},
			{Content: "listo"},
		},
	}
	env := newTestEngine(t, fake)
	ctx := context.Background()
	_, session := mustBotAndSession(t, env.db, "5215500000011")

	msg, _, err := env.db.UpsertMessage(ctx, storage.Message{
		SessionID: session.ID, Sender: session.Identifier, ExternalID: "wamid.123",
		Content: "hola", Type: storage.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := env.engine.ProcessMessages(ctx, session.ID, []storage.Message{msg}); err != nil {
		t.Fatalf("process messages: %v", err)
	}

	sent := env.tr.Sent()
	replies := 0
	for _, s := range sent {
		if s.Payload.Text == "primero" || s.Payload.Text == "otra vez" {
			replies++
		}
	}
	if replies != 1 {
		t.Fatalf("expected exactly one reply_to_message send, got %d (%+v)", replies, sent)
	}
}
