package flowengine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/eventbus"
	"agenticcore/internal/kv"
	"agenticcore/internal/storage"
	"agenticcore/internal/transport"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *transport.Memory) {
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

	tr := transport.NewMemory()
	bus := eventbus.New(zerolog.Nop())
	locks := kv.NewFlowLock(rdb, 30*time.Second)
	return New(db, locks, tr, bus, zerolog.Nop()), db, tr
}

func TestFindMatchExactBeatsContains(t *testing.T) {
	yes := int64(1)
	triggers := []storage.Trigger{
		{ID: 1, Keyword: "hola", MatchType: storage.MatchTypeContains, FlowID: yes},
		{ID: 2, Keyword: "hola", MatchType: storage.MatchTypeExact, FlowID: yes},
	}
	m := FindMatch("  Hola  ", triggers)
	if m == nil || m.ID != 2 {
		t.Fatalf("expected exact trigger to win, got %+v", m)
	}
}

func TestFindMatchEmptyContentNeverMatches(t *testing.T) {
	triggers := []storage.Trigger{{ID: 1, Keyword: "hola", MatchType: storage.MatchTypeContains}}
	if m := FindMatch("   ", triggers); m != nil {
		t.Fatalf("expected no match for blank content, got %+v", m)
	}
}

func TestFindMatchRegex(t *testing.T) {
	triggers := []storage.Trigger{{ID: 1, Keyword: `^\d{4}$`, MatchType: storage.MatchTypeRegex}}
	if m := FindMatch("1234", triggers); m == nil {
		t.Fatal("expected regex trigger to match")
	}
	if m := FindMatch("12a4", triggers); m != nil {
		t.Fatal("expected regex trigger not to match")
	}
}

func setupFlow(t *testing.T, db *storage.Store, botID int64) (flowID int64) {
	t.Helper()
	flowID, err := db.CreateFlow(context.Background(), botID, "greet")
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if _, err := db.AddStep(context.Background(), storage.Step{FlowID: flowID, Order: 0, Type: storage.StepTypeText, Content: "hola!"}); err != nil {
		t.Fatalf("add step: %v", err)
	}
	return flowID
}

func TestProcessIncomingMessageCreatesExecutionAndSendsStep(t *testing.T) {
	e, db, tr := newTestEngine(t)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash"})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	session, _, err := db.EnsureSession(ctx, botID, "5215500000000", "Tester", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	flowID := setupFlow(t, db, botID)
	if _, err := db.CreateTrigger(ctx, storage.Trigger{
		BotID: botID, Keyword: "hola", MatchType: storage.MatchTypeContains,
		Scope: storage.TriggerScopeIncoming, IsActive: true, FlowID: flowID,
	}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	bot, err := db.GetBot(ctx, botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	msg := storage.Message{SessionID: session.ID, Sender: session.Identifier, Content: "hola amigo", Type: storage.MessageTypeText}

	if err := e.EvaluateIncoming(ctx, bot, session, []storage.Message{msg}); err != nil {
		t.Fatalf("evaluate incoming: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if len(tr.Sent()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected step 0 to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sent := tr.Sent()
	if sent[0].Payload.Text != "hola!" {
		t.Fatalf("unexpected payload %+v", sent[0].Payload)
	}
}

func TestProcessIncomingMessageRespectsCooldown(t *testing.T) {
	e, db, tr := newTestEngine(t)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash"})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	session, _, err := db.EnsureSession(ctx, botID, "5215500000001", "Tester", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	flowID := setupFlow(t, db, botID)
	cooldown := int64(60_000)
	if _, err := db.CreateTrigger(ctx, storage.Trigger{
		BotID: botID, Keyword: "hola", MatchType: storage.MatchTypeContains,
		Scope: storage.TriggerScopeIncoming, IsActive: true, FlowID: flowID, CooldownMs: &cooldown,
	}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, err := db.CreateExecution(ctx, session.ID, flowID, storage.ExecutionStatusCompleted); err != nil {
		t.Fatalf("seed prior execution: %v", err)
	}

	bot, err := db.GetBot(ctx, botID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	msg := storage.Message{SessionID: session.ID, Sender: session.Identifier, Content: "hola amigo", Type: storage.MessageTypeText}
	if err := e.EvaluateIncoming(ctx, bot, session, []storage.Message{msg}); err != nil {
		t.Fatalf("evaluate incoming: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if len(tr.Sent()) != 0 {
		t.Fatalf("expected cooldown to suppress the step, got %+v", tr.Sent())
	}
}
