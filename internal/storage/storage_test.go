package storage

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	botID, err := s.CreateBot(ctx, Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	first, created, err := s.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session #1: %v", err)
	}
	if !created {
		t.Fatal("expected first EnsureSession to report created=true")
	}

	second, created, err := s.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session #2: %v", err)
	}
	if created {
		t.Fatal("expected second EnsureSession to report created=false")
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same session row, got %d and %d", first.ID, second.ID)
	}
}

func TestUpsertMessageDedupesByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	botID, err := s.CreateBot(ctx, Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	sess, _, err := s.EnsureSession(ctx, botID, "521234567890", "Ana", "whatsapp")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	m := Message{SessionID: sess.ID, ExternalID: "e1", Content: "hola", Type: MessageTypeText}
	first, created, err := s.UpsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("upsert #1: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to report created=true")
	}

	second, created, err := s.UpsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("upsert #2: %v", err)
	}
	if created {
		t.Fatal("expected second upsert to report created=false")
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same message row, got %d and %d", first.ID, second.ID)
	}
}

func TestCreateToolRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	botID, err := s.CreateBot(ctx, Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	tool := Tool{BotID: botID, Name: "lookup_client", ActionType: ActionTypeBuiltin, Status: ToolStatusActive}
	if _, err := s.CreateTool(ctx, tool); err != nil {
		t.Fatalf("create tool #1: %v", err)
	}
	_, err = s.CreateTool(ctx, tool)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFlowStepsOrderedByOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	botID, err := s.CreateBot(ctx, Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	flowID, err := s.CreateFlow(ctx, botID, "welcome")
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if _, err := s.AddStep(ctx, Step{FlowID: flowID, Order: 1, Type: StepTypeText, Content: "second"}); err != nil {
		t.Fatalf("add step 1: %v", err)
	}
	if _, err := s.AddStep(ctx, Step{FlowID: flowID, Order: 0, Type: StepTypeText, Content: "first"}); err != nil {
		t.Fatalf("add step 0: %v", err)
	}

	steps, err := s.ListSteps(ctx, flowID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].Content != "first" || steps[1].Content != "second" {
		t.Fatalf("expected steps ordered by order, got %+v", steps)
	}
}
