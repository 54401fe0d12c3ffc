package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := storage.Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return New(rdb, db, 7*24*time.Hour, 100, 30, zerolog.Nop())
}

func TestAppendThenHistoryReturnsAppendedTurnLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, 1, Turn{Role: RoleUser, Content: "[msg:e1] hola"}); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := s.Append(ctx, 1, Turn{Role: RoleAssistant, Content: "hola!"}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	turns, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[len(turns)-1].Content != "hola!" {
		t.Fatalf("expected the appended turn last, got %q", turns[len(turns)-1].Content)
	}
}

func TestClearThenHasReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, 2, Turn{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Clear(ctx, 2); err != nil {
		t.Fatalf("clear: %v", err)
	}
	has, err := s.Has(ctx, 2)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if has {
		t.Fatal("expected has() to return false after clear")
	}
}

func TestHistoryReconstructsFromDurableLogAndCollapsesToolTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendMany(ctx, 3, []Turn{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleTool, Content: "r", ToolName: "t"},
		{Role: RoleUser, Content: "c"},
	}); err != nil {
		t.Fatalf("append many: %v", err)
	}

	// Simulate cache eviction.
	if err := s.redis.Del(ctx, cacheKey(3)).Err(); err != nil {
		t.Fatalf("evict cache: %v", err)
	}

	turns, err := s.History(ctx, 3)
	if err != nil {
		t.Fatalf("history after eviction: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 reconstructed turns, got %d", len(turns))
	}
	if turns[2].Role != RoleAssistant || turns[2].Content != "[Previous tool: t → r]" {
		t.Fatalf("expected tool turn collapsed to assistant synthetic text, got %+v", turns[2])
	}

	has, err := s.Has(ctx, 3)
	if err != nil {
		t.Fatalf("has after reconstruction: %v", err)
	}
	if !has {
		t.Fatal("expected reconstruction to rehydrate the fast cache")
	}
}
