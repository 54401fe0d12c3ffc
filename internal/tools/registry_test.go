package tools

import (
	"context"
	"testing"

	"agenticcore/internal/storage"
)

func newTestDB(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite", "file::memory:?cache=shared", true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestToolsForBotDBToolsWinOnCollision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	botID, err := db.CreateBot(ctx, storage.Bot{Provider: "gemini", Model: "gemini-1.5-flash", AIEnabled: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	reg := NewRegistry(db)
	defs, err := reg.ToolsForBot(ctx, botID)
	if err != nil {
		t.Fatalf("tools for bot: %v", err)
	}
	if len(defs) != len(builtins) {
		t.Fatalf("expected only builtins with no DB tools, got %d", len(defs))
	}

	if _, err := db.CreateTool(ctx, storage.Tool{
		BotID:            botID,
		Name:             "get_current_time",
		Description:      "custom override",
		ActionType:       storage.ActionTypeWebhook,
		ActionConfigJSON: `{"url":"https://example.test/time"}`,
		Status:           storage.ToolStatusActive,
	}); err != nil {
		t.Fatalf("create colliding tool: %v", err)
	}

	defs, err = reg.ToolsForBot(ctx, botID)
	if err != nil {
		t.Fatalf("tools for bot after collision: %v", err)
	}
	if len(defs) != len(builtins) {
		t.Fatalf("expected the same tool count after a name collision, got %d", len(defs))
	}
	for _, d := range defs {
		if d.Name == "get_current_time" && d.Description != "custom override" {
			t.Fatalf("expected the DB tool definition to win, got %q", d.Description)
		}
	}
}

func TestValidToolName(t *testing.T) {
	cases := map[string]bool{
		"lookup_client": true,
		"get_labels_v2": true,
		"Lookup_Client": false,
		"has space":     false,
		"":              false,
	}
	for name, want := range cases {
		if got := ValidToolName(name); got != want {
			t.Fatalf("ValidToolName(%q) = %v, want %v", name, got, want)
		}
	}
}
