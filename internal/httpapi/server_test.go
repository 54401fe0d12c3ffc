package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agenticcore/internal/eventbus"
)

type fakeStore struct {
	bots map[int64]BotRecord
}

func (f *fakeStore) ListBots(ctx context.Context) ([]BotRecord, error) {
	out := make([]BotRecord, 0, len(f.bots))
	for _, b := range f.bots {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) GetBot(ctx context.Context, id int64) (BotRecord, error) {
	b, ok := f.bots[id]
	if !ok {
		return BotRecord{}, context.DeadlineExceeded
	}
	return b, nil
}

func (f *fakeStore) UpdateBot(ctx context.Context, id int64, upd BotUpdate) (BotRecord, error) {
	b := f.bots[id]
	if upd.AIEnabled != nil {
		b.AIEnabled = *upd.AIEnabled
	}
	if upd.SystemPrompt != nil {
		b.SystemPrompt = *upd.SystemPrompt
	}
	f.bots[id] = b
	return b, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, botID int64) ([]SessionRecord, error) {
	return nil, nil
}

func (f *fakeStore) ListAutomations(ctx context.Context, botID int64) ([]AutomationRecord, error) {
	return nil, nil
}

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	store := &fakeStore{bots: map[int64]BotRecord{1: {ID: 1, Provider: "gemini", AIEnabled: true}}}
	bus := eventbus.New(zerolog.Nop())
	s := New("127.0.0.1:0", testSecret, store, bus, zerolog.Nop())
	return s, store
}

func TestRequireBearerRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListBotsWithValidToken(t *testing.T) {
	s, _ := newTestServer(t)
	token, err := IssueToken(testSecret, "operator-1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var bots []BotRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &bots); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(bots) != 1 || bots[0].ID != 1 {
		t.Fatalf("unexpected bots payload: %+v", bots)
	}
}

func TestUpdateBotTogglesAIEnabled(t *testing.T) {
	s, store := newTestServer(t)
	token, _ := IssueToken(testSecret, "operator-1", time.Hour)

	req := httptest.NewRequest(http.MethodPatch, "/api/bots/1", strings.NewReader(`{"aiEnabled": false}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.bots[1].AIEnabled {
		t.Fatal("expected ai_enabled to be toggled off")
	}
}
