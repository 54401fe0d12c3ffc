// Package conversation implements spec.md §4.2's two-tier ConversationStore:
// a Redis fast cache fronting the durable conversation_log table, with
// cache-miss reconstruction and tool-turn collapsing.
package conversation

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenticcore/internal/storage"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a session's AI conversation history.
type Turn struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ToolName    string    `json:"toolName,omitempty"`
	ToolArgs    string    `json:"toolArgs,omitempty"`
	ToolCallRef string    `json:"toolCallRef,omitempty"`
	Model       string    `json:"model,omitempty"`
	TokenCount  int       `json:"tokenCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Store struct {
	redis         *redis.Client
	db            *storage.Store
	ttl           time.Duration
	maxMessages   int
	pgHistoryDays int
	log           zerolog.Logger
}

func New(rdb *redis.Client, db *storage.Store, ttl time.Duration, maxMessages, pgHistoryDays int, log zerolog.Logger) *Store {
	return &Store{
		redis:         rdb,
		db:            db,
		ttl:           ttl,
		maxMessages:   maxMessages,
		pgHistoryDays: pgHistoryDays,
		log:           log.With().Str("component", "conversation").Logger(),
	}
}

func cacheKey(sessionID int64) string {
	return fmt.Sprintf("conv:cache:%d", sessionID)
}

// newULID mints a lexicographically sortable turn ID, entropy from
// crypto/rand. A fresh reader per call keeps this package free of shared
// mutable state, which is cheap relative to the network round-trips
// around it.
func newULID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func (s *Store) Append(ctx context.Context, sessionID int64, turn Turn) error {
	return s.AppendMany(ctx, sessionID, []Turn{turn})
}

// AppendMany is atomic on the fast cache (single pipeline) and
// non-atomic across fast/durable, per spec.md §4.2.
func (s *Store) AppendMany(ctx context.Context, sessionID int64, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	for i := range turns {
		if turns[i].ID == "" {
			turns[i].ID = newULID()
		}
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = time.Now().UTC()
		}
	}

	key := cacheKey(sessionID)
	pipe := s.redis.TxPipeline()
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		pipe.RPush(ctx, key, b)
	}
	pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turns to cache: %w", err)
	}

	for _, t := range turns {
		entry := storage.ConversationLogEntry{
			ID:           t.ID,
			SessionID:    sessionID,
			Role:         string(t.Role),
			Content:      t.Content,
			ToolName:     t.ToolName,
			ToolArgsJSON: t.ToolArgs,
			ToolCallRef:  t.ToolCallRef,
			Model:        t.Model,
			TokenCount:   t.TokenCount,
		}
		if err := s.db.InsertConversationLog(ctx, entry); err != nil {
			s.log.Warn().Err(err).Int64("session_id", sessionID).Msg("durable conversation log write failed")
		}
	}
	return nil
}

// History returns turns oldest-to-newest, reconstructing from the durable
// log on a cache miss and rehydrating the cache before returning.
func (s *Store) History(ctx context.Context, sessionID int64) ([]Turn, error) {
	key := cacheKey(sessionID)
	raw, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if len(raw) > 0 {
		turns := make([]Turn, 0, len(raw))
		for _, r := range raw {
			var t Turn
			if err := json.Unmarshal([]byte(r), &t); err != nil {
				return nil, fmt.Errorf("unmarshal cached turn: %w", err)
			}
			turns = append(turns, t)
		}
		return turns, nil
	}

	since := time.Now().UTC().AddDate(0, 0, -s.pgHistoryDays)
	rows, err := s.db.ListConversationLog(ctx, sessionID, since, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("reconstruct from durable log: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	turns := make([]Turn, 0, len(rows))
	for _, row := range rows {
		t := Turn{
			ID:          row.ID,
			Role:        Role(row.Role),
			Content:     row.Content,
			ToolName:    row.ToolName,
			ToolArgs:    row.ToolArgsJSON,
			ToolCallRef: row.ToolCallRef,
			Model:       row.Model,
			TokenCount:  row.TokenCount,
			CreatedAt:   row.CreatedAt,
		}
		// Tool-role turns collapse to assistant-role synthetic text to
		// avoid dangling toolCallId references once the original
		// assistant turn that issued the call may no longer be adjacent.
		if t.Role == RoleTool {
			t.Role = RoleAssistant
			t.Content = fmt.Sprintf("[Previous tool: %s → %s]", row.ToolName, row.Content)
			t.ToolName = ""
			t.ToolArgs = ""
			t.ToolCallRef = ""
		}
		turns = append(turns, t)
	}

	if err := s.rehydrate(ctx, sessionID, turns); err != nil {
		s.log.Warn().Err(err).Int64("session_id", sessionID).Msg("rehydrate cache after reconstruction failed")
	}
	return turns, nil
}

func (s *Store) rehydrate(ctx context.Context, sessionID int64, turns []Turn) error {
	key := cacheKey(sessionID)
	pipe := s.redis.TxPipeline()
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		pipe.RPush(ctx, key, b)
	}
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Clear(ctx context.Context, sessionID int64) error {
	if err := s.redis.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := s.db.ClearConversationLog(ctx, sessionID); err != nil {
		return fmt.Errorf("clear durable log: %w", err)
	}
	return nil
}

func (s *Store) Has(ctx context.Context, sessionID int64) (bool, error) {
	n, err := s.redis.Exists(ctx, cacheKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cache presence: %w", err)
	}
	return n > 0, nil
}

// TagRecentAssistantTurns is the provider-usage metadata backfill from
// spec.md §4.6 step 4.i, delegated straight to storage.
func (s *Store) TagRecentAssistantTurns(ctx context.Context, sessionID int64, model string, tokenCount int) error {
	if err := s.db.TagRecentAssistantTurns(ctx, sessionID, model, tokenCount, 1); err != nil {
		return fmt.Errorf("tag recent assistant turns: %w", err)
	}
	return nil
}
