package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// InsertConversationLog appends one durable conversation_log row. Failure
// here is logged by the caller but never blocks the fast-cache write
// (spec.md §4.2: "Durable write failures are logged but never prevent the
// fast-cache write").
func (s *Store) InsertConversationLog(ctx context.Context, e ConversationLogEntry) error {
	q := s.sql.Insert("conversation_log").
		Columns("id", "session_id", "role", "content", "tool_name", "tool_args_json", "tool_call_ref", "model", "token_count").
		Values(e.ID, e.SessionID, e.Role, e.Content, e.ToolName, e.ToolArgsJSON, e.ToolCallRef, e.Model, e.TokenCount)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert conversation log query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert conversation log: %w", err)
	}
	return nil
}

// ListConversationLog reconstructs ConversationStore.history() on a cache
// miss: rows newer than `since`, oldest first, capped at `limit` (spec.md
// §4.2).
func (s *Store) ListConversationLog(ctx context.Context, sessionID int64, since time.Time, limit int) ([]ConversationLogEntry, error) {
	q := s.sql.Select("id", "session_id", "role", "content", "tool_name", "tool_args_json", "tool_call_ref", "model", "token_count", "created_at").
		From("conversation_log").
		Where(sq.Eq{"session_id": sessionID}).
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at ASC, id ASC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversation log query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation log: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationLogEntry, 0)
	for rows.Next() {
		var e ConversationLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &e.ToolName, &e.ToolArgsJSON, &e.ToolCallRef, &e.Model, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation log rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearConversationLog(ctx context.Context, sessionID int64) error {
	q := s.sql.Delete("conversation_log").Where(sq.Eq{"session_id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build clear conversation log query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("clear conversation log: %w", err)
	}
	return nil
}

// TagRecentAssistantTurns is the "best-effort durable-log metadata
// update tagging recent assistant turns with model + token count" from
// spec.md §4.6 step 4.i.
func (s *Store) TagRecentAssistantTurns(ctx context.Context, sessionID int64, model string, tokenCount, limit int) error {
	q := s.sql.Select("id").
		From("conversation_log").
		Where(sq.Eq{"session_id": sessionID, "role": ConvRoleAssistant}).
		OrderBy("created_at DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build tag recent turns select query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("tag recent turns select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan tag id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tag ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	upd := s.sql.Update("conversation_log").
		Set("model", model).
		Set("token_count", tokenCount).
		Where(sq.Eq{"id": ids})
	updSQL, updArgs, err := upd.ToSql()
	if err != nil {
		return fmt.Errorf("build tag recent turns update query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, updSQL, updArgs...); err != nil {
		return fmt.Errorf("tag recent turns update: %w", err)
	}
	return nil
}
