package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateTrigger(ctx context.Context, t Trigger) (int64, error) {
	if t.ExcludesFlowsJSON == "" {
		t.ExcludesFlowsJSON = "[]"
	}
	q := s.sql.Insert("triggers").
		Columns("bot_id", "session_id", "keyword", "match_type", "scope", "is_active", "flow_id", "cooldown_ms", "usage_limit", "excludes_flows_json").
		Values(t.BotID, t.SessionID, t.Keyword, t.MatchType, t.Scope, t.IsActive, t.FlowID, t.CooldownMs, t.UsageLimit, t.ExcludesFlowsJSON)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create trigger query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create trigger: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create trigger query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create trigger: %w", err)
	}
	return res.LastInsertId()
}

// ListActiveTriggers returns every active trigger for a bot, used by
// flowengine.Engine.processIncomingMessage / FindMatch (spec.md §4.7,
// grounded on original_source/core/src/flow_engine.rs's query).
func (s *Store) ListActiveTriggers(ctx context.Context, botID int64) ([]Trigger, error) {
	q := s.sql.Select("id", "bot_id", "session_id", "keyword", "match_type", "scope", "is_active", "flow_id", "cooldown_ms", "usage_limit", "excludes_flows_json", "created_at", "updated_at").
		From("triggers").
		Where(sq.Eq{"bot_id": botID, "is_active": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list triggers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	out := make([]Trigger, 0)
	for rows.Next() {
		var t Trigger
		var sessionID sql.NullInt64
		var cooldownMs, usageLimit sql.NullInt64
		if err := rows.Scan(&t.ID, &t.BotID, &sessionID, &t.Keyword, &t.MatchType, &t.Scope, &t.IsActive, &t.FlowID, &cooldownMs, &usageLimit, &t.ExcludesFlowsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger row: %w", err)
		}
		if sessionID.Valid {
			t.SessionID = &sessionID.Int64
		}
		if cooldownMs.Valid {
			t.CooldownMs = &cooldownMs.Int64
		}
		if usageLimit.Valid {
			t.UsageLimit = &usageLimit.Int64
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trigger rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetTrigger(ctx context.Context, id int64) (Trigger, error) {
	q := s.sql.Select("id", "bot_id", "session_id", "keyword", "match_type", "scope", "is_active", "flow_id", "cooldown_ms", "usage_limit", "excludes_flows_json", "created_at", "updated_at").
		From("triggers").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Trigger{}, fmt.Errorf("build get trigger query: %w", err)
	}
	var t Trigger
	var sessionID sql.NullInt64
	var cooldownMs, usageLimit sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID, &t.BotID, &sessionID, &t.Keyword, &t.MatchType, &t.Scope, &t.IsActive, &t.FlowID, &cooldownMs, &usageLimit, &t.ExcludesFlowsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trigger{}, ErrNotFound
		}
		return Trigger{}, fmt.Errorf("get trigger: %w", err)
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.Int64
	}
	if cooldownMs.Valid {
		t.CooldownMs = &cooldownMs.Int64
	}
	if usageLimit.Valid {
		t.UsageLimit = &usageLimit.Int64
	}
	return t, nil
}
