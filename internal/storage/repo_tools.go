package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateTool(ctx context.Context, t Tool) (int64, error) {
	q := s.sql.Insert("tools").
		Columns("bot_id", "name", "description", "parameters_json", "action_type", "action_config_json", "status", "flow_id").
		Values(t.BotID, t.Name, t.Description, t.ParametersJSON, t.ActionType, t.ActionConfigJSON, t.Status, t.FlowID)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create tool query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			if isUniqueViolation(err) {
				return 0, ErrAlreadyExists
			}
			return 0, fmt.Errorf("create tool: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create tool query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("create tool: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetActiveTool(ctx context.Context, botID int64, name string) (Tool, error) {
	return s.getTool(ctx, sq.Eq{"bot_id": botID, "name": name, "status": ToolStatusActive})
}

func (s *Store) getTool(ctx context.Context, where sq.Sqlizer) (Tool, error) {
	q := s.sql.Select("id", "bot_id", "name", "description", "parameters_json", "action_type", "action_config_json", "status", "flow_id", "created_at").
		From("tools").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Tool{}, fmt.Errorf("build get tool query: %w", err)
	}
	var t Tool
	var flowID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID, &t.BotID, &t.Name, &t.Description, &t.ParametersJSON, &t.ActionType, &t.ActionConfigJSON, &t.Status, &flowID, &t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, fmt.Errorf("get tool: %w", err)
	}
	if flowID.Valid {
		t.FlowID = &flowID.Int64
	}
	return t, nil
}

// ListActiveToolsByBot returns ACTIVE tool rows for a bot, used by
// ToolRegistry to merge with the built-in set (spec.md §4.3).
func (s *Store) ListActiveToolsByBot(ctx context.Context, botID int64) ([]Tool, error) {
	q := s.sql.Select("id", "bot_id", "name", "description", "parameters_json", "action_type", "action_config_json", "status", "flow_id", "created_at").
		From("tools").
		Where(sq.Eq{"bot_id": botID, "status": ToolStatusActive}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tools query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	out := make([]Tool, 0)
	for rows.Next() {
		var t Tool
		var flowID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.BotID, &t.Name, &t.Description, &t.ParametersJSON, &t.ActionType, &t.ActionConfigJSON, &t.Status, &flowID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		if flowID.Valid {
			t.FlowID = &flowID.Int64
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetToolStatus(ctx context.Context, botID int64, name, status string) error {
	q := s.sql.Update("tools").Set("status", status).Where(sq.Eq{"bot_id": botID, "name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set tool status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set tool status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
