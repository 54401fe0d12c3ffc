package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateAutomation(ctx context.Context, a Automation) (int64, error) {
	q := s.sql.Insert("automations").
		Columns("bot_id", "name", "enabled", "event", "label_name", "timeout_ms", "prompt").
		Values(a.BotID, a.Name, a.Enabled, a.Event, a.LabelName, a.TimeoutMs, a.Prompt)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create automation query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create automation: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create automation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create automation: %w", err)
	}
	return res.LastInsertId()
}

// ListEnabledAutomations returns enabled automations for bots that also
// have AIEnabled set, per spec.md §4.8: "Load all enabled Automations
// whose bot has aiEnabled."
func (s *Store) ListEnabledAutomations(ctx context.Context) ([]Automation, error) {
	q := s.sql.Select("a.id", "a.bot_id", "a.name", "a.enabled", "a.event", "a.label_name", "a.timeout_ms", "a.prompt").
		From("automations a").
		Join("bots b ON b.id = a.bot_id").
		Where(sq.Eq{"a.enabled": true, "b.ai_enabled": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list automations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	out := make([]Automation, 0)
	for rows.Next() {
		var a Automation
		var labelName sql.NullString
		if err := rows.Scan(&a.ID, &a.BotID, &a.Name, &a.Enabled, &a.Event, &labelName, &a.TimeoutMs, &a.Prompt); err != nil {
			return nil, fmt.Errorf("scan automation row: %w", err)
		}
		if labelName.Valid {
			a.LabelName = &labelName.String
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate automation rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetAutomation(ctx context.Context, id int64) (Automation, error) {
	q := s.sql.Select("id", "bot_id", "name", "enabled", "event", "label_name", "timeout_ms", "prompt").
		From("automations").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Automation{}, fmt.Errorf("build get automation query: %w", err)
	}
	var a Automation
	var labelName sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&a.ID, &a.BotID, &a.Name, &a.Enabled, &a.Event, &labelName, &a.TimeoutMs, &a.Prompt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Automation{}, ErrNotFound
		}
		return Automation{}, fmt.Errorf("get automation: %w", err)
	}
	if labelName.Valid {
		a.LabelName = &labelName.String
	}
	return a, nil
}
