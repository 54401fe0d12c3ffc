package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) EnsureLabel(ctx context.Context, botID int64, waLabelID, name string) (Label, error) {
	q := s.sql.Insert("labels").
		Columns("bot_id", "wa_label_id", "name").
		Values(botID, waLabelID, name).
		Suffix("ON CONFLICT(bot_id, wa_label_id) DO UPDATE SET name=excluded.name")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Label{}, fmt.Errorf("build ensure label query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Label{}, fmt.Errorf("ensure label: %w", err)
	}
	return s.GetLabelByWAID(ctx, botID, waLabelID)
}

func (s *Store) GetLabelByWAID(ctx context.Context, botID int64, waLabelID string) (Label, error) {
	return s.getLabel(ctx, sq.Eq{"bot_id": botID, "wa_label_id": waLabelID})
}

func (s *Store) GetLabelByName(ctx context.Context, botID int64, name string) (Label, error) {
	return s.getLabel(ctx, sq.Eq{"bot_id": botID, "name": name})
}

func (s *Store) getLabel(ctx context.Context, where sq.Sqlizer) (Label, error) {
	q := s.sql.Select("id", "bot_id", "wa_label_id", "name").From("labels").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Label{}, fmt.Errorf("build get label query: %w", err)
	}
	var l Label
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&l.ID, &l.BotID, &l.WALabelID, &l.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Label{}, ErrNotFound
		}
		return Label{}, fmt.Errorf("get label: %w", err)
	}
	return l, nil
}

func (s *Store) ListLabelsByBot(ctx context.Context, botID int64) ([]Label, error) {
	q := s.sql.Select("id", "bot_id", "wa_label_id", "name").From("labels").Where(sq.Eq{"bot_id": botID}).OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list labels query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()

	out := make([]Label, 0)
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.ID, &l.BotID, &l.WALabelID, &l.Name); err != nil {
			return nil, fmt.Errorf("scan label row: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate label rows: %w", err)
	}
	return out, nil
}

// CountSessionsByLabel supports the get_labels built-in's "enumerate bot
// labels with session counts" requirement (spec.md §4.4).
func (s *Store) CountSessionsByLabel(ctx context.Context, labelID int64) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("session_labels").Where(sq.Eq{"label_id": labelID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count sessions by label query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions by label: %w", err)
	}
	return n, nil
}

func (s *Store) AssignLabel(ctx context.Context, sessionID, labelID int64) error {
	q := s.sql.Insert("session_labels").
		Columns("session_id", "label_id").
		Values(sessionID, labelID).
		Suffix("ON CONFLICT(session_id, label_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build assign label query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("assign label: %w", err)
	}
	return nil
}

func (s *Store) RemoveLabel(ctx context.Context, sessionID, labelID int64) error {
	q := s.sql.Delete("session_labels").Where(sq.Eq{"session_id": sessionID, "label_id": labelID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove label query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("remove label: %w", err)
	}
	return nil
}
