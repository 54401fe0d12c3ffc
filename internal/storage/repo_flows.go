package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateFlow(ctx context.Context, botID int64, name string) (int64, error) {
	q := s.sql.Insert("flows").Columns("bot_id", "name").Values(botID, name)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create flow query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create flow: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create flow query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create flow: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetFlow(ctx context.Context, flowID int64) (Flow, error) {
	q := s.sql.Select("id", "bot_id", "name", "created_at").From("flows").Where(sq.Eq{"id": flowID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Flow{}, fmt.Errorf("build get flow query: %w", err)
	}
	var f Flow
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&f.ID, &f.BotID, &f.Name, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, fmt.Errorf("get flow: %w", err)
	}
	return f, nil
}

func (s *Store) AddStep(ctx context.Context, st Step) (int64, error) {
	if st.MetadataJSON == "" {
		st.MetadataJSON = "{}"
	}
	q := s.sql.Insert("steps").
		Columns("flow_id", `"order"`, "type", "content", "media_url", "delay_ms", "metadata_json").
		Values(st.FlowID, st.Order, st.Type, st.Content, st.MediaURL, st.DelayMs, st.MetadataJSON)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build add step query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("add step: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build add step query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("add step: %w", err)
	}
	return res.LastInsertId()
}

// ListSteps returns a flow's steps ordered by Order ascending (spec.md
// §3: "Ordering is by order ascending").
func (s *Store) ListSteps(ctx context.Context, flowID int64) ([]Step, error) {
	q := s.sql.Select("id", "flow_id", `"order"`, "type", "content", "media_url", "delay_ms", "metadata_json").
		From("steps").Where(sq.Eq{"flow_id": flowID}).OrderBy(`"order" ASC`)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list steps query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make([]Step, 0)
	for rows.Next() {
		var st Step
		var mediaURL sql.NullString
		if err := rows.Scan(&st.ID, &st.FlowID, &st.Order, &st.Type, &st.Content, &mediaURL, &st.DelayMs, &st.MetadataJSON); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		if mediaURL.Valid {
			st.MediaURL = &mediaURL.String
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step rows: %w", err)
	}
	return out, nil
}

// GetStepAtOrder loads the step at a given order, used by FlowEngine's
// scheduleStep (spec.md §4.7).
func (s *Store) GetStepAtOrder(ctx context.Context, flowID int64, order int) (Step, error) {
	q := s.sql.Select("id", "flow_id", `"order"`, "type", "content", "media_url", "delay_ms", "metadata_json").
		From("steps").Where(sq.Eq{"flow_id": flowID, `"order"`: order})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Step{}, fmt.Errorf("build get step query: %w", err)
	}
	var st Step
	var mediaURL sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&st.ID, &st.FlowID, &st.Order, &st.Type, &st.Content, &mediaURL, &st.DelayMs, &st.MetadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, ErrNotFound
		}
		return Step{}, fmt.Errorf("get step at order: %w", err)
	}
	if mediaURL.Valid {
		st.MediaURL = &mediaURL.String
	}
	return st, nil
}
