package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// EnsureSession implements spec.md §3's lazy-create-on-race rule for
// Session: a second creator observing the unique-key violation on
// (bot_id, identifier) must re-read and use the existing row rather than
// erroring. Returns the row and whether this call created it.
func (s *Store) EnsureSession(ctx context.Context, botID int64, identifier, displayName, platform string) (Session, bool, error) {
	q := s.sql.Insert("sessions").
		Columns("bot_id", "identifier", "display_name", "platform", "status").
		Values(botID, identifier, displayName, platform, "active")
	if s.driver == "postgres" {
		q = q.Suffix("ON CONFLICT (bot_id, identifier) DO NOTHING RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return Session{}, false, fmt.Errorf("build ensure session query: %w", err)
		}
		var id int64
		err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id)
		if err == nil {
			sess, getErr := s.GetSessionByID(ctx, id)
			return sess, true, getErr
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, fmt.Errorf("ensure session: %w", err)
		}
		sess, getErr := s.GetSession(ctx, botID, identifier)
		return sess, false, getErr
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, false, fmt.Errorf("build ensure session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			sess, getErr := s.GetSession(ctx, botID, identifier)
			return sess, false, getErr
		}
		return Session{}, false, fmt.Errorf("ensure session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, false, fmt.Errorf("ensure session: %w", err)
	}
	sess, getErr := s.GetSessionByID(ctx, id)
	return sess, true, getErr
}

func (s *Store) GetSession(ctx context.Context, botID int64, identifier string) (Session, error) {
	return s.getSession(ctx, sq.Eq{"bot_id": botID, "identifier": identifier})
}

func (s *Store) GetSessionByID(ctx context.Context, id int64) (Session, error) {
	return s.getSession(ctx, sq.Eq{"id": id})
}

func (s *Store) getSession(ctx context.Context, where sq.Sqlizer) (Session, error) {
	q := s.sql.Select("id", "bot_id", "identifier", "display_name", "platform", "status", "created_at", "updated_at").
		From("sessions").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}
	var sess Session
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sess.ID, &sess.BotID, &sess.Identifier, &sess.DisplayName, &sess.Platform, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessionsByBot(ctx context.Context, botID int64) ([]Session, error) {
	q := s.sql.Select("id", "bot_id", "identifier", "display_name", "platform", "status", "created_at", "updated_at").
		From("sessions").Where(sq.Eq{"bot_id": botID}).OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.BotID, &sess.Identifier, &sess.DisplayName, &sess.Platform, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// ListSessionsByLabel returns sessions for botID tagged with the given
// label name, excluding sessions also tagged with any label in
// excludeLabelNames (spec.md §4.8's ignoredLabels exclusion).
func (s *Store) ListSessionsByLabel(ctx context.Context, botID int64, labelName string, excludeLabelNames []string) ([]Session, error) {
	sub := s.sql.Select("s.id", "s.bot_id", "s.identifier", "s.display_name", "s.platform", "s.status", "s.created_at", "s.updated_at").
		From("sessions s").
		Join("session_labels sl ON sl.session_id = s.id").
		Join("labels l ON l.id = sl.label_id").
		Where(sq.Eq{"s.bot_id": botID, "l.name": labelName})

	if len(excludeLabelNames) > 0 {
		sub = sub.Where(sq.Expr(`s.id NOT IN (
			SELECT sl2.session_id FROM session_labels sl2
			JOIN labels l2 ON l2.id = sl2.label_id
			WHERE l2.bot_id = ? AND l2.name IN (`+sq.Placeholders(len(excludeLabelNames))+`)
		)`, append([]any{botID}, toAnySlice(excludeLabelNames)...)...))
	}

	sqlStr, args, err := sub.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions by label query: %w", err)
	}
	return s.scanSessions(ctx, sqlStr, args)
}

// ListUnlabeledSessions returns sessions for botID with no labels at all
// (spec.md §4.8's labelName==nil branch).
func (s *Store) ListUnlabeledSessions(ctx context.Context, botID int64) ([]Session, error) {
	q := s.sql.Select("id", "bot_id", "identifier", "display_name", "platform", "status", "created_at", "updated_at").
		From("sessions").
		Where(sq.Eq{"bot_id": botID}).
		Where(sq.Expr("id NOT IN (SELECT session_id FROM session_labels)"))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list unlabeled sessions query: %w", err)
	}
	return s.scanSessions(ctx, sqlStr, args)
}

func (s *Store) scanSessions(ctx context.Context, sqlStr string, args []any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.BotID, &sess.Identifier, &sess.DisplayName, &sess.Platform, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}
