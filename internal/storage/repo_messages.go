package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertMessage implements spec.md §3/§5's atomic-upsert-on-externalId
// rule: a second insert with the same ExternalID resolves to the existing
// row without being treated as "new" downstream. The returned bool is the
// derived "created" flag gating AI/flow evaluation (spec.md §5,
// "Message persistence uses an atomic upsert on externalId").
func (s *Store) UpsertMessage(ctx context.Context, m Message) (Message, bool, error) {
	if m.ExternalID == "" {
		id, err := s.insertMessage(ctx, m)
		if err != nil {
			return Message{}, false, err
		}
		m.ID = id
		return m, true, nil
	}

	if s.driver == "postgres" {
		q := s.sql.Insert("messages").
			Columns("session_id", "external_id", "sender", "from_me", "content", "type", "media_url", "is_processed").
			Values(m.SessionID, m.ExternalID, m.Sender, m.FromMe, m.Content, m.Type, m.MediaURL, m.IsProcessed).
			Suffix("ON CONFLICT (external_id) WHERE external_id != '' DO NOTHING RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return Message{}, false, fmt.Errorf("build upsert message query: %w", err)
		}
		var id int64
		err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id)
		if err == nil {
			row, getErr := s.GetMessageByID(ctx, id)
			return row, true, getErr
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, fmt.Errorf("upsert message: %w", err)
		}
		row, getErr := s.GetMessageByExternalID(ctx, m.ExternalID)
		return row, false, getErr
	}

	id, err := s.insertMessage(ctx, m)
	if err != nil {
		if isUniqueViolation(err) {
			row, getErr := s.GetMessageByExternalID(ctx, m.ExternalID)
			return row, false, getErr
		}
		return Message{}, false, err
	}
	m.ID = id
	return m, true, nil
}

func (s *Store) insertMessage(ctx context.Context, m Message) (int64, error) {
	q := s.sql.Insert("messages").
		Columns("session_id", "external_id", "sender", "from_me", "content", "type", "media_url", "is_processed").
		Values(m.SessionID, m.ExternalID, m.Sender, m.FromMe, m.Content, m.Type, m.MediaURL, m.IsProcessed)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build insert message query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetMessageByID(ctx context.Context, id int64) (Message, error) {
	return s.getMessage(ctx, sq.Eq{"id": id})
}

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (Message, error) {
	return s.getMessage(ctx, sq.Eq{"external_id": externalID})
}

func (s *Store) getMessage(ctx context.Context, where sq.Sqlizer) (Message, error) {
	q := s.sql.Select("id", "session_id", "external_id", "sender", "from_me", "content", "type", "media_url", "is_processed", "created_at").
		From("messages").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build get message query: %w", err)
	}
	var m Message
	var mediaURL sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID, &m.SessionID, &m.ExternalID, &m.Sender, &m.FromMe, &m.Content, &m.Type, &mediaURL, &m.IsProcessed, &m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if mediaURL.Valid {
		m.MediaURL = &mediaURL.String
	}
	return m, nil
}

// ListMessagesByIDs preserves the caller's ordering guarantee by
// re-sorting on created_at ASC (spec.md §4.6 step 6: "load those messages
// from the durable store (ordered by createdAt ASC)").
func (s *Store) ListMessagesByIDs(ctx context.Context, ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	q := s.sql.Select("id", "session_id", "external_id", "sender", "from_me", "content", "type", "media_url", "is_processed", "created_at").
		From("messages").
		Where(sq.Eq{"id": ids}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages by ids query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages by ids: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, len(ids))
	for rows.Next() {
		var m Message
		var mediaURL sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ExternalID, &m.Sender, &m.FromMe, &m.Content, &m.Type, &mediaURL, &m.IsProcessed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if mediaURL.Valid {
			m.MediaURL = &mediaURL.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMessageProcessed(ctx context.Context, id int64) error {
	q := s.sql.Update("messages").Set("is_processed", true).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build mark message processed query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	return nil
}

// LastInboundMessage returns the most recent fromMe=false message for a
// session, used by the AutomationSweeper's staleness check (spec.md §4.8).
func (s *Store) LastInboundMessage(ctx context.Context, sessionID int64) (Message, error) {
	q := s.sql.Select("id", "session_id", "external_id", "sender", "from_me", "content", "type", "media_url", "is_processed", "created_at").
		From("messages").
		Where(sq.Eq{"session_id": sessionID, "from_me": false}).
		OrderBy("created_at DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build last inbound message query: %w", err)
	}
	var m Message
	var mediaURL sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID, &m.SessionID, &m.ExternalID, &m.Sender, &m.FromMe, &m.Content, &m.Type, &mediaURL, &m.IsProcessed, &m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("last inbound message: %w", err)
	}
	if mediaURL.Valid {
		m.MediaURL = &mediaURL.String
	}
	return m, nil
}
