package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateBot(ctx context.Context, b Bot) (int64, error) {
	if b.IgnoredLabelsJSON == "" {
		b.IgnoredLabelsJSON = "[]"
	}
	q := s.sql.Insert("bots").
		Columns("provider", "model", "system_prompt", "temperature", "message_delay_ms", "ignored_labels_json", "ignore_groups", "ai_enabled").
		Values(b.Provider, b.Model, b.SystemPrompt, b.Temperature, b.MessageDelayMs, b.IgnoredLabelsJSON, b.IgnoreGroups, b.AIEnabled)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create bot query: %w", err)
	}
	if s.driver == "postgres" {
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create bot: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create bot: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetBot(ctx context.Context, botID int64) (Bot, error) {
	q := s.sql.Select("id", "provider", "model", "system_prompt", "temperature", "message_delay_ms", "ignored_labels_json", "ignore_groups", "ai_enabled", "created_at").
		From("bots").Where(sq.Eq{"id": botID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build get bot query: %w", err)
	}
	var b Bot
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&b.ID, &b.Provider, &b.Model, &b.SystemPrompt, &b.Temperature, &b.MessageDelayMs,
		&b.IgnoredLabelsJSON, &b.IgnoreGroups, &b.AIEnabled, &b.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (s *Store) ListBots(ctx context.Context) ([]Bot, error) {
	q := s.sql.Select("id", "provider", "model", "system_prompt", "temperature", "message_delay_ms", "ignored_labels_json", "ignore_groups", "ai_enabled", "created_at").
		From("bots").OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]Bot, 0)
	for rows.Next() {
		var b Bot
		if err := rows.Scan(
			&b.ID, &b.Provider, &b.Model, &b.SystemPrompt, &b.Temperature, &b.MessageDelayMs,
			&b.IgnoredLabelsJSON, &b.IgnoreGroups, &b.AIEnabled, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateBot(ctx context.Context, b Bot) error {
	q := s.sql.Update("bots").
		Set("provider", b.Provider).
		Set("model", b.Model).
		Set("system_prompt", b.SystemPrompt).
		Set("temperature", b.Temperature).
		Set("message_delay_ms", b.MessageDelayMs).
		Set("ignored_labels_json", b.IgnoredLabelsJSON).
		Set("ignore_groups", b.IgnoreGroups).
		Set("ai_enabled", b.AIEnabled).
		Where(sq.Eq{"id": b.ID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update bot query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBotProviderKey(ctx context.Context, botID int64, provider, encAPIKey string) error {
	q := s.sql.Insert("bot_provider_keys").
		Columns("bot_id", "provider", "enc_api_key").
		Values(botID, provider, encAPIKey).
		Suffix("ON CONFLICT(bot_id, provider) DO UPDATE SET enc_api_key=excluded.enc_api_key")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set bot provider key query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set bot provider key: %w", err)
	}
	return nil
}

func (s *Store) GetBotProviderKey(ctx context.Context, botID int64, provider string) (string, error) {
	q := s.sql.Select("enc_api_key").From("bot_provider_keys").Where(sq.Eq{"bot_id": botID, "provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get bot provider key query: %w", err)
	}
	var enc string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&enc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get bot provider key: %w", err)
	}
	return enc, nil
}
