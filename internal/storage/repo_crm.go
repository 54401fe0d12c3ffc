package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// LookupClientByCURP and LookupClientByPhone back the lookup_client
// built-in (spec.md §4.4's tenant-CRM primitives).
func (s *Store) LookupClientByCURP(ctx context.Context, botID int64, curp string) (CRMClient, error) {
	return s.getCRMClient(ctx, sq.Eq{"bot_id": botID, "curp": curp})
}

func (s *Store) LookupClientByPhone(ctx context.Context, botID int64, phone string) (CRMClient, error) {
	return s.getCRMClient(ctx, sq.Eq{"bot_id": botID, "phone": phone})
}

func (s *Store) getCRMClient(ctx context.Context, where sq.Sqlizer) (CRMClient, error) {
	q := s.sql.Select("id", "bot_id", "curp", "phone", "email", "enc_credentials_json", "created_at").
		From("crm_clients").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CRMClient{}, fmt.Errorf("build lookup client query: %w", err)
	}
	var c CRMClient
	var enc sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.BotID, &c.CURP, &c.Phone, &c.Email, &enc, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CRMClient{}, ErrNotFound
		}
		return CRMClient{}, fmt.Errorf("lookup client: %w", err)
	}
	if enc.Valid {
		c.EncCredentialsJSON = &enc.String
	}
	return c, nil
}

// RegisterClient backs the register_client built-in. A duplicate CURP is
// reported via ErrAlreadyExists rather than a generic error, consistent
// with spec.md §6's race-distinguishability requirement.
func (s *Store) RegisterClient(ctx context.Context, c CRMClient) (int64, error) {
	if _, err := s.LookupClientByCURP(ctx, c.BotID, c.CURP); err == nil {
		return 0, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("register client: %w", err)
	}
	q := s.sql.Insert("crm_clients").
		Columns("bot_id", "curp", "phone", "email").
		Values(c.BotID, c.CURP, c.Phone, c.Email)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build register client query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			if isUniqueViolation(err) {
				return 0, ErrAlreadyExists
			}
			return 0, fmt.Errorf("register client: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build register client query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("register client: %w", err)
	}
	return res.LastInsertId()
}

// SaveClientCredentials backs the save_credentials built-in, storing the
// crypto.Manager-encrypted payload.
func (s *Store) SaveClientCredentials(ctx context.Context, clientID int64, encCredentialsJSON string) error {
	q := s.sql.Update("crm_clients").Set("enc_credentials_json", encCredentialsJSON).Where(sq.Eq{"id": clientID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save client credentials query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("save client credentials: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
