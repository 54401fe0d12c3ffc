package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateExecution(ctx context.Context, sessionID, flowID int64, status string) (int64, error) {
	q := s.sql.Insert("executions").
		Columns("session_id", "flow_id", "status", "current_step").
		Values(sessionID, flowID, status, 0)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create execution query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create execution: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create execution query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}
	return res.LastInsertId()
}

// FailExecution records a FAILED execution with a human-readable reason,
// e.g. "Cooldown active (30000/60000ms)" (SPEC_FULL.md §8 S7).
func (s *Store) FailExecution(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	q := s.sql.Update("executions").
		Set("status", ExecutionStatusFailed).
		Set("failure_reason", reason).
		Set("finished_at", now).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build fail execution query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	return nil
}

func (s *Store) CompleteExecution(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.sql.Update("executions").
		Set("status", ExecutionStatusCompleted).
		Set("finished_at", now).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build complete execution query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return nil
}

func (s *Store) AdvanceExecution(ctx context.Context, id int64, currentStep int) error {
	q := s.sql.Update("executions").Set("current_step", currentStep).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build advance execution query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("advance execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (Execution, error) {
	q := s.sql.Select("id", "session_id", "flow_id", "status", "current_step", "started_at", "finished_at", "failure_reason").
		From("executions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Execution{}, fmt.Errorf("build get execution query: %w", err)
	}
	var e Execution
	var finishedAt sql.NullTime
	var failureReason sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&e.ID, &e.SessionID, &e.FlowID, &e.Status, &e.CurrentStep, &e.StartedAt, &finishedAt, &failureReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, ErrNotFound
		}
		return Execution{}, fmt.Errorf("get execution: %w", err)
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	if failureReason.Valid {
		e.FailureReason = &failureReason.String
	}
	return e, nil
}

// LastExecutionStart returns the StartedAt of the most recent execution
// for (sessionID, flowID), used for the cooldown check in SPEC_FULL.md
// §5.7. Returns ErrNotFound if the flow has never run for this session.
func (s *Store) LastExecutionStart(ctx context.Context, sessionID, flowID int64) (time.Time, error) {
	q := s.sql.Select("started_at").
		From("executions").
		Where(sq.Eq{"session_id": sessionID, "flow_id": flowID}).
		OrderBy("started_at DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build last execution start query: %w", err)
	}
	var t time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("last execution start: %w", err)
	}
	return t, nil
}

// CountExecutions returns how many executions (sessionID, flowID) has
// accumulated, used for the usage-limit check.
func (s *Store) CountExecutions(ctx context.Context, sessionID, flowID int64) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("executions").Where(sq.Eq{"session_id": sessionID, "flow_id": flowID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count executions query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// HasActiveExecution reports whether any of flowIDs has a RUNNING or
// COMPLETED execution for sessionID started after `since` -- backs the
// excludesFlows check in SPEC_FULL.md §5.7.
func (s *Store) HasActiveExecution(ctx context.Context, sessionID int64, flowIDs []int64, since time.Time) (bool, error) {
	if len(flowIDs) == 0 {
		return false, nil
	}
	q := s.sql.Select("COUNT(*)").From("executions").
		Where(sq.Eq{"session_id": sessionID, "flow_id": flowIDs}).
		Where(sq.Eq{"status": []string{ExecutionStatusRunning, ExecutionStatusCompleted}}).
		Where(sq.GtOrEq{"started_at": since})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build has active execution query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("has active execution: %w", err)
	}
	return n > 0, nil
}

// ListRunningExecutions backs flowengine.RecoverRunningExecutions
// (SPEC_FULL.md §5.7, supplemented from
// original_source/core/src/main.rs's recover_running_executions).
func (s *Store) ListRunningExecutions(ctx context.Context) ([]Execution, error) {
	q := s.sql.Select("id", "session_id", "flow_id", "status", "current_step", "started_at", "finished_at", "failure_reason").
		From("executions").Where(sq.Eq{"status": ExecutionStatusRunning})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list running executions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		var e Execution
		var finishedAt sql.NullTime
		var failureReason sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.FlowID, &e.Status, &e.CurrentStep, &e.StartedAt, &finishedAt, &failureReason); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		if failureReason.Valid {
			e.FailureReason = &failureReason.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return out, nil
}
