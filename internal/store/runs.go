package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvester/internal/model"
)

// CreateRun inserts a new run in the queued state.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	attempts, err := marshalJSON(r.EngineAttempts)
	if err != nil {
		return err
	}
	stats, err := marshalJSON(r.Stats)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, attempt, max_attempts, resolved_strategy,
		                  engine_attempts, stats, failure_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.JobID, string(r.Status), r.Attempt, r.MaxAttempts,
		nullString(r.ResolvedStrategy), attempts, stats,
		nullString(string(r.FailureCode)), nullString(r.ErrorMessage), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, job_id, status, attempt, max_attempts, resolved_strategy,
	engine_attempts, stats, failure_code, error_message, created_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var r model.Run
	var status string
	var strategy, attempts, stats, failureCode, errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.JobID, &status, &r.Attempt, &r.MaxAttempts, &strategy,
		&attempts, &stats, &failureCode, &errMsg, &r.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.ResolvedStrategy = strategy.String
	r.FailureCode = model.FailureCode(failureCode.String)
	r.ErrorMessage = errMsg.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if err := unmarshalJSON(attempts, &r.EngineAttempts); err != nil {
		return nil, fmt.Errorf("decode engine_attempts: %w", err)
	}
	if err := unmarshalJSON(stats, &r.Stats); err != nil {
		return nil, fmt.Errorf("decode run stats: %w", err)
	}
	return &r, nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRunStatus reads only the status column. The orchestrator polls this
// between steps for cooperative cancellation.
func (s *Store) GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", err
	}
	return model.RunStatus(status), nil
}

// ListRunsForJob returns a job's runs, newest first.
func (s *Store) ListRunsForJob(ctx context.Context, jobID uuid.UUID, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkRunRunning transitions a queued or waiting run to running. Returns
// false when the run is no longer in a startable state (cancelled meanwhile,
// or picked up twice).
func (s *Store) MarkRunRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = 'running', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('queued', 'waiting_for_human')`, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SaveRunProgress persists the mutable mid-run state after an attempt:
// attempt counter, resolved strategy, attempt log, and running stats.
func (s *Store) SaveRunProgress(ctx context.Context, r *model.Run) error {
	attempts, err := marshalJSON(r.EngineAttempts)
	if err != nil {
		return err
	}
	stats, err := marshalJSON(r.Stats)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE runs SET attempt = $2, resolved_strategy = $3, engine_attempts = $4, stats = $5
		WHERE id = $1`,
		r.ID, r.Attempt, nullString(r.ResolvedStrategy), attempts, stats)
	if err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}
	return nil
}

// FinishRun writes the terminal (or paused) state of a run in one statement.
func (s *Store) FinishRun(ctx context.Context, r *model.Run) error {
	attempts, err := marshalJSON(r.EngineAttempts)
	if err != nil {
		return err
	}
	stats, err := marshalJSON(r.Stats)
	if err != nil {
		return err
	}
	var finishedAt sql.NullTime
	if r.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *r.FinishedAt, Valid: true}
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE runs SET status = $2, attempt = $3, resolved_strategy = $4,
		       engine_attempts = $5, stats = $6, failure_code = $7,
		       error_message = $8, finished_at = $9
		WHERE id = $1`,
		r.ID, string(r.Status), r.Attempt, nullString(r.ResolvedStrategy),
		attempts, stats, nullString(string(r.FailureCode)),
		nullString(r.ErrorMessage), finishedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RequestRunCancel flips a non-terminal run to cancelled. The worker observes
// the status change at its next poll. Returns false when the run already
// reached a terminal state.
func (s *Store) RequestRunCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = 'cancelled', finished_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running', 'waiting_for_human')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueRun puts a waiting run back in the queued state after an
// intervention resolution.
func (s *Store) RequeueRun(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = 'queued' WHERE id = $1 AND status = 'waiting_for_human'`, id)
	if err != nil {
		return false, fmt.Errorf("requeue run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteRunsBefore removes terminal runs older than the cutoff. Records and
// events cascade through their foreign keys.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE created_at < $1 AND status IN ('completed', 'failed', 'cancelled')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return res.RowsAffected()
}
