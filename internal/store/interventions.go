package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvester/internal/model"
)

// CreateIntervention records a paused run's request for human help.
func (s *Store) CreateIntervention(ctx context.Context, iv *model.Intervention) error {
	payload, err := marshalJSON(iv.Payload)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO interventions (id, run_id, type, reason, priority, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		iv.ID, iv.RunID, string(iv.Type), iv.Reason, string(iv.Priority),
		string(iv.Status), payload, iv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

const interventionColumns = `id, run_id, type, reason, priority, status, payload, resolution, created_at, resolved_at`

func scanIntervention(row interface{ Scan(...any) error }) (*model.Intervention, error) {
	var iv model.Intervention
	var typ, priority, status string
	var payload, resolution sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&iv.ID, &iv.RunID, &typ, &iv.Reason, &priority, &status,
		&payload, &resolution, &iv.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	iv.Type = model.InterventionType(typ)
	iv.Priority = model.Priority(priority)
	iv.Status = model.InterventionStatus(status)
	if resolvedAt.Valid {
		iv.ResolvedAt = &resolvedAt.Time
	}
	if err := unmarshalJSON(payload, &iv.Payload); err != nil {
		return nil, fmt.Errorf("decode intervention payload: %w", err)
	}
	if err := unmarshalJSON(resolution, &iv.Resolution); err != nil {
		return nil, fmt.Errorf("decode intervention resolution: %w", err)
	}
	return &iv, nil
}

// GetIntervention loads one intervention by id.
func (s *Store) GetIntervention(ctx context.Context, id uuid.UUID) (*model.Intervention, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, id)
	return scanIntervention(row)
}

// ListInterventions returns interventions, optionally filtered by status,
// ordered by priority then age.
func (s *Store) ListInterventions(ctx context.Context, status string, limit int) ([]*model.Intervention, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + interventionColumns + ` FROM interventions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY
		CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
		created_at LIMIT %d`, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*model.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// ResolveIntervention stores the operator's resolution and closes the
// intervention. Returns false when it was not pending.
func (s *Store) ResolveIntervention(ctx context.Context, id uuid.UUID, resolution map[string]any, at time.Time) (bool, error) {
	res, err := marshalJSON(resolution)
	if err != nil {
		return false, err
	}
	r, err := s.DB.ExecContext(ctx, `
		UPDATE interventions SET status = 'resolved', resolution = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'`, id, res, at)
	if err != nil {
		return false, fmt.Errorf("resolve intervention: %w", err)
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

// CancelIntervention closes a pending intervention without resolving it.
func (s *Store) CancelIntervention(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r, err := s.DB.ExecContext(ctx, `
		UPDATE interventions SET status = 'cancelled', resolved_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel intervention: %w", err)
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

// LatestResolvedIntervention returns the most recently resolved intervention
// for a run, if any. The worker uses its resolution payload to seed session
// state on resume.
func (s *Store) LatestResolvedIntervention(ctx context.Context, runID uuid.UUID) (*model.Intervention, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+interventionColumns+` FROM interventions
		WHERE run_id = $1 AND status = 'resolved'
		ORDER BY resolved_at DESC LIMIT 1`, runID)
	iv, err := scanIntervention(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return iv, err
}
