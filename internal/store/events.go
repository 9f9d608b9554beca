package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"harvester/internal/model"
)

// InsertRunEvent appends one event to a run's log.
func (s *Store) InsertRunEvent(ctx context.Context, ev *model.RunEvent) error {
	meta, err := marshalJSON(ev.Meta)
	if err != nil {
		return err
	}
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO run_events (run_id, seq, level, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ev.RunID, ev.Seq, string(ev.Level), ev.Message, meta, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's events in sequence order.
func (s *Store) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, seq, level, message, meta, created_at
		FROM run_events WHERE run_id = $1 ORDER BY seq LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		var level string
		var meta sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &level, &ev.Message, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Level = model.EventLevel(level)
		if err := unmarshalJSON(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("decode event meta: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaxEventSeq returns the highest sequence number recorded for a run, or 0.
// The emitter seeds its in-process counter from this on resume.
func (s *Store) MaxEventSeq(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = $1`, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
