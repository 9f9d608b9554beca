package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"harvester/internal/model"
)

// InsertRecords writes a batch of records in one transaction. List-mode
// crawls call this once per page so completed pages survive later failures.
func (s *Store) InsertRecords(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin records tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, run_id, data, evidence, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		data, err := marshalJSON(r.Data)
		if err != nil {
			return err
		}
		evidence, err := marshalJSON(r.Evidence)
		if err != nil {
			return err
		}
		meta, err := marshalJSON(r.Meta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.RunID, data.String, evidence.String,
			meta.String, r.CreatedAt); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records tx: %w", err)
	}
	return nil
}

// ListRecords returns a run's records in insertion order.
func (s *Store) ListRecords(ctx context.Context, runID uuid.UUID, limit, offset int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, data, evidence, meta, created_at
		FROM records WHERE run_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var r model.Record
		var data, evidence, meta sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &data, &evidence, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(data, &r.Data); err != nil {
			return nil, fmt.Errorf("decode record data: %w", err)
		}
		if err := unmarshalJSON(evidence, &r.Evidence); err != nil {
			return nil, fmt.Errorf("decode record evidence: %w", err)
		}
		if err := unmarshalJSON(meta, &r.Meta); err != nil {
			return nil, fmt.Errorf("decode record meta: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns how many records a run produced.
func (s *Store) CountRecords(ctx context.Context, runID uuid.UUID) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}
