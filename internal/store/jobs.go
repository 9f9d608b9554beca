package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvester/internal/model"
	"harvester/internal/typer"
)

// CreateJob inserts a validated job. Jobs are immutable after this point.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	fields, err := marshalJSON(j.Fields)
	if err != nil {
		return err
	}
	listCfg, err := marshalJSON(j.ListConfig)
	if err != nil {
		return err
	}
	profile, err := marshalJSON(j.BrowserProfile)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, target_url, fields, crawl_mode, list_config, requires_auth,
		                  engine_mode, browser_profile, strategy_hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.TargetURL, fields.String, string(j.CrawlMode), listCfg,
		j.RequiresAuth, string(j.EngineMode), profile, nullString(j.StrategyHint), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var fields, listCfg, profile, hint sql.NullString
	var crawlMode, engineMode string
	err := row.Scan(&j.ID, &j.TargetURL, &fields, &crawlMode, &listCfg,
		&j.RequiresAuth, &engineMode, &profile, &hint, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.CrawlMode = model.CrawlMode(crawlMode)
	j.EngineMode = model.EngineMode(engineMode)
	j.StrategyHint = hint.String
	if err := unmarshalJSON(fields, &j.Fields); err != nil {
		return nil, fmt.Errorf("decode job fields: %w", err)
	}
	if err := unmarshalJSON(listCfg, &j.ListConfig); err != nil {
		return nil, fmt.Errorf("decode list_config: %w", err)
	}
	if err := unmarshalJSON(profile, &j.BrowserProfile); err != nil {
		return nil, fmt.Errorf("decode browser_profile: %w", err)
	}
	return &j, nil
}

const jobColumns = `id, target_url, fields, crawl_mode, list_config, requires_auth,
	engine_mode, browser_profile, strategy_hint, created_at`

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns the newest jobs up to limit.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpsertFieldMap writes the mapping for one (job, field) pair, replacing any
// previous spec.
func (s *Store) UpsertFieldMap(ctx context.Context, m *model.FieldMap) error {
	selector, err := marshalJSON(m.Selector)
	if err != nil {
		return err
	}
	opts, err := marshalJSON(m.Options)
	if err != nil {
		return err
	}
	rules, err := marshalJSON(m.Rules)
	if err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.UpdatedAt = time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO field_maps (id, job_id, field_name, selector_spec, field_type,
		                        smart_config, validation_rules, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, field_name) DO UPDATE SET
			selector_spec = EXCLUDED.selector_spec,
			field_type = EXCLUDED.field_type,
			smart_config = EXCLUDED.smart_config,
			validation_rules = EXCLUDED.validation_rules,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.JobID, m.FieldName, selector.String, string(m.FieldType),
		opts, rules, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert field map: %w", err)
	}
	return nil
}

// ListFieldMaps loads every mapping for a job, ordered by field name.
func (s *Store) ListFieldMaps(ctx context.Context, jobID uuid.UUID) ([]model.FieldMap, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, job_id, field_name, selector_spec, field_type, smart_config,
		       validation_rules, updated_at
		FROM field_maps WHERE job_id = $1 ORDER BY field_name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list field maps: %w", err)
	}
	defer rows.Close()

	var maps []model.FieldMap
	for rows.Next() {
		var m model.FieldMap
		var selector, opts, rules sql.NullString
		var fieldType string
		if err := rows.Scan(&m.ID, &m.JobID, &m.FieldName, &selector, &fieldType,
			&opts, &rules, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.FieldType = typer.FieldType(fieldType)
		if err := unmarshalJSON(selector, &m.Selector); err != nil {
			return nil, fmt.Errorf("decode selector_spec: %w", err)
		}
		if err := unmarshalJSON(opts, &m.Options); err != nil {
			return nil, fmt.Errorf("decode smart_config: %w", err)
		}
		if err := unmarshalJSON(rules, &m.Rules); err != nil {
			return nil, fmt.Errorf("decode validation_rules: %w", err)
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}
