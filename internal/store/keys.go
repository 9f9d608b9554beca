package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"harvester/internal/model"
)

// UpsertProviderKey seeds or refreshes one provider key row. Existing rows
// keep their used_credits; only the allowance is updated. Idempotent, so
// bootstrap can run on every start.
func (s *Store) UpsertProviderKey(ctx context.Context, provider, secret string, totalCredits int64) (string, error) {
	id := DeriveKeyID(secret)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_keys (id, provider, secret, total_credits, used_credits, is_active, created_at)
		VALUES ($1, $2, $3, $4, 0, $4 > 0, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_credits = EXCLUDED.total_credits,
			is_active = api_keys.used_credits < EXCLUDED.total_credits`,
		id, provider, secret, totalCredits)
	if err != nil {
		return "", fmt.Errorf("upsert provider key: %w", err)
	}
	return id, nil
}

func scanAPIKey(row interface{ Scan(...any) error }) (*model.APIKey, error) {
	var k model.APIKey
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.Provider, &k.Secret, &k.TotalCredits, &k.UsedCredits,
		&k.IsActive, &lastUsed, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

const keyColumns = `id, provider, secret, total_credits, used_credits, is_active, last_used_at, created_at`

// ListActiveKeys returns a provider's active keys ordered by remaining
// credits, most first.
func (s *Store) ListActiveKeys(ctx context.Context, provider string) ([]*model.APIKey, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE provider = $1 AND is_active
		ORDER BY total_credits - used_credits DESC, id`, provider)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListKeys returns every key, active or not, for the stats endpoint.
func (s *Store) ListKeys(ctx context.Context) ([]*model.APIKey, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY provider, id`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ConsumeKeyCredit atomically spends one credit on the key, deactivating it
// when the allowance is exhausted. Returns false when no credit was left,
// which means another run won the race.
func (s *Store) ConsumeKeyCredit(ctx context.Context, keyID string, at time.Time) (remaining int64, ok bool, err error) {
	var total, used int64
	err = s.DB.QueryRowContext(ctx, `
		UPDATE api_keys
		SET used_credits = used_credits + 1,
		    last_used_at = $2,
		    is_active = used_credits + 1 < total_credits
		WHERE id = $1 AND is_active AND used_credits < total_credits
		RETURNING total_credits, used_credits`, keyID, at).Scan(&total, &used)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume key credit: %w", err)
	}
	return total - used, true, nil
}

// RefundKeyCredit returns a reserved credit after a transport failure where
// the provider never charged.
func (s *Store) RefundKeyCredit(ctx context.Context, keyID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE api_keys
		SET used_credits = GREATEST(used_credits - 1, 0),
		    is_active = used_credits - 1 < total_credits AND total_credits > 0
		WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("refund key credit: %w", err)
	}
	return nil
}

// DeactivateKey turns a key off after an auth-class provider rejection.
func (s *Store) DeactivateKey(ctx context.Context, keyID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("deactivate key: %w", err)
	}
	return nil
}
