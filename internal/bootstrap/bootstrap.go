// Package bootstrap seeds the store from configuration at startup. It is
// designed to be idempotent and safe to run multiple times.
package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"harvester/internal/config"
	"harvester/internal/store"
)

// Run upserts the configured provider keys into the credit ledger. Keys are
// matched on derived id, so re-running with the same config never resets
// spent credits; raising total_credits in config tops a key up.
func Run(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	if cfg == nil || st == nil {
		return nil
	}

	for i := range cfg.Provider.Keys {
		k := &cfg.Provider.Keys[i]
		secret := strings.TrimSpace(k.Key)
		if secret == "" {
			continue
		}
		provider := strings.TrimSpace(k.Provider)
		if provider == "" {
			provider = "default"
		}
		id, err := st.UpsertProviderKey(ctx, provider, secret, k.Credits)
		if err != nil {
			return err
		}
		logger.Info("provider key seeded", "provider", provider, "key_id", id, "total_credits", k.Credits)
	}
	return nil
}
