// Package ledger tracks provider API-key credits. Key material is seeded
// from config into the api_keys table; every reservation spends one credit
// atomically so concurrent runs never overdraw a key.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"harvester/internal/model"
	"harvester/internal/store"
)

// ErrNoActiveKey means every key for the provider is exhausted or disabled.
var ErrNoActiveKey = errors.New("no active provider key")

// FailureKind classifies provider rejections for RecordFailure.
type FailureKind string

const (
	FailureAuth      FailureKind = "auth"       // 401/403: key is dead, deactivate
	FailureQuota     FailureKind = "quota"      // 429: key lives, back off
	FailureTransport FailureKind = "transport"  // network error before the provider charged
	FailureUpstream  FailureKind = "upstream"   // provider 5xx
)

// Reservation is one spent credit on a specific key.
type Reservation struct {
	Key       *model.APIKey
	Remaining int64
}

// Ledger serializes credit operations over the store.
type Ledger struct {
	st     *store.Store
	logger *slog.Logger
	mu     sync.Mutex
}

// New builds the ledger.
func New(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{st: st, logger: logger}
}

// Reserve picks the active key with the most remaining credits and spends
// one credit on it. Selection re-reads after a lost race, bounded by the
// number of keys.
func (l *Ledger) Reserve(ctx context.Context, provider string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys, err := l.st.ListActiveKeys(ctx, provider)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		remaining, ok, err := l.st.ConsumeKeyCredit(ctx, k.ID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another process drained this key between read and update.
			continue
		}
		if remaining == 0 {
			l.logger.Info("provider key exhausted", "provider", provider, "key_id", k.ID)
		}
		return &Reservation{Key: k, Remaining: remaining}, nil
	}
	return nil, ErrNoActiveKey
}

// Refund returns the reserved credit when the provider never charged.
func (l *Ledger) Refund(ctx context.Context, keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.st.RefundKeyCredit(ctx, keyID); err != nil {
		l.logger.Warn("credit refund failed", "key_id", keyID, "error", err)
	}
}

// RecordFailure reacts to a provider rejection. Auth-class failures
// deactivate the key so the next reservation skips it.
func (l *Ledger) RecordFailure(ctx context.Context, keyID string, kind FailureKind) {
	if kind != FailureAuth {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.st.DeactivateKey(ctx, keyID); err != nil {
		l.logger.Warn("key deactivation failed", "key_id", keyID, "error", err)
		return
	}
	l.logger.Warn("provider key deactivated", "key_id", keyID, "kind", string(kind))
}

// KeyStats is one key's public view; the secret never leaves the ledger.
type KeyStats struct {
	KeyID        string     `json:"key_id"`
	Provider     string     `json:"provider"`
	TotalCredits int64      `json:"total_credits"`
	UsedCredits  int64      `json:"used_credits"`
	Remaining    int64      `json:"remaining"`
	IsActive     bool       `json:"is_active"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// ProviderStats aggregates a provider's keys.
type ProviderStats struct {
	Provider   string `json:"provider"`
	Keys       int    `json:"keys"`
	ActiveKeys int    `json:"active_keys"`
	Remaining  int64  `json:"remaining"`
}

// Stats summarizes every key and provider.
type Stats struct {
	Keys      []KeyStats      `json:"keys"`
	Providers []ProviderStats `json:"providers"`
}

// Stats reads the current ledger state.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	keys, err := l.st.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{}
	byProvider := map[string]*ProviderStats{}
	order := []string{}
	for _, k := range keys {
		out.Keys = append(out.Keys, KeyStats{
			KeyID:        k.ID,
			Provider:     k.Provider,
			TotalCredits: k.TotalCredits,
			UsedCredits:  k.UsedCredits,
			Remaining:    k.Remaining(),
			IsActive:     k.IsActive,
			LastUsedAt:   k.LastUsedAt,
		})
		ps := byProvider[k.Provider]
		if ps == nil {
			ps = &ProviderStats{Provider: k.Provider}
			byProvider[k.Provider] = ps
			order = append(order, k.Provider)
		}
		ps.Keys++
		if k.IsActive {
			ps.ActiveKeys++
		}
		ps.Remaining += k.Remaining()
	}
	for _, p := range order {
		out.Providers = append(out.Providers, *byProvider[p])
	}
	return out, nil
}
