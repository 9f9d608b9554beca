package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"harvester/internal/ledger"
	"harvester/internal/metrics"
	"harvester/internal/model"
)

// CreditSource is the slice of the ledger the provider executor needs.
type CreditSource interface {
	Reserve(ctx context.Context, provider string) (*ledger.Reservation, error)
	Refund(ctx context.Context, keyID string)
	RecordFailure(ctx context.Context, keyID string, kind ledger.FailureKind)
}

// ProviderConfig tunes the paid-API executor.
type ProviderConfig struct {
	Name     string
	BaseURL  string
	Timeout  time.Duration
	RenderJS bool
	Premium  bool
}

// ProviderExecutor shims a remote rendering API. Every successful fetch
// costs one credit; dead keys rotate out within the same attempt.
type ProviderExecutor struct {
	cfg     ProviderConfig
	credits CreditSource
	client  *http.Client
	logger  *slog.Logger
}

// NewProviderExecutor builds the executor over the shared credit ledger.
func NewProviderExecutor(cfg ProviderConfig, credits CreditSource, logger *slog.Logger) *ProviderExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &ProviderExecutor{
		cfg:     cfg,
		credits: credits,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (e *ProviderExecutor) Tier() model.Tier { return model.TierProvider }

// Fetch reserves a credit and calls the provider. Auth rejections
// deactivate the key and move to the next one; rotation walks every active
// key at most once, so an all-dead ledger terminates with no_provider_key.
func (e *ProviderExecutor) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	start := time.Now()
	res := &Result{Engine: model.TierProvider, FinalURL: req.URL}

	tried := map[string]bool{}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reservation, err := e.credits.Reserve(ctx, e.cfg.Name)
		if err != nil {
			res.Elapsed = time.Since(start)
			if errors.Is(err, ledger.ErrNoActiveKey) {
				res.Signals = []model.Signal{model.SignalNoProviderKey}
				return res, nil
			}
			return nil, err
		}
		key := reservation.Key
		if tried[key.ID] {
			// The ledger handed back a key it was told to deactivate;
			// stop rather than spin on it.
			e.credits.Refund(ctx, key.ID)
			res.Elapsed = time.Since(start)
			res.Signals = []model.Signal{model.SignalNoProviderKey}
			return res, nil
		}
		tried[key.ID] = true

		status, body, finalErr := e.call(ctx, req.URL, key.Secret, timeout)
		res.Elapsed = time.Since(start)

		if finalErr != nil {
			e.credits.Refund(ctx, key.ID)
			if errors.Is(finalErr, context.Canceled) {
				return nil, finalErr
			}
			if errors.Is(finalErr, context.DeadlineExceeded) {
				res.Signals = []model.Signal{model.SignalTimeout}
			} else {
				e.credits.RecordFailure(ctx, key.ID, ledger.FailureTransport)
				res.Signals = []model.Signal{model.SignalNetwork}
			}
			return res, nil
		}

		res.Status = status
		switch {
		case status == 401 || status == 403:
			// The provider rejected this key; kill it and try the next.
			e.credits.Refund(ctx, key.ID)
			e.credits.RecordFailure(ctx, key.ID, ledger.FailureAuth)
			e.logger.Warn("provider key rejected", "provider", e.cfg.Name, "key_id", key.ID, "status", status)
			continue
		case status == 451:
			res.Signals = []model.Signal{model.SignalHardBlock}
			res.Terminal = true
			res.Cost = 1
			metrics.RecordProviderCredits(e.cfg.Name, 1)
			return res, nil
		case status == 429:
			e.credits.Refund(ctx, key.ID)
			e.credits.RecordFailure(ctx, key.ID, ledger.FailureQuota)
			res.Signals = []model.Signal{model.SignalBlocked, model.SignalRateLimited}
			return res, nil
		case status >= 500:
			e.credits.Refund(ctx, key.ID)
			e.credits.RecordFailure(ctx, key.ID, ledger.FailureUpstream)
			res.Signals = []model.Signal{model.SignalBadResponse}
			return res, nil
		}

		res.Body = body
		res.Cost = 1
		metrics.RecordProviderCredits(e.cfg.Name, 1)
		if block := BlockMarkers(body); len(block) > 0 {
			res.Signals = block
			return res, nil
		}
		res.Signals = []model.Signal{model.SignalOK}
		return res, nil
	}
}

// call issues the actual provider request: GET {base}?url=...&render_js=...
// with the key in the X-Api-Key header.
func (e *ProviderExecutor) call(ctx context.Context, target, secret string, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return 0, "", err
	}
	q := endpoint.Query()
	q.Set("url", target)
	if e.cfg.RenderJS {
		q.Set("render_js", "true")
	}
	if e.cfg.Premium {
		q.Set("premium", "true")
	}
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, "", err
	}
	httpReq.Header.Set("X-Api-Key", secret)
	httpReq.Header.Set("Accept", "text/html")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}
