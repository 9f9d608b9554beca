package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"harvester/internal/model"
)

// HTTPConfig tunes the plain HTTP executor.
type HTTPConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// HTTPExecutor fetches pages without executing JavaScript. Cheapest tier;
// auto-mode runs always try it first.
type HTTPExecutor struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPExecutor builds the executor with redirect-following defaults.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	return &HTTPExecutor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *HTTPExecutor) Tier() model.Tier { return model.TierHTTP }

// Fetch issues one GET and classifies the response. Network-level failures
// come back as signals, not errors.
func (e *HTTPExecutor) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := &Result{Engine: model.TierHTTP, FinalURL: req.URL}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	ua := req.Profile.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}
	if ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if req.AcceptLanguage != "" {
		httpReq.Header.Set("Accept-Language", req.AcceptLanguage)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		res.Elapsed = time.Since(start)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Signals = []model.Signal{model.SignalTimeout}
		} else if errors.Is(err, context.Canceled) {
			return nil, err
		} else {
			res.Signals = []model.Signal{model.SignalNetwork}
		}
		return res, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Signals = []model.Signal{model.SignalNetwork}
		return res, nil
	}

	res.Status = resp.StatusCode
	res.Headers = resp.Header
	res.Body = string(body)
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}

	res.Signals = classifyStatus(resp.StatusCode)
	if res.Signals == nil {
		res.Signals = []model.Signal{model.SignalOK}
	}
	if NeedsJS(res.Body) {
		res.Signals = append(res.Signals, model.SignalJSRequired)
	}
	if RobotsNoindex(res.Body) {
		res.Signals = append(res.Signals, model.SignalRobotsNoindex)
	}
	return res, nil
}
