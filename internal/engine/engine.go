// Package engine holds the three fetch executors behind one contract: plain
// HTTP, headless browser, and the paid provider API. Executors never decide
// escalation; they fetch, classify what they saw into signals, and hand the
// result back.
package engine

import (
	"context"
	"net/http"
	"time"

	"harvester/internal/model"
)

// Request is one fetch order.
type Request struct {
	URL            string
	Profile        model.BrowserProfile
	AcceptLanguage string
	ProxyID        string
	Timeout        time.Duration
}

// Result is the outcome of one fetch. Signals carry only fetch-level
// classification; the orchestrator adds extraction_empty after selector
// evaluation.
type Result struct {
	Status   int
	Headers  http.Header
	Body     string
	FinalURL string
	Elapsed  time.Duration
	Engine   model.Tier
	Signals  []model.Signal
	Cost     float64
	// Terminal is set by the provider executor when the block is final and
	// retrying other keys will not help.
	Terminal bool
	// SessionReused and SessionCaptured describe browser session pool
	// interaction for this fetch.
	SessionReused   bool
	SessionCaptured bool
}

// Blocked reports whether the result carries any block-class signal.
func (r *Result) Blocked() bool {
	return model.HasSignal(r.Signals, model.SignalBlocked) ||
		model.HasSignal(r.Signals, model.SignalHardBlock) ||
		model.HasSignal(r.Signals, model.SignalCaptcha)
}

// Executor is the shared fetch contract. Implementations return an error
// only for programming mistakes; expected failures are expressed as signals
// so the orchestrator stays the single state-machine driver.
type Executor interface {
	Tier() model.Tier
	Fetch(ctx context.Context, req Request) (*Result, error)
}
