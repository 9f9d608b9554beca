// Package escalate decides which executor tier a run attempt uses and what
// happens after each attempt: commit, retry, escalate, pause for a human, or
// fail. The planner is the only component that moves runs between tiers.
package escalate

import (
	"harvester/internal/model"
)

// Decision is the planner's verdict after one attempt.
type Decision string

const (
	Commit    Decision = "commit"
	RetrySame Decision = "retry"
	Escalate  Decision = "escalate"
	Intervene Decision = "intervene"
	Fail      Decision = "fail"
)

// autoLadder is the escalation order in auto mode. The tier sequence of any
// auto run is a prefix of this ladder.
var autoLadder = []model.Tier{model.TierHTTP, model.TierBrowser, model.TierProvider}

// maxTiersPerRun caps distinct tiers regardless of mode.
const maxTiersPerRun = 3

// State is the planner's per-run memory, carried by the orchestrator across
// attempts.
type State struct {
	Mode        model.EngineMode
	MaxAttempts int
	CreditsCap  float64

	Attempts       int
	CreditsUsed    float64
	TiersUsed      []model.Tier
	timeoutRetries map[model.Tier]int
	sameRetries    map[model.Tier]int
	browserEmpty   int
	providerBlocks int
	unknownSeen    bool
}

// NewState initializes planner state for a run.
func NewState(mode model.EngineMode, maxAttempts int, creditsCap float64) *State {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &State{
		Mode:           mode,
		MaxAttempts:    maxAttempts,
		CreditsCap:     creditsCap,
		timeoutRetries: make(map[model.Tier]int),
		sameRetries:    make(map[model.Tier]int),
	}
}

// noteTier records that a tier was attempted.
func (s *State) noteTier(t model.Tier) {
	for _, u := range s.TiersUsed {
		if u == t {
			return
		}
	}
	s.TiersUsed = append(s.TiersUsed, t)
}

// Planner selects tiers and judges attempt outcomes.
type Planner struct {
	hostile *HostileTracker
}

// NewPlanner builds a planner sharing the process-wide hostile-domain
// tracker. tracker may be nil.
func NewPlanner(tracker *HostileTracker) *Planner {
	return &Planner{hostile: tracker}
}

// FirstTier resolves the starting tier from the job's engine mode. Auto-mode
// jobs that need authenticated state, and auto-mode jobs against domains
// with a hard-block history, skip straight to the browser.
func (p *Planner) FirstTier(job *model.Job) model.Tier {
	switch job.EngineMode {
	case model.ModeHTTP:
		return model.TierHTTP
	case model.ModeBrowser:
		return model.TierBrowser
	case model.ModeProvider:
		return model.TierProvider
	}
	if job.RequiresAuth {
		return model.TierBrowser
	}
	if p.hostile != nil && p.hostile.BrowserFirst(job.Domain()) {
		return model.TierBrowser
	}
	return model.TierHTTP
}

// nextTier returns the tier after current on the auto ladder.
func nextTier(current model.Tier) (model.Tier, bool) {
	for i, t := range autoLadder {
		if t == current && i+1 < len(autoLadder) {
			return autoLadder[i+1], true
		}
	}
	return "", false
}

// Verdict carries a decision plus everything the orchestrator needs to act
// on it.
type Verdict struct {
	Decision    Decision
	NextTier    model.Tier
	FailureCode model.FailureCode
	// MarkSessionFailure tells the orchestrator to penalize the reused
	// session before escalating past the browser tier.
	MarkSessionFailure bool
	Reason             string
}

// failureCodeFor maps attempt signals to the single terminal code recorded
// on the run. Stronger signals win.
func failureCodeFor(signals []model.Signal) model.FailureCode {
	ranked := []struct {
		sig  model.Signal
		code model.FailureCode
	}{
		{model.SignalHardBlock, model.FailHardBlock},
		{model.SignalCaptcha, model.FailHardBlock},
		{model.SignalNoProviderKey, model.FailNoProviderKey},
		{model.SignalBlocked, model.FailBlocked},
		{model.SignalRateLimited, model.FailRateLimited},
		{model.SignalTimeout, model.FailTimeout},
		{model.SignalNetwork, model.FailNetwork},
		{model.SignalNavigationFailed, model.FailBadResponse},
		{model.SignalBadResponse, model.FailBadResponse},
		{model.SignalExtractionEmpty, model.FailExtractionEmpty},
		{model.SignalJSRequired, model.FailExtractionEmpty},
		{model.SignalRobotsNoindex, model.FailExtractionEmpty},
	}
	for _, r := range ranked {
		if model.HasSignal(signals, r.sig) {
			return r.code
		}
	}
	return model.FailUnknown
}

// escalationAllowed reports whether the run may move past the current tier.
func (s *State) escalationAllowed() bool {
	return s.Mode == model.ModeAuto && len(s.TiersUsed) < maxTiersPerRun
}

// guard enforces the hard stops that trump any other decision.
func (s *State) guard(v Verdict, signals []model.Signal) Verdict {
	if v.Decision == Commit || v.Decision == Intervene || v.Decision == Fail {
		return v
	}
	if s.Attempts >= s.MaxAttempts {
		return Verdict{Decision: Fail, FailureCode: failureCodeFor(signals), Reason: "max attempts exhausted"}
	}
	if v.Decision == Escalate {
		next, ok := nextTier(s.TiersUsed[len(s.TiersUsed)-1])
		if !ok || !s.escalationAllowed() {
			return Verdict{Decision: Fail, FailureCode: failureCodeFor(signals), MarkSessionFailure: v.MarkSessionFailure, Reason: "no tier left to escalate to"}
		}
		v.NextTier = next
	}
	return v
}

// Decide applies the escalation rules to one finished attempt. tier is the
// tier just attempted, signals its outcome, cost its provider credit spend.
// reusedTrustedSession reports whether the browser attempt ran on a pooled
// session, and providerTerminal whether the provider flagged the block as
// final.
func (p *Planner) Decide(s *State, tier model.Tier, signals []model.Signal, cost float64, reusedTrustedSession, providerTerminal bool) Verdict {
	s.Attempts++
	s.CreditsUsed += cost
	s.noteTier(tier)

	if model.HasSignal(signals, model.SignalOK) && !model.HasSignal(signals, model.SignalExtractionEmpty) {
		return Verdict{Decision: Commit}
	}

	// Record hard blocks for the hostile-domain bias before anything else.
	hardBlocked := model.HasSignal(signals, model.SignalHardBlock) || model.HasSignal(signals, model.SignalCaptcha)

	// Timeouts get one same-tier retry before escalating.
	if model.HasSignal(signals, model.SignalTimeout) {
		if s.timeoutRetries[tier] < 1 {
			s.timeoutRetries[tier]++
			return s.guard(Verdict{Decision: RetrySame, Reason: "timeout, retrying same tier"}, signals)
		}
		return s.guard(Verdict{Decision: Escalate, Reason: "timeout persisted after retry"}, signals)
	}

	// Network and malformed responses are retryable at the same tier.
	if model.HasSignal(signals, model.SignalNetwork) || model.HasSignal(signals, model.SignalBadResponse) {
		if s.sameRetries[tier] < 1 {
			s.sameRetries[tier]++
			return s.guard(Verdict{Decision: RetrySame, Reason: "transient response, retrying same tier"}, signals)
		}
		return s.guard(Verdict{Decision: Escalate, Reason: "transient error persisted"}, signals)
	}

	switch tier {
	case model.TierHTTP:
		// blocked+js_required together still choose the browser: session
		// state may fix the block, so the provider is not skipped to.
		if model.HasSignal(signals, model.SignalJSRequired) ||
			model.HasSignal(signals, model.SignalRobotsNoindex) ||
			model.HasSignal(signals, model.SignalBlocked) ||
			model.HasSignal(signals, model.SignalExtractionEmpty) {
			return s.guard(Verdict{Decision: Escalate, Reason: "page needs a browser"}, signals)
		}

	case model.TierBrowser:
		if hardBlocked || model.HasSignal(signals, model.SignalNavigationFailed) {
			return s.guard(Verdict{Decision: Escalate, Reason: "browser blocked"}, signals)
		}
		if model.HasSignal(signals, model.SignalExtractionEmpty) {
			s.browserEmpty++
			if s.browserEmpty < 2 {
				return s.guard(Verdict{Decision: RetrySame, Reason: "empty extraction, second browser try"}, signals)
			}
			return s.guard(Verdict{
				Decision:           Escalate,
				MarkSessionFailure: reusedTrustedSession,
				Reason:             "extraction still empty in browser",
			}, signals)
		}
		if model.HasSignal(signals, model.SignalBlocked) {
			return s.guard(Verdict{Decision: Escalate, Reason: "browser request blocked"}, signals)
		}

	case model.TierProvider:
		if model.HasSignal(signals, model.SignalNoProviderKey) {
			return Verdict{Decision: Intervene, FailureCode: model.FailNoProviderKey, Reason: "provider credits exhausted"}
		}
		if hardBlocked && providerTerminal {
			return Verdict{Decision: Intervene, FailureCode: model.FailHardBlock, Reason: "provider reported a final block"}
		}
		if model.HasSignal(signals, model.SignalBlocked) || model.HasSignal(signals, model.SignalRateLimited) {
			s.providerBlocks++
			if s.providerBlocks >= 2 {
				return Verdict{Decision: Fail, FailureCode: failureCodeFor(signals), Reason: "blocked across provider keys"}
			}
			return s.guard(Verdict{Decision: RetrySame, Reason: "provider blocked once, retrying"}, signals)
		}
		if model.HasSignal(signals, model.SignalExtractionEmpty) {
			return Verdict{Decision: Intervene, FailureCode: model.FailExtractionEmpty, Reason: "selectors empty even via provider"}
		}
		if s.CreditsCap > 0 && s.CreditsUsed >= s.CreditsCap {
			return Verdict{Decision: Fail, FailureCode: failureCodeFor(signals), Reason: "provider credit cap reached"}
		}
	}

	// Unclassified outcomes escalate once, then fail.
	if model.HasSignal(signals, model.SignalUnknown) && !s.unknownSeen {
		s.unknownSeen = true
		return s.guard(Verdict{Decision: Escalate, Reason: "unclassified failure, escalating once"}, signals)
	}
	return Verdict{Decision: Fail, FailureCode: failureCodeFor(signals), Reason: "no recovery rule matched"}
}

// RecordHardBlock feeds the hostile-domain tracker after a hard block.
func (p *Planner) RecordHardBlock(domain string) {
	if p.hostile != nil {
		p.hostile.Record(domain)
	}
}
