package model

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"harvester/internal/typer"
)

// CrawlMode selects between extracting one record from the target page or
// walking item links discovered on it.
type CrawlMode string

const (
	CrawlSingle CrawlMode = "single"
	CrawlList   CrawlMode = "list"
)

// EngineMode is the job-level engine policy. Auto starts cheap and escalates.
type EngineMode string

const (
	ModeAuto     EngineMode = "auto"
	ModeHTTP     EngineMode = "http"
	ModeBrowser  EngineMode = "browser"
	ModeProvider EngineMode = "provider"
)

// Tier is the executor class used for an attempt.
type Tier string

const (
	TierHTTP     Tier = "http"
	TierBrowser  Tier = "browser"
	TierProvider Tier = "provider"
)

// Rank orders tiers by cost. Unknown tiers rank above provider so they are
// never selected by accident.
func (t Tier) Rank() int {
	switch t {
	case TierHTTP:
		return 0
	case TierBrowser:
		return 1
	case TierProvider:
		return 2
	}
	return 3
}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunWaitingForHuman RunStatus = "waiting_for_human"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// FailureCode is the closed terminal failure taxonomy. Each failed run
// records exactly one code.
type FailureCode string

const (
	FailBlocked         FailureCode = "blocked"
	FailRateLimited     FailureCode = "rate_limited"
	FailTimeout         FailureCode = "timeout"
	FailNetwork         FailureCode = "network"
	FailBadResponse     FailureCode = "bad_response"
	FailHardBlock       FailureCode = "hard_block"
	FailExtractionEmpty FailureCode = "extraction_empty"
	FailNoProviderKey   FailureCode = "no_provider_key"
	FailUnknown         FailureCode = "unknown"
)

// Signal is a machine-readable outcome token attached to an attempt. Signals
// are a superset of FailureCode: several of them steer escalation without
// ever becoming a terminal code.
type Signal string

const (
	SignalOK               Signal = "ok"
	SignalBlocked          Signal = "blocked"
	SignalRateLimited      Signal = "rate_limited"
	SignalJSRequired       Signal = "js_required"
	SignalRobotsNoindex    Signal = "robots_noindex"
	SignalExtractionEmpty  Signal = "extraction_empty"
	SignalHardBlock        Signal = "hard_block"
	SignalNavigationFailed Signal = "navigation_failed"
	SignalCaptcha          Signal = "captcha"
	SignalBadResponse      Signal = "bad_response"
	SignalTimeout          Signal = "timeout"
	SignalNetwork          Signal = "network"
	SignalNoProviderKey    Signal = "no_provider_key"
	SignalUnknown          Signal = "unknown"
)

// HasSignal reports whether sig is present in signals.
func HasSignal(signals []Signal, sig Signal) bool {
	for _, s := range signals {
		if s == sig {
			return true
		}
	}
	return false
}

// ListConfig configures list-mode crawling. Present iff crawl_mode=list.
// MaxItems nil means the configured default cap; an explicit 0 crawls the
// list page only and emits no detail records.
type ListConfig struct {
	ItemLinksSelector  string `json:"item_links_selector"`
	PaginationSelector string `json:"pagination_selector,omitempty"`
	MaxPages           int    `json:"max_pages,omitempty"`
	MaxItems           *int   `json:"max_items,omitempty"`
}

// BrowserProfile is the stable fingerprint used by the browser executor.
// Zero fields fall back to the configured defaults.
type BrowserProfile struct {
	UserAgent      string `json:"user_agent,omitempty"`
	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
	Locale         string `json:"locale,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	ColorScheme    string `json:"color_scheme,omitempty"`
}

// Job is an immutable extraction specification.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	TargetURL      string          `json:"target_url"`
	Fields         []string        `json:"fields"`
	CrawlMode      CrawlMode       `json:"crawl_mode"`
	ListConfig     *ListConfig     `json:"list_config,omitempty"`
	RequiresAuth   bool            `json:"requires_auth"`
	EngineMode     EngineMode      `json:"engine_mode"`
	BrowserProfile *BrowserProfile `json:"browser_profile,omitempty"`
	StrategyHint   string          `json:"strategy_hint,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate enforces the job invariants: absolute http(s) URL, unique
// non-empty field names, list_config present iff crawl_mode=list.
func (j *Job) Validate() error {
	u, err := url.Parse(j.TargetURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("target_url must be an absolute http(s) URL")
	}
	if len(j.Fields) == 0 {
		return errors.New("at least one field is required")
	}
	seen := make(map[string]struct{}, len(j.Fields))
	for _, f := range j.Fields {
		if f == "" {
			return errors.New("field names must be non-empty")
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("duplicate field name %q", f)
		}
		seen[f] = struct{}{}
	}
	switch j.CrawlMode {
	case CrawlSingle:
		if j.ListConfig != nil {
			return errors.New("list_config is only valid with crawl_mode=list")
		}
	case CrawlList:
		if j.ListConfig == nil || j.ListConfig.ItemLinksSelector == "" {
			return errors.New("crawl_mode=list requires list_config.item_links_selector")
		}
		if j.ListConfig.MaxItems != nil && *j.ListConfig.MaxItems < 0 {
			return errors.New("list_config.max_items must not be negative")
		}
	default:
		return fmt.Errorf("invalid crawl_mode %q", j.CrawlMode)
	}
	switch j.EngineMode {
	case ModeAuto, ModeHTTP, ModeBrowser, ModeProvider:
	default:
		return fmt.Errorf("invalid engine_mode %q", j.EngineMode)
	}
	return nil
}

// Domain returns the lowercase host of the job's target URL.
func (j *Job) Domain() string {
	u, err := url.Parse(j.TargetURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// SelectorSpec describes how one field is located in a document.
type SelectorSpec struct {
	Selector string `json:"selector"`
	Kind     string `json:"kind,omitempty"` // "css" (default) or "xpath"
	Attr     string `json:"attr,omitempty"` // empty reads text content
	All      bool   `json:"all,omitempty"`
	Pattern  string `json:"pattern,omitempty"` // regex; capture group 1 kept
}

// FieldMap binds one declared job field to a selector and a value type.
type FieldMap struct {
	ID        uuid.UUID       `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	FieldName string          `json:"field_name"`
	Selector  SelectorSpec    `json:"selector_spec"`
	FieldType typer.FieldType `json:"field_type"`
	Options   typer.Options   `json:"smart_config"`
	Rules     typer.Rules     `json:"validation_rules"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate rejects mappings without a selector and unknown field types.
func (m *FieldMap) Validate() error {
	if m.FieldName == "" {
		return errors.New("field_name is required")
	}
	if m.Selector.Selector == "" {
		return errors.New("selector_spec.selector is required")
	}
	switch m.Selector.Kind {
	case "", "css", "xpath":
	default:
		return fmt.Errorf("invalid selector kind %q", m.Selector.Kind)
	}
	if !typer.Known(m.FieldType) {
		return fmt.Errorf("unknown field_type %q", m.FieldType)
	}
	return nil
}

// EngineAttempt is one entry of a run's append-only attempt log.
type EngineAttempt struct {
	Tier      Tier      `json:"tier"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"` // commit|retry|escalate|intervene|fail|cancelled
	Signals   []Signal  `json:"signals"`
	Cost      float64   `json:"cost"`
	Error     string    `json:"error,omitempty"`
}

// RunStats is the aggregate summary persisted on run completion.
type RunStats struct {
	ItemsExtracted   int     `json:"items_extracted"`
	PagesFetched     int     `json:"pages_fetched"`
	ExecutionTimeS   float64 `json:"execution_time_s"`
	EngineUsed       string  `json:"engine_used,omitempty"`
	TotalCost        float64 `json:"total_cost"`
	LastErrorMessage string  `json:"last_error_message,omitempty"`
	InterventionID   string  `json:"intervention_id,omitempty"`
}

// Run is one execution of a job.
type Run struct {
	ID               uuid.UUID       `json:"id"`
	JobID            uuid.UUID       `json:"job_id"`
	Status           RunStatus       `json:"status"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"max_attempts"`
	ResolvedStrategy string          `json:"resolved_strategy,omitempty"`
	EngineAttempts   []EngineAttempt `json:"engine_attempts"`
	Stats            RunStats        `json:"stats"`
	FailureCode      FailureCode     `json:"failure_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run can no longer make progress on its own.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Evidence records how a field value was derived.
type Evidence struct {
	Raw        string   `json:"raw"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Errors     []string `json:"errors"`
}

// RecordMeta describes the fetch that produced a record.
type RecordMeta struct {
	URL        string    `json:"url"`
	Engine     string    `json:"engine"`
	FetchedAt  time.Time `json:"fetched_at"`
	HTTPStatus int       `json:"http_status"`
}

// Record is one extracted item with per-field evidence.
type Record struct {
	ID        uuid.UUID           `json:"id"`
	RunID     uuid.UUID           `json:"run_id"`
	Data      map[string]any      `json:"data"`
	Evidence  map[string]Evidence `json:"evidence"`
	Meta      RecordMeta          `json:"meta"`
	CreatedAt time.Time           `json:"created_at"`
}

// EventLevel classifies run events.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// RunEvent is one entry of a run's append-only event log. Seq is monotonic
// per run so pub/sub subscribers can deduplicate.
type RunEvent struct {
	ID        int64          `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Seq       int64          `json:"seq"`
	Level     EventLevel     `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// APIKey is a provider credit ledger entry. Secret is the raw key material
// needed to call the provider; ID is a derived identifier safe for logs.
type APIKey struct {
	ID           string     `json:"key_id"`
	Provider     string     `json:"provider"`
	Secret       string     `json:"-"`
	TotalCredits int64      `json:"total_credits"`
	UsedCredits  int64      `json:"used_credits"`
	IsActive     bool       `json:"is_active"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Remaining returns the credits left on the key.
func (k *APIKey) Remaining() int64 {
	if r := k.TotalCredits - k.UsedCredits; r > 0 {
		return r
	}
	return 0
}

// InterventionType is the closed set of human actions a paused run can wait on.
type InterventionType string

const (
	InterventionLoginRefresh InterventionType = "login_refresh"
	InterventionManualAccess InterventionType = "manual_access"
	InterventionCaptchaSolve InterventionType = "captcha_solve"
	InterventionSelectorFix  InterventionType = "selector_fix"
	InterventionFieldConfirm InterventionType = "field_confirm"
)

// InterventionStatus is the intervention lifecycle state.
type InterventionStatus string

const (
	InterventionPending   InterventionStatus = "pending"
	InterventionResolved  InterventionStatus = "resolved"
	InterventionCancelled InterventionStatus = "cancelled"
)

// Priority orders pending interventions for operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Intervention is a paused-run hook awaiting an external actor.
type Intervention struct {
	ID         uuid.UUID          `json:"id"`
	RunID      uuid.UUID          `json:"run_id"`
	Type       InterventionType   `json:"type"`
	Reason     string             `json:"reason"`
	Priority   Priority           `json:"priority"`
	Status     InterventionStatus `json:"status"`
	Payload    map[string]any     `json:"payload,omitempty"`
	Resolution map[string]any     `json:"resolution,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}
