package http

import (
	"harvester/internal/model"
	"harvester/internal/typer"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// CreateJobRequest is the POST /v1/jobs input shape.
type CreateJobRequest struct {
	TargetURL      string                `json:"target_url"`
	Fields         []string              `json:"fields"`
	CrawlMode      string                `json:"crawl_mode,omitempty"`
	ListConfig     *model.ListConfig     `json:"list_config,omitempty"`
	RequiresAuth   bool                  `json:"requires_auth,omitempty"`
	EngineMode     string                `json:"engine_mode,omitempty"`
	BrowserProfile *model.BrowserProfile `json:"browser_profile,omitempty"`
	StrategyHint   string                `json:"strategy_hint,omitempty"`
}

// JobResponse wraps a created or fetched job.
type JobResponse struct {
	Success bool       `json:"success"`
	Job     *model.Job `json:"job,omitempty"`
}

// JobListResponse wraps the job listing.
type JobListResponse struct {
	Success bool         `json:"success"`
	Jobs    []*model.Job `json:"jobs"`
}

// FieldMapRequest is the PUT /v1/jobs/:id/fields/:name input shape.
type FieldMapRequest struct {
	Selector  model.SelectorSpec `json:"selector_spec"`
	FieldType string             `json:"field_type"`
	Options   typer.Options      `json:"smart_config,omitempty"`
	Rules     typer.Rules        `json:"validation_rules,omitempty"`
}

// FieldMapResponse wraps one saved field mapping.
type FieldMapResponse struct {
	Success  bool            `json:"success"`
	FieldMap *model.FieldMap `json:"field_map,omitempty"`
}

// FieldMapListResponse wraps a job's mappings.
type FieldMapListResponse struct {
	Success   bool             `json:"success"`
	FieldMaps []model.FieldMap `json:"field_maps"`
}

// StartRunRequest is the POST /v1/jobs/:id/runs input shape.
type StartRunRequest struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// RunResponse wraps one run.
type RunResponse struct {
	Success bool       `json:"success"`
	Run     *model.Run `json:"run,omitempty"`
}

// RunListResponse wraps a job's runs.
type RunListResponse struct {
	Success bool         `json:"success"`
	Runs    []*model.Run `json:"runs"`
}

// RecordListResponse wraps a run's extracted records.
type RecordListResponse struct {
	Success bool           `json:"success"`
	Total   int            `json:"total"`
	Records []model.Record `json:"records"`
}

// EventListResponse wraps a run's event log.
type EventListResponse struct {
	Success bool             `json:"success"`
	Events  []model.RunEvent `json:"events"`
}

// InterventionListResponse wraps the pending intervention queue.
type InterventionListResponse struct {
	Success       bool                  `json:"success"`
	Interventions []*model.Intervention `json:"interventions"`
}

// ResolveInterventionRequest carries the operator's resolution payload.
// Session material under "session" is loaded into the pool before the run
// resumes.
type ResolveInterventionRequest struct {
	Resolution map[string]any `json:"resolution,omitempty"`
}

// InterventionResponse wraps one intervention.
type InterventionResponse struct {
	Success      bool                `json:"success"`
	Intervention *model.Intervention `json:"intervention,omitempty"`
}
