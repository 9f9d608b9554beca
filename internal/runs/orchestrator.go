// Package runs drives job executions end to end: it consumes queued run
// tasks, walks the escalation ladder, extracts and persists records, and is
// the only writer of run state transitions.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"harvester/internal/engine"
	"harvester/internal/escalate"
	"harvester/internal/events"
	"harvester/internal/extract"
	"harvester/internal/intervene"
	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/robots"
	"harvester/internal/session"
	"harvester/internal/typer"
)

// Storage is the slice of the store the orchestrator uses. Narrow on
// purpose so tests can fake persistence.
type Storage interface {
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	ListFieldMaps(ctx context.Context, jobID uuid.UUID) ([]model.FieldMap, error)
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error)
	MarkRunRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	SaveRunProgress(ctx context.Context, r *model.Run) error
	FinishRun(ctx context.Context, r *model.Run) error
	InsertRecords(ctx context.Context, records []model.Record) error
	CreateIntervention(ctx context.Context, iv *model.Intervention) error
	LatestResolvedIntervention(ctx context.Context, runID uuid.UUID) (*model.Intervention, error)
}

// EventSink is the emitter surface the orchestrator publishes through.
type EventSink interface {
	Emit(ctx context.Context, ev events.Event, level model.EventLevel, message string)
	Forget(runID uuid.UUID)
}

// Config carries the orchestrator's tuning knobs.
type Config struct {
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	ProviderCreditsCap float64
	ListMaxPages       int
	ListMaxItems       int
	SnapshotMaxBytes   int
	DefaultProfile     model.BrowserProfile
	AcceptLanguage     string
}

func (c *Config) defaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.ListMaxPages <= 0 {
		c.ListMaxPages = 10
	}
	if c.ListMaxItems <= 0 {
		c.ListMaxItems = 100
	}
}

// Orchestrator executes runs.
type Orchestrator struct {
	cfg       Config
	st        Storage
	emitter   EventSink
	planner   *escalate.Planner
	executors map[model.Tier]engine.Executor
	sessions  *session.Manager
	robots    *robots.Gate
	logger    *slog.Logger

	// sleep is swapped in tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration)
}

// New wires the orchestrator.
func New(cfg Config, st Storage, emitter EventSink, planner *escalate.Planner,
	executors map[model.Tier]engine.Executor, sessions *session.Manager,
	gate *robots.Gate, logger *slog.Logger) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:       cfg,
		st:        st,
		emitter:   emitter,
		planner:   planner,
		executors: executors,
		sessions:  sessions,
		robots:    gate,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// backoff returns the wait before retry n (1-based): base * 3^(n-1), capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(float64(o.cfg.BackoffBase) * math.Pow(3, float64(attempt-1)))
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	return d
}

// cancelled polls the run's stored status so an external cancel takes effect
// between steps.
func (o *Orchestrator) cancelled(ctx context.Context, runID uuid.UUID) bool {
	status, err := o.st.GetRunStatus(ctx, runID)
	if err != nil {
		return false
	}
	return status == model.RunCancelled
}

// Execute runs one queued task to a terminal or paused state. It returns an
// error only for infrastructure failures; run-level failures are persisted,
// not returned.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := o.st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		o.logger.Debug("skipping terminal run", "run_id", runID, "status", run.Status)
		return nil
	}
	job, err := o.st.GetJob(ctx, run.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	maps, err := o.st.ListFieldMaps(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load field maps: %w", err)
	}

	// A run with prior attempts was requeued after an intervention; fresh
	// runs arrive with an empty attempt log.
	resuming := len(run.EngineAttempts) > 0
	started, err := o.st.MarkRunRunning(ctx, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if !started {
		o.logger.Info("run not startable, dropping task", "run_id", runID)
		return nil
	}
	if resuming {
		o.seedSessionFromResolution(ctx, run, job)
	}

	o.emitter.Emit(ctx, events.Event{
		Type:      events.RunStarted,
		RunID:     run.ID,
		JobID:     job.ID,
		TargetURL: job.TargetURL,
	}, model.LevelInfo, "run started")

	o.loop(ctx, run, job, maps)
	o.emitter.Forget(run.ID)
	return nil
}

// loop is the attempt state machine.
func (o *Orchestrator) loop(ctx context.Context, run *model.Run, job *model.Job, maps []model.FieldMap) {
	state := escalate.NewState(job.EngineMode, run.MaxAttempts, o.cfg.ProviderCreditsCap)
	// Resumed runs keep their attempt history against the budget.
	state.Attempts = len(run.EngineAttempts)
	tier := o.planner.FirstTier(job)
	startedAt := time.Now()

	for {
		if o.cancelled(ctx, run.ID) || ctx.Err() != nil {
			o.logger.Info("run cancelled", "run_id", run.ID)
			return
		}

		o.emitter.Emit(ctx, events.Event{
			Type:    events.RunProgress,
			RunID:   run.ID,
			Attempt: state.Attempts + 1,
			Tier:    string(tier),
		}, model.LevelInfo, fmt.Sprintf("attempt %d on %s", state.Attempts+1, tier))

		att := o.attempt(ctx, run, job, maps, tier)
		if att.externallyCancelled {
			o.logger.Info("run cancelled mid-fetch", "run_id", run.ID)
			return
		}

		verdict := o.planner.Decide(state, tier, att.signals, att.cost,
			att.reusedSession, att.terminal)

		if model.HasSignal(att.signals, model.SignalHardBlock) {
			o.planner.RecordHardBlock(job.Domain())
		}
		if verdict.MarkSessionFailure && o.sessions != nil {
			o.sessions.MarkFailure(job.Domain(), "")
		}

		entry := model.EngineAttempt{
			Tier:      tier,
			StartedAt: att.startedAt,
			EndedAt:   att.endedAt,
			Outcome:   string(verdict.Decision),
			Signals:   att.signals,
			Cost:      att.cost,
			Error:     att.errMessage,
		}
		run.EngineAttempts = append(run.EngineAttempts, entry)
		run.Attempt = state.Attempts
		run.ResolvedStrategy = string(tier)
		run.Stats.PagesFetched += att.pagesFetched
		run.Stats.TotalCost += att.cost
		run.Stats.EngineUsed = string(tier)
		if att.errMessage != "" {
			run.Stats.LastErrorMessage = att.errMessage
		}
		if err := o.st.SaveRunProgress(ctx, run); err != nil {
			o.logger.Error("progress save failed", "run_id", run.ID, "error", err)
		}
		metrics.RecordAttempt(string(tier), string(verdict.Decision))

		switch verdict.Decision {
		case escalate.Commit:
			o.commit(ctx, run, job, att)
			return
		case escalate.RetrySame:
			wait := o.backoff(state.Attempts)
			o.logger.Info("retrying attempt", "run_id", run.ID, "tier", tier, "backoff", wait, "reason", verdict.Reason)
			o.sleep(ctx, wait)
		case escalate.Escalate:
			o.logger.Info("escalating", "run_id", run.ID, "from", tier, "to", verdict.NextTier, "reason", verdict.Reason)
			tier = verdict.NextTier
		case escalate.Intervene:
			o.intervene(ctx, run, job, att, verdict)
			return
		case escalate.Fail:
			o.fail(ctx, run, verdict, startedAt)
			return
		}
	}
}

// attemptResult is everything one executor invocation produced.
type attemptResult struct {
	signals             []model.Signal
	cost                float64
	status              int
	body                string
	finalURL            string
	records             []model.Record
	committed           int
	pagesFetched        int
	reusedSession       bool
	terminal            bool
	errMessage          string
	externallyCancelled bool
	startedAt           time.Time
	endedAt             time.Time
}

// typerContext resolves the typing context from the job's profile.
func (o *Orchestrator) typerContext(job *model.Job) typer.Context {
	profile := o.resolveProfile(job)
	return typer.Context{
		BaseURL:  job.TargetURL,
		Locale:   profile.Locale,
		Timezone: profile.Timezone,
	}
}

// resolveProfile overlays the job's browser profile on the configured
// default, field by field.
func (o *Orchestrator) resolveProfile(job *model.Job) model.BrowserProfile {
	p := o.cfg.DefaultProfile
	if job.BrowserProfile == nil {
		return p
	}
	jp := job.BrowserProfile
	if jp.UserAgent != "" {
		p.UserAgent = jp.UserAgent
	}
	if jp.ViewportWidth > 0 {
		p.ViewportWidth = jp.ViewportWidth
	}
	if jp.ViewportHeight > 0 {
		p.ViewportHeight = jp.ViewportHeight
	}
	if jp.Locale != "" {
		p.Locale = jp.Locale
	}
	if jp.Timezone != "" {
		p.Timezone = jp.Timezone
	}
	if jp.ColorScheme != "" {
		p.ColorScheme = jp.ColorScheme
	}
	return p
}

// attempt performs one fetch-and-extract cycle on the given tier. Internal
// panics and executor errors become unknown signals; the state machine stays
// the only decision maker.
func (o *Orchestrator) attempt(ctx context.Context, run *model.Run, job *model.Job, maps []model.FieldMap, tier model.Tier) (att attemptResult) {
	att.startedAt = time.Now().UTC()
	defer func() {
		att.endedAt = time.Now().UTC()
		if r := recover(); r != nil {
			o.logger.Error("attempt panicked", "run_id", run.ID, "tier", tier, "panic", r)
			att.signals = []model.Signal{model.SignalUnknown}
			att.errMessage = fmt.Sprintf("internal error: %v", r)
		}
	}()

	exec, ok := o.executors[tier]
	if !ok {
		att.signals = []model.Signal{model.SignalUnknown}
		att.errMessage = fmt.Sprintf("no executor for tier %s", tier)
		return att
	}

	req := engine.Request{
		URL:            job.TargetURL,
		Profile:        o.resolveProfile(job),
		AcceptLanguage: o.cfg.AcceptLanguage,
	}
	res, err := exec.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil || o.cancelled(ctx, run.ID) {
			att.externallyCancelled = true
			return att
		}
		o.logger.Error("executor failed", "run_id", run.ID, "tier", tier, "error", err)
		att.signals = []model.Signal{model.SignalUnknown}
		att.errMessage = err.Error()
		return att
	}

	att.signals = res.Signals
	att.cost = res.Cost
	att.status = res.Status
	att.body = res.Body
	att.finalURL = res.FinalURL
	att.reusedSession = res.SessionReused
	att.terminal = res.Terminal

	if res.Blocked() || !model.HasSignal(res.Signals, model.SignalOK) {
		att.errMessage = fmt.Sprintf("fetch ended with %v", res.Signals)
		return att
	}

	switch job.CrawlMode {
	case model.CrawlList:
		o.extractList(ctx, run, job, maps, exec, res, &att)
	default:
		o.extractSingle(run, job, maps, res, &att)
	}
	return att
}

// extractSingle evaluates selectors at the document root, producing at most
// one record.
func (o *Orchestrator) extractSingle(run *model.Run, job *model.Job, maps []model.FieldMap, res *engine.Result, att *attemptResult) {
	att.pagesFetched++
	doc, err := extract.Parse(res.Body, res.FinalURL)
	if err != nil {
		att.signals = []model.Signal{model.SignalBadResponse}
		att.errMessage = "unparseable document"
		return
	}
	data, evidence, resolved := extract.ExtractRecord(doc, maps, o.typerContext(job))
	if resolved == 0 || !extract.RequiredSatisfied(maps, data) {
		att.signals = append(att.signals, model.SignalExtractionEmpty)
		att.errMessage = "no declared field resolved"
		return
	}
	att.records = append(att.records, model.Record{
		ID:    uuid.New(),
		RunID: run.ID,
		Data:  data, Evidence: evidence,
		Meta: model.RecordMeta{
			URL:        res.FinalURL,
			Engine:     string(res.Engine),
			FetchedAt:  time.Now().UTC(),
			HTTPStatus: res.Status,
		},
		CreatedAt: time.Now().UTC(),
	})
}

// extractList walks item links page by page, committing each page's records
// immediately so completed pages survive a later failure.
func (o *Orchestrator) extractList(ctx context.Context, run *model.Run, job *model.Job, maps []model.FieldMap, exec engine.Executor, first *engine.Result, att *attemptResult) {
	lc := job.ListConfig
	maxPages := lc.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.ListMaxPages
	}
	// Absent max_items falls back to the configured cap; an explicit 0 means
	// crawl the list page only and emit no detail records.
	maxItems := o.cfg.ListMaxItems
	if lc.MaxItems != nil {
		maxItems = *lc.MaxItems
	}

	seen := map[string]struct{}{}
	dedup := map[string]struct{}{}
	tctx := o.typerContext(job)
	res := first
	totalItems := 0

	for page := 1; page <= maxPages; page++ {
		att.pagesFetched++
		doc, err := extract.Parse(res.Body, res.FinalURL)
		if err != nil {
			att.signals = []model.Signal{model.SignalBadResponse}
			att.errMessage = "unparseable list page"
			return
		}

		var pageRecords []model.Record
		links := doc.ItemLinks(lc.ItemLinksSelector, 0)
		for _, link := range links {
			if totalItems >= maxItems {
				break
			}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			if o.cancelled(ctx, run.ID) || ctx.Err() != nil {
				att.externallyCancelled = true
				return
			}
			if o.robots != nil && !o.robots.Allowed(ctx, link) {
				o.logger.Debug("robots disallowed", "url", link)
				continue
			}

			detail, err := exec.Fetch(ctx, engine.Request{
				URL:            link,
				Profile:        o.resolveProfile(job),
				AcceptLanguage: o.cfg.AcceptLanguage,
			})
			if err != nil {
				if ctx.Err() != nil {
					att.externallyCancelled = true
					return
				}
				o.logger.Warn("detail fetch failed", "url", link, "error", err)
				continue
			}
			att.cost += detail.Cost
			if detail.Blocked() || !model.HasSignal(detail.Signals, model.SignalOK) {
				o.logger.Warn("detail fetch blocked", "url", link, "signals", detail.Signals)
				continue
			}
			ddoc, err := extract.Parse(detail.Body, detail.FinalURL)
			if err != nil {
				continue
			}
			data, evidence, resolved := extract.ExtractRecord(ddoc, maps, tctx)
			if resolved == 0 || !extract.RequiredSatisfied(maps, data) {
				continue
			}
			key := extract.DedupKey(data)
			if _, dup := dedup[key]; dup {
				continue
			}
			dedup[key] = struct{}{}
			pageRecords = append(pageRecords, model.Record{
				ID:    uuid.New(),
				RunID: run.ID,
				Data:  data, Evidence: evidence,
				Meta: model.RecordMeta{
					URL:        detail.FinalURL,
					Engine:     string(detail.Engine),
					FetchedAt:  time.Now().UTC(),
					HTTPStatus: detail.Status,
				},
				CreatedAt: time.Now().UTC(),
			})
			totalItems++
		}

		if len(pageRecords) > 0 {
			if err := o.st.InsertRecords(ctx, pageRecords); err != nil {
				o.logger.Error("page records insert failed", "run_id", run.ID, "error", err)
			} else {
				att.committed += len(pageRecords)
				metrics.RecordRecords(len(pageRecords))
			}
		}

		if totalItems >= maxItems {
			break
		}
		next := ""
		if lc.PaginationSelector != "" {
			next = doc.NextPage(lc.PaginationSelector)
		}
		if next == "" || page == maxPages {
			break
		}
		if _, dup := seen[next]; dup {
			break
		}
		seen[next] = struct{}{}

		nres, err := exec.Fetch(ctx, engine.Request{
			URL:            next,
			Profile:        o.resolveProfile(job),
			AcceptLanguage: o.cfg.AcceptLanguage,
		})
		if err != nil {
			if ctx.Err() != nil {
				att.externallyCancelled = true
			}
			break
		}
		att.cost += nres.Cost
		if !model.HasSignal(nres.Signals, model.SignalOK) {
			break
		}
		res = nres
	}

	// A zero-record crawl under an explicit max_items=0 is a valid outcome,
	// not an extraction failure.
	if maxItems > 0 && att.committed == 0 && totalItems == 0 {
		att.signals = append(att.signals, model.SignalExtractionEmpty)
		att.errMessage = "list crawl produced no records"
	}
}

// commit finalizes a successful run.
func (o *Orchestrator) commit(ctx context.Context, run *model.Run, job *model.Job, att attemptResult) {
	if len(att.records) > 0 {
		if err := o.st.InsertRecords(ctx, att.records); err != nil {
			o.logger.Error("records insert failed", "run_id", run.ID, "error", err)
			run.Status = model.RunFailed
			run.FailureCode = model.FailUnknown
			run.ErrorMessage = "record persistence failed"
			now := time.Now().UTC()
			run.FinishedAt = &now
			_ = o.st.FinishRun(ctx, run)
			return
		}
		metrics.RecordRecords(len(att.records))
	}

	now := time.Now().UTC()
	run.Status = model.RunCompleted
	run.FinishedAt = &now
	run.Stats.ItemsExtracted = len(att.records) + att.committed
	if run.StartedAt != nil {
		run.Stats.ExecutionTimeS = now.Sub(*run.StartedAt).Seconds()
	}
	run.Stats.LastErrorMessage = ""
	if err := o.st.FinishRun(ctx, run); err != nil {
		o.logger.Error("run finish failed", "run_id", run.ID, "error", err)
		return
	}
	metrics.RecordRun("completed")
	o.emitter.Emit(ctx, events.Event{
		Type:   events.RunCompleted,
		RunID:  run.ID,
		Status: string(run.Status),
		Stats:  &run.Stats,
	}, model.LevelInfo, fmt.Sprintf("run completed with %d records", run.Stats.ItemsExtracted))
	o.logger.Info("run completed", "run_id", run.ID, "records", run.Stats.ItemsExtracted, "engine", run.Stats.EngineUsed)
}

// fail finalizes a terminally failed run.
func (o *Orchestrator) fail(ctx context.Context, run *model.Run, verdict escalate.Verdict, startedAt time.Time) {
	now := time.Now().UTC()
	run.Status = model.RunFailed
	run.FailureCode = verdict.FailureCode
	if run.ErrorMessage == "" {
		run.ErrorMessage = verdict.Reason
	}
	run.Stats.ExecutionTimeS = now.Sub(startedAt).Seconds()
	if run.Stats.LastErrorMessage == "" {
		run.Stats.LastErrorMessage = verdict.Reason
	}
	run.FinishedAt = &now
	if err := o.st.FinishRun(ctx, run); err != nil {
		o.logger.Error("run finish failed", "run_id", run.ID, "error", err)
		return
	}
	metrics.RecordRun("failed")
	o.emitter.Emit(ctx, events.Event{
		Type:         events.RunFailed,
		RunID:        run.ID,
		ErrorMessage: run.Stats.LastErrorMessage,
		FailureCode:  string(run.FailureCode),
	}, model.LevelError, "run failed: "+verdict.Reason)
	o.logger.Warn("run failed", "run_id", run.ID, "failure_code", run.FailureCode, "reason", verdict.Reason)
}

// intervene pauses the run behind a pending intervention.
func (o *Orchestrator) intervene(ctx context.Context, run *model.Run, job *model.Job, att attemptResult, verdict escalate.Verdict) {
	blockRate := 0.0
	if o.sessions != nil {
		blockRate = o.sessions.Stats().CaptchaRate
	}
	cls := intervene.Classify(model.Tier(run.ResolvedStrategy), att.signals, att.status, att.reusedSession, blockRate)
	iv := intervene.New(run.ID, cls, att.body, att.finalURL, o.cfg.SnapshotMaxBytes)
	if err := o.st.CreateIntervention(ctx, iv); err != nil {
		o.logger.Error("intervention create failed", "run_id", run.ID, "error", err)
		o.fail(ctx, run, verdict, att.startedAt)
		return
	}

	run.Status = model.RunWaitingForHuman
	run.Stats.InterventionID = iv.ID.String()
	if err := o.st.FinishRun(ctx, run); err != nil {
		o.logger.Error("run pause failed", "run_id", run.ID, "error", err)
		return
	}
	metrics.RecordIntervention(string(iv.Type))
	o.emitter.Emit(ctx, events.Event{
		Type:             events.InterventionCreated,
		RunID:            run.ID,
		InterventionID:   iv.ID,
		InterventionType: string(iv.Type),
		Reason:           iv.Reason,
		Priority:         string(iv.Priority),
	}, model.LevelWarn, "intervention created: "+iv.Reason)
	o.logger.Warn("run waiting for human", "run_id", run.ID, "intervention", iv.ID, "type", iv.Type)
}

// seedSessionFromResolution loads operator-provided session material into
// the pool before a resumed run re-attempts the fetch.
func (o *Orchestrator) seedSessionFromResolution(ctx context.Context, run *model.Run, job *model.Job) {
	if o.sessions == nil {
		return
	}
	iv, err := o.st.LatestResolvedIntervention(ctx, run.ID)
	if err != nil || iv == nil || iv.Resolution == nil {
		return
	}
	raw, ok := iv.Resolution["session"]
	if !ok {
		return
	}
	state, err := session.StateFromAny(raw)
	if err != nil {
		o.logger.Warn("intervention session payload invalid", "run_id", run.ID, "error", err)
		return
	}
	o.sessions.Put(session.Session{
		Domain:  job.Domain(),
		ProxyID: "default",
		State:   *state,
	})
	o.logger.Info("session seeded from intervention", "run_id", run.ID, "domain", job.Domain())
}
