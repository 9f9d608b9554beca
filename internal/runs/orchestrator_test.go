package runs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"harvester/internal/engine"
	"harvester/internal/escalate"
	"harvester/internal/events"
	"harvester/internal/model"
	"harvester/internal/session"
	"harvester/internal/typer"
)

const productPage = `<!DOCTYPE html>
<html><body>
  <h1 class="name">Widget Pro</h1>
  <span class="price">$1,299.99</span>
</body></html>`

const emptyShell = `<!DOCTYPE html>
<html><body><div id="app"></div></body></html>`

const listingPage = `<!DOCTYPE html>
<html><body>
  <ul class="items">
    <li><a href="/item/1">one</a></li>
    <li><a href="/item/2">two</a></li>
    <li><a href="/item/1">one again</a></li>
  </ul>
</body></html>`

// fakeStore keeps everything in memory and lets tests flip the run status
// mid-flight to exercise cancellation.
type fakeStore struct {
	mu sync.Mutex

	job  *model.Job
	maps []model.FieldMap
	run  *model.Run

	status      model.RunStatus
	cancelAfter int // status polls before the status reads cancelled; 0 = never

	polls         int
	records       []model.Record
	interventions []*model.Intervention
	resolved      *model.Intervention
	finished      *model.Run
}

func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeStore) ListFieldMaps(ctx context.Context, jobID uuid.UUID) ([]model.FieldMap, error) {
	return f.maps, nil
}

func (f *fakeStore) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	cp := *f.run
	return &cp, nil
}

func (f *fakeStore) GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.cancelAfter > 0 && f.polls > f.cancelAfter {
		f.status = model.RunCancelled
	}
	return f.status, nil
}

func (f *fakeStore) MarkRunRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != model.RunQueued && f.status != model.RunWaitingForHuman {
		return false, nil
	}
	f.status = model.RunRunning
	return true, nil
}

func (f *fakeStore) SaveRunProgress(ctx context.Context, r *model.Run) error { return nil }

func (f *fakeStore) FinishRun(ctx context.Context, r *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.finished = &cp
	f.status = r.Status
	return nil
}

func (f *fakeStore) InsertRecords(ctx context.Context, records []model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeStore) CreateIntervention(ctx context.Context, iv *model.Intervention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interventions = append(f.interventions, iv)
	return nil
}

func (f *fakeStore) LatestResolvedIntervention(ctx context.Context, runID uuid.UUID) (*model.Intervention, error) {
	return f.resolved, nil
}

// fakeEmitter records emitted event types in order.
type fakeEmitter struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeEmitter) Emit(ctx context.Context, ev events.Event, level model.EventLevel, message string) {
	f.mu.Lock()
	f.types = append(f.types, ev.Type)
	f.mu.Unlock()
}

func (f *fakeEmitter) Forget(runID uuid.UUID) {}

func (f *fakeEmitter) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// fakeExec serves scripted results: per-URL overrides first, then a
// sequence that repeats its last entry.
type fakeExec struct {
	tier    model.Tier
	byURL   map[string]*engine.Result
	seq     []*engine.Result
	i       int
	fetches []string
}

func (f *fakeExec) Tier() model.Tier { return f.tier }

func (f *fakeExec) Fetch(ctx context.Context, req engine.Request) (*engine.Result, error) {
	f.fetches = append(f.fetches, req.URL)
	if r, ok := f.byURL[req.URL]; ok {
		out := *r
		return &out, nil
	}
	r := f.seq[f.i]
	if f.i < len(f.seq)-1 {
		f.i++
	}
	out := *r
	return &out, nil
}

func okResult(tier model.Tier, body string, extra ...model.Signal) *engine.Result {
	return &engine.Result{
		Status:   200,
		Body:     body,
		FinalURL: "https://shop.example/widget",
		Engine:   tier,
		Signals:  append([]model.Signal{model.SignalOK}, extra...),
	}
}

func testJob(mode model.EngineMode) *model.Job {
	return &model.Job{
		ID:         uuid.New(),
		TargetURL:  "https://shop.example/widget",
		Fields:     []string{"name", "price"},
		CrawlMode:  model.CrawlSingle,
		EngineMode: mode,
		CreatedAt:  time.Now().UTC(),
	}
}

func testMaps(jobID uuid.UUID) []model.FieldMap {
	return []model.FieldMap{
		{JobID: jobID, FieldName: "name", Selector: model.SelectorSpec{Selector: "h1.name"}, FieldType: typer.TypeString, Rules: typer.Rules{Required: true}},
		{JobID: jobID, FieldName: "price", Selector: model.SelectorSpec{Selector: ".price"}, FieldType: typer.TypeMoney},
	}
}

func testRun(jobID uuid.UUID) *model.Run {
	return &model.Run{
		ID:          uuid.New(),
		JobID:       jobID,
		Status:      model.RunQueued,
		MaxAttempts: 5,
		CreatedAt:   time.Now().UTC(),
	}
}

func newTestOrchestrator(fs *fakeStore, execs map[model.Tier]engine.Executor) (*Orchestrator, *fakeEmitter, *[]time.Duration) {
	emitter := &fakeEmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(Config{
		BackoffBase:      time.Millisecond,
		BackoffCap:       2 * time.Millisecond,
		SnapshotMaxBytes: 4096,
	}, fs, emitter, escalate.NewPlanner(nil), execs, nil, nil, logger)
	var sleeps []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) { sleeps = append(sleeps, d) }
	return o, emitter, &sleeps
}

func TestExecuteEscalatesToBrowserAndCommits(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	execs := map[model.Tier]engine.Executor{
		model.TierHTTP:    &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{okResult(model.TierHTTP, emptyShell, model.SignalJSRequired)}},
		model.TierBrowser: &fakeExec{tier: model.TierBrowser, seq: []*engine.Result{okResult(model.TierBrowser, productPage)}},
	}
	o, emitter, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run not completed: %+v", fs.finished)
	}
	if len(fs.records) != 1 {
		t.Fatalf("records = %d, want 1", len(fs.records))
	}
	if fs.records[0].Data["name"] != "Widget Pro" {
		t.Fatalf("name = %v", fs.records[0].Data["name"])
	}
	if len(fs.finished.EngineAttempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(fs.finished.EngineAttempts))
	}
	if fs.finished.Stats.EngineUsed != "browser" {
		t.Fatalf("engine_used = %s", fs.finished.Stats.EngineUsed)
	}
	if !emitter.has(events.RunCompleted) {
		t.Fatalf("missing run.completed, events = %v", emitter.types)
	}
}

func TestExecuteHardBlockEndsInIntervention(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	blocked := &engine.Result{Status: 403, Engine: model.TierBrowser, Signals: []model.Signal{model.SignalHardBlock, model.SignalBlocked}, Body: "<html>denied</html>"}
	providerBlocked := &engine.Result{Status: 451, Engine: model.TierProvider, Signals: []model.Signal{model.SignalHardBlock}, Terminal: true, Cost: 1}

	execs := map[model.Tier]engine.Executor{
		model.TierHTTP:     &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{okResult(model.TierHTTP, emptyShell, model.SignalJSRequired)}},
		model.TierBrowser:  &fakeExec{tier: model.TierBrowser, seq: []*engine.Result{blocked}},
		model.TierProvider: &fakeExec{tier: model.TierProvider, seq: []*engine.Result{providerBlocked}},
	}
	o, emitter, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunWaitingForHuman {
		t.Fatalf("run status = %+v, want waiting_for_human", fs.finished)
	}
	if len(fs.interventions) != 1 {
		t.Fatalf("interventions = %d, want 1", len(fs.interventions))
	}
	iv := fs.interventions[0]
	if iv.Type != model.InterventionManualAccess {
		t.Fatalf("intervention type = %s", iv.Type)
	}
	if fs.finished.Stats.InterventionID != iv.ID.String() {
		t.Fatalf("run not linked to intervention: %q", fs.finished.Stats.InterventionID)
	}
	if fs.finished.Stats.TotalCost != 1 {
		t.Fatalf("total cost = %v, want 1", fs.finished.Stats.TotalCost)
	}
	if !emitter.has(events.InterventionCreated) {
		t.Fatalf("missing intervention.created, events = %v", emitter.types)
	}
}

func TestExecuteNoProviderKeyIntervenes(t *testing.T) {
	job := testJob(model.ModeProvider)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	execs := map[model.Tier]engine.Executor{
		model.TierProvider: &fakeExec{tier: model.TierProvider, seq: []*engine.Result{
			{Engine: model.TierProvider, Signals: []model.Signal{model.SignalNoProviderKey}},
		}},
	}
	o, _, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunWaitingForHuman {
		t.Fatalf("run status = %+v, want waiting_for_human", fs.finished)
	}
	if len(fs.interventions) != 1 || fs.interventions[0].Type != model.InterventionManualAccess {
		t.Fatalf("interventions = %+v", fs.interventions)
	}
}

func TestExecuteFixedModeNeverEscalates(t *testing.T) {
	job := testJob(model.ModeHTTP)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	httpExec := &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{okResult(model.TierHTTP, emptyShell, model.SignalJSRequired)}}
	execs := map[model.Tier]engine.Executor{model.TierHTTP: httpExec}
	o, emitter, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunFailed {
		t.Fatalf("run status = %+v, want failed", fs.finished)
	}
	if fs.finished.FailureCode != model.FailExtractionEmpty {
		t.Fatalf("failure_code = %s, want extraction_empty", fs.finished.FailureCode)
	}
	if len(httpExec.fetches) != 1 {
		t.Fatalf("fetches = %d, want 1 (no escalation in fixed mode)", len(httpExec.fetches))
	}
	if !emitter.has(events.RunFailed) {
		t.Fatalf("missing run.failed, events = %v", emitter.types)
	}
}

func TestExecuteTimeoutRetriesWithBackoff(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	timeoutRes := &engine.Result{Engine: model.TierHTTP, Signals: []model.Signal{model.SignalTimeout}}
	execs := map[model.Tier]engine.Executor{
		model.TierHTTP: &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{
			timeoutRes,
			okResult(model.TierHTTP, productPage),
		}},
	}
	o, _, sleeps := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run status = %+v, want completed", fs.finished)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("backoff sleeps = %d, want 1", len(*sleeps))
	}
	if len(fs.finished.EngineAttempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(fs.finished.EngineAttempts))
	}
}

func TestExecuteCancelledStopsWithoutFinish(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued, cancelAfter: 1}

	// Executor keeps timing out; without the cancel this would loop.
	execs := map[model.Tier]engine.Executor{
		model.TierHTTP: &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{
			{Engine: model.TierHTTP, Signals: []model.Signal{model.SignalTimeout}},
		}},
	}
	o, emitter, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished != nil {
		t.Fatalf("cancelled run was finished: %+v", fs.finished)
	}
	if emitter.has(events.RunCompleted) || emitter.has(events.RunFailed) {
		t.Fatalf("terminal event after cancel, events = %v", emitter.types)
	}
}

func TestExecuteSkipsTerminalRun(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	run.Status = model.RunCompleted
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunCompleted}

	httpExec := &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{okResult(model.TierHTTP, productPage)}}
	o, _, _ := newTestOrchestrator(fs, map[model.Tier]engine.Executor{model.TierHTTP: httpExec})

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if len(httpExec.fetches) != 0 {
		t.Fatalf("terminal run still fetched %d times", len(httpExec.fetches))
	}
}

func TestExecuteListModeCommitsPerPage(t *testing.T) {
	job := testJob(model.ModeAuto)
	job.CrawlMode = model.CrawlList
	job.ListConfig = &model.ListConfig{ItemLinksSelector: "ul.items li a", MaxPages: 2}
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	listing := okResult(model.TierHTTP, listingPage)
	item1 := okResult(model.TierHTTP, productPage)
	item1.FinalURL = "https://shop.example/item/1"
	item2 := okResult(model.TierHTTP, `<html><body><h1 class="name">Widget Mini</h1><span class="price">$9.99</span></body></html>`)
	item2.FinalURL = "https://shop.example/item/2"

	execs := map[model.Tier]engine.Executor{
		model.TierHTTP: &fakeExec{
			tier: model.TierHTTP,
			seq:  []*engine.Result{listing},
			byURL: map[string]*engine.Result{
				"https://shop.example/item/1": item1,
				"https://shop.example/item/2": item2,
			},
		},
	}
	o, _, _ := newTestOrchestrator(fs, execs)

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run status = %+v, want completed", fs.finished)
	}
	// Duplicate link collapses to two distinct items.
	if len(fs.records) != 2 {
		t.Fatalf("records = %d, want 2", len(fs.records))
	}
	if fs.finished.Stats.ItemsExtracted != 2 {
		t.Fatalf("items_extracted = %d, want 2", fs.finished.Stats.ItemsExtracted)
	}
	names := map[any]bool{}
	for _, r := range fs.records {
		names[r.Data["name"]] = true
	}
	if !names["Widget Pro"] || !names["Widget Mini"] {
		t.Fatalf("unexpected record names: %v", names)
	}
}

func TestExecuteListModeMaxItemsZeroCompletesWithoutRecords(t *testing.T) {
	job := testJob(model.ModeAuto)
	job.CrawlMode = model.CrawlList
	zero := 0
	job.ListConfig = &model.ListConfig{ItemLinksSelector: "ul.items li a", MaxItems: &zero}
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	httpExec := &fakeExec{
		tier: model.TierHTTP,
		seq:  []*engine.Result{okResult(model.TierHTTP, listingPage)},
		byURL: map[string]*engine.Result{
			"https://shop.example/item/1": okResult(model.TierHTTP, productPage),
			"https://shop.example/item/2": okResult(model.TierHTTP, productPage),
		},
	}
	o, emitter, _ := newTestOrchestrator(fs, map[model.Tier]engine.Executor{model.TierHTTP: httpExec})

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run status = %+v, want completed", fs.finished)
	}
	if len(fs.records) != 0 {
		t.Fatalf("records = %d, want 0", len(fs.records))
	}
	// Only the list page itself; no detail crawling.
	if len(httpExec.fetches) != 1 {
		t.Fatalf("fetches = %v, want the list page only", httpExec.fetches)
	}
	if fs.finished.Stats.ItemsExtracted != 0 {
		t.Fatalf("items_extracted = %d, want 0", fs.finished.Stats.ItemsExtracted)
	}
	if emitter.has(events.RunFailed) || emitter.has(events.InterventionCreated) {
		t.Fatalf("empty capped crawl escalated, events = %v", emitter.types)
	}
}

func TestExecuteListModeAbsentMaxItemsUsesDefaultCap(t *testing.T) {
	job := testJob(model.ModeAuto)
	job.CrawlMode = model.CrawlList
	job.ListConfig = &model.ListConfig{ItemLinksSelector: "ul.items li a"}
	run := testRun(job.ID)
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}

	item2 := okResult(model.TierHTTP, `<html><body><h1 class="name">Widget Mini</h1><span class="price">$9.99</span></body></html>`)
	item2.FinalURL = "https://shop.example/item/2"
	httpExec := &fakeExec{
		tier: model.TierHTTP,
		seq:  []*engine.Result{okResult(model.TierHTTP, listingPage)},
		byURL: map[string]*engine.Result{
			"https://shop.example/item/1": okResult(model.TierHTTP, productPage),
			"https://shop.example/item/2": item2,
		},
	}
	o, _, _ := newTestOrchestrator(fs, map[model.Tier]engine.Executor{model.TierHTTP: httpExec})
	o.cfg.ListMaxItems = 1

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run status = %+v, want completed", fs.finished)
	}
	if len(fs.records) != 1 {
		t.Fatalf("records = %d, want 1 (default cap)", len(fs.records))
	}
	// List page plus exactly one detail page.
	if len(httpExec.fetches) != 2 {
		t.Fatalf("fetches = %v, want list page + one item", httpExec.fetches)
	}
}

func TestExecuteResumeSeedsSessionFromResolution(t *testing.T) {
	job := testJob(model.ModeAuto)
	run := testRun(job.ID)
	// A requeued run arrives with its prior attempt log intact.
	run.EngineAttempts = []model.EngineAttempt{{Tier: model.TierBrowser, Outcome: "intervene"}}
	fs := &fakeStore{job: job, maps: testMaps(job.ID), run: run, status: model.RunQueued}
	fs.resolved = &model.Intervention{
		ID:     uuid.New(),
		RunID:  run.ID,
		Type:   model.InterventionLoginRefresh,
		Status: model.InterventionResolved,
		Resolution: map[string]any{
			"session": map[string]any{
				"cookies": []any{
					map[string]any{"name": "sid", "value": "abc123", "domain": "shop.example"},
				},
			},
		},
	}

	execs := map[model.Tier]engine.Executor{
		model.TierHTTP: &fakeExec{tier: model.TierHTTP, seq: []*engine.Result{okResult(model.TierHTTP, productPage)}},
	}
	emitter := &fakeEmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := session.NewManager(session.Config{}, logger)
	o := New(Config{
		BackoffBase:      time.Millisecond,
		BackoffCap:       2 * time.Millisecond,
		SnapshotMaxBytes: 4096,
	}, fs, emitter, escalate.NewPlanner(nil), execs, pool, nil, logger)
	o.sleep = func(ctx context.Context, d time.Duration) {}

	if err := o.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if fs.finished == nil || fs.finished.Status != model.RunCompleted {
		t.Fatalf("run status = %+v, want completed", fs.finished)
	}
	s := pool.Acquire(job.Domain(), "default")
	if s == nil {
		t.Fatal("resolution session was not seeded into the pool")
	}
	if len(s.State.Cookies) != 1 || s.State.Cookies[0].Name != "sid" {
		t.Fatalf("seeded cookies = %+v", s.State.Cookies)
	}
}

func TestResolveProfileOverlaysJobFields(t *testing.T) {
	fs := &fakeStore{}
	o, _, _ := newTestOrchestrator(fs, nil)
	o.cfg.DefaultProfile = model.BrowserProfile{UserAgent: "ua-default", Locale: "en-US", Timezone: "UTC", ViewportWidth: 1280, ViewportHeight: 800}

	job := testJob(model.ModeAuto)
	job.BrowserProfile = &model.BrowserProfile{Locale: "de-DE", ViewportWidth: 1440}
	p := o.resolveProfile(job)
	if p.Locale != "de-DE" || p.ViewportWidth != 1440 {
		t.Fatalf("overrides not applied: %+v", p)
	}
	if p.UserAgent != "ua-default" || p.Timezone != "UTC" || p.ViewportHeight != 800 {
		t.Fatalf("defaults not preserved: %+v", p)
	}
}
