package escalate

import (
	"testing"

	"github.com/google/uuid"

	"harvester/internal/model"
)

func autoJob(requiresAuth bool) *model.Job {
	return &model.Job{
		ID:           uuid.New(),
		TargetURL:    "https://shop.example/items",
		Fields:       []string{"title"},
		CrawlMode:    model.CrawlSingle,
		EngineMode:   model.ModeAuto,
		RequiresAuth: requiresAuth,
	}
}

func TestFirstTierByMode(t *testing.T) {
	p := NewPlanner(nil)
	cases := []struct {
		mode model.EngineMode
		want model.Tier
	}{
		{model.ModeAuto, model.TierHTTP},
		{model.ModeHTTP, model.TierHTTP},
		{model.ModeBrowser, model.TierBrowser},
		{model.ModeProvider, model.TierProvider},
	}
	for _, tc := range cases {
		j := autoJob(false)
		j.EngineMode = tc.mode
		if got := p.FirstTier(j); got != tc.want {
			t.Errorf("mode %s: first tier = %s, want %s", tc.mode, got, tc.want)
		}
	}
}

func TestFirstTierAuthSkipsToBrowser(t *testing.T) {
	p := NewPlanner(nil)
	if got := p.FirstTier(autoJob(true)); got != model.TierBrowser {
		t.Fatalf("requires_auth first tier = %s, want browser", got)
	}
}

func TestFirstTierHostileDomain(t *testing.T) {
	tracker := NewHostileTracker(3)
	p := NewPlanner(tracker)
	j := autoJob(false)

	if got := p.FirstTier(j); got != model.TierHTTP {
		t.Fatalf("clean domain first tier = %s, want http", got)
	}
	for i := 0; i < 3; i++ {
		p.RecordHardBlock(j.Domain())
	}
	if got := p.FirstTier(j); got != model.TierBrowser {
		t.Fatalf("hostile domain first tier = %s, want browser", got)
	}
}

func TestCleanSuccessCommits(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 3, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalOK}, 0, false, false)
	if v.Decision != Commit {
		t.Fatalf("decision = %s, want commit", v.Decision)
	}
}

func TestJSRequiredEscalatesToBrowser(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 3, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalJSRequired, model.SignalExtractionEmpty}, 0, false, false)
	if v.Decision != Escalate || v.NextTier != model.TierBrowser {
		t.Fatalf("verdict = %+v, want escalate to browser", v)
	}
}

func TestBlockedPlusJSRequiredPrefersBrowser(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 3, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalBlocked, model.SignalJSRequired}, 0, false, false)
	if v.Decision != Escalate || v.NextTier != model.TierBrowser {
		t.Fatalf("verdict = %+v, want escalate to browser, not provider", v)
	}
}

func TestExtractionEmptyEscalatesWithoutRequiredFields(t *testing.T) {
	// Declared fields are implicitly desired, so an empty HTTP extraction
	// escalates even when no field map is marked required.
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 3, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalExtractionEmpty}, 0, false, false)
	if v.Decision != Escalate || v.NextTier != model.TierBrowser {
		t.Fatalf("verdict = %+v, want escalate to browser", v)
	}
}

func TestFixedModeNeverEscalates(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeHTTP, 3, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalJSRequired}, 0, false, false)
	if v.Decision != Fail {
		t.Fatalf("decision = %s, want fail in fixed http mode", v.Decision)
	}
	if v.FailureCode != model.FailExtractionEmpty {
		t.Fatalf("failure code = %s, want extraction_empty", v.FailureCode)
	}
}

func TestTimeoutRetriesOnceThenEscalates(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	v := p.Decide(s, model.TierHTTP, []model.Signal{model.SignalTimeout}, 0, false, false)
	if v.Decision != RetrySame {
		t.Fatalf("first timeout decision = %s, want retry", v.Decision)
	}
	v = p.Decide(s, model.TierHTTP, []model.Signal{model.SignalTimeout}, 0, false, false)
	if v.Decision != Escalate || v.NextTier != model.TierBrowser {
		t.Fatalf("second timeout verdict = %+v, want escalate", v)
	}
}

func TestBrowserHardBlockEscalatesToProvider(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	s.noteTier(model.TierHTTP)
	v := p.Decide(s, model.TierBrowser, []model.Signal{model.SignalHardBlock, model.SignalCaptcha}, 0, false, false)
	if v.Decision != Escalate || v.NextTier != model.TierProvider {
		t.Fatalf("verdict = %+v, want escalate to provider", v)
	}
}

func TestBrowserEmptySecondAttemptMarksSession(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	empty := []model.Signal{model.SignalExtractionEmpty}

	v := p.Decide(s, model.TierBrowser, empty, 0, true, false)
	if v.Decision != RetrySame {
		t.Fatalf("first empty browser decision = %s, want retry", v.Decision)
	}
	v = p.Decide(s, model.TierBrowser, empty, 0, true, false)
	if v.Decision != Escalate || v.NextTier != model.TierProvider {
		t.Fatalf("second empty verdict = %+v, want escalate to provider", v)
	}
	if !v.MarkSessionFailure {
		t.Fatal("reused trusted session not marked for failure before provider")
	}
}

func TestProviderTerminalHardBlockIntervenes(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	v := p.Decide(s, model.TierProvider, []model.Signal{model.SignalHardBlock}, 1, false, true)
	if v.Decision != Intervene {
		t.Fatalf("decision = %s, want intervene", v.Decision)
	}
	if v.FailureCode != model.FailHardBlock {
		t.Fatalf("failure code = %s, want hard_block", v.FailureCode)
	}
}

func TestNoProviderKeyIntervenes(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	v := p.Decide(s, model.TierProvider, []model.Signal{model.SignalNoProviderKey}, 0, false, false)
	if v.Decision != Intervene || v.FailureCode != model.FailNoProviderKey {
		t.Fatalf("verdict = %+v, want intervene with no_provider_key", v)
	}
}

func TestProviderBlockedTwiceFails(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 9, 0)
	blocked := []model.Signal{model.SignalBlocked}

	v := p.Decide(s, model.TierProvider, blocked, 1, false, false)
	if v.Decision != RetrySame {
		t.Fatalf("first provider block decision = %s, want retry", v.Decision)
	}
	v = p.Decide(s, model.TierProvider, blocked, 1, false, false)
	if v.Decision != Fail || v.FailureCode != model.FailBlocked {
		t.Fatalf("second provider block verdict = %+v, want fail blocked", v)
	}
}

func TestMaxAttemptsHardStop(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 2, 0)
	timeout := []model.Signal{model.SignalTimeout}

	if v := p.Decide(s, model.TierHTTP, timeout, 0, false, false); v.Decision != RetrySame {
		t.Fatalf("first decision = %s, want retry", v.Decision)
	}
	v := p.Decide(s, model.TierHTTP, timeout, 0, false, false)
	if v.Decision != Fail {
		t.Fatalf("decision after max attempts = %s, want fail", v.Decision)
	}
	if v.FailureCode != model.FailTimeout {
		t.Fatalf("failure code = %s, want timeout", v.FailureCode)
	}
}

func TestTierMonotonicity(t *testing.T) {
	// The tier sequence of an auto run is always a prefix of
	// [http, browser, provider].
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 9, 0)

	p.Decide(s, model.TierHTTP, []model.Signal{model.SignalJSRequired}, 0, false, false)
	p.Decide(s, model.TierBrowser, []model.Signal{model.SignalHardBlock}, 0, false, false)
	p.Decide(s, model.TierProvider, []model.Signal{model.SignalOK}, 1, false, false)

	want := []model.Tier{model.TierHTTP, model.TierBrowser, model.TierProvider}
	if len(s.TiersUsed) != len(want) {
		t.Fatalf("tiers used = %v", s.TiersUsed)
	}
	for i := range want {
		if s.TiersUsed[i] != want[i] {
			t.Fatalf("tiers used = %v, want %v", s.TiersUsed, want)
		}
	}
}

func TestUnknownEscalatesOnceThenFails(t *testing.T) {
	p := NewPlanner(nil)
	s := NewState(model.ModeAuto, 5, 0)
	unknown := []model.Signal{model.SignalUnknown}

	v := p.Decide(s, model.TierHTTP, unknown, 0, false, false)
	if v.Decision != Escalate {
		t.Fatalf("first unknown decision = %s, want escalate", v.Decision)
	}
	v = p.Decide(s, model.TierBrowser, unknown, 0, false, false)
	if v.Decision != Fail || v.FailureCode != model.FailUnknown {
		t.Fatalf("second unknown verdict = %+v, want fail unknown", v)
	}
}
