package intervene

import (
	"strings"
	"testing"

	"harvester/internal/model"
)

func TestClassifyCaptcha(t *testing.T) {
	c := Classify(model.TierBrowser, []model.Signal{model.SignalHardBlock, model.SignalCaptcha}, 200, false, 0)
	if c.Type != model.InterventionCaptchaSolve {
		t.Fatalf("type = %s, want captcha_solve", c.Type)
	}
	if c.Priority != model.PriorityNormal {
		t.Fatalf("priority = %s, want normal", c.Priority)
	}
}

func TestClassifyAuthStatuses(t *testing.T) {
	c := Classify(model.TierBrowser, []model.Signal{model.SignalBlocked}, 401, false, 0)
	if c.Type != model.InterventionLoginRefresh || c.Priority != model.PriorityLow {
		t.Fatalf("401 classified as %+v", c)
	}

	withSession := Classify(model.TierBrowser, []model.Signal{model.SignalBlocked}, 403, true, 0)
	if withSession.Type != model.InterventionLoginRefresh {
		t.Fatalf("403 with session = %s, want login_refresh", withSession.Type)
	}
	withoutSession := Classify(model.TierBrowser, []model.Signal{model.SignalBlocked}, 403, false, 0)
	if withoutSession.Type != model.InterventionManualAccess {
		t.Fatalf("403 without session = %s, want manual_access", withoutSession.Type)
	}
}

func TestClassifyProviderSelectorFix(t *testing.T) {
	c := Classify(model.TierProvider, []model.Signal{model.SignalExtractionEmpty}, 200, false, 0)
	if c.Type != model.InterventionSelectorFix {
		t.Fatalf("type = %s, want selector_fix", c.Type)
	}
}

func TestClassifyNoProviderKey(t *testing.T) {
	c := Classify(model.TierProvider, []model.Signal{model.SignalNoProviderKey}, 0, false, 0)
	if c.Type != model.InterventionManualAccess {
		t.Fatalf("type = %s, want manual_access", c.Type)
	}
}

func TestHighBlockRatePromotes(t *testing.T) {
	c := Classify(model.TierBrowser, []model.Signal{model.SignalHardBlock}, 200, false, 0.9)
	if c.Priority != model.PriorityHigh {
		t.Fatalf("priority = %s, want high", c.Priority)
	}
	// Low stays low: a login refresh is routine even on a noisy domain.
	c = Classify(model.TierBrowser, []model.Signal{model.SignalBlocked}, 401, false, 0.9)
	if c.Priority != model.PriorityLow {
		t.Fatalf("priority = %s, want low", c.Priority)
	}
}

func TestSnapshotTruncates(t *testing.T) {
	html := "<html><body><h1>Blocked</h1><p>" + strings.Repeat("x", 4096) + "</p></body></html>"
	snap := Snapshot(html, "https://site.example/page", 256)
	if snap == "" {
		t.Fatal("empty snapshot")
	}
	if !strings.Contains(snap, "Blocked") {
		t.Fatalf("snapshot lost heading: %q", snap[:64])
	}
	if !strings.HasSuffix(snap, "[truncated]") {
		t.Fatal("oversized snapshot not truncated")
	}
}

func TestSnapshotEmptyPage(t *testing.T) {
	if snap := Snapshot("   ", "https://site.example", 1024); snap != "" {
		t.Fatalf("snapshot of blank page = %q, want empty", snap)
	}
}
