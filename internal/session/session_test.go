package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func freshSession(domain string, at time.Time) Session {
	return Session{
		Domain:    domain,
		ProxyID:   "default",
		State:     State{Cookies: []Cookie{{Name: "sid", Value: "abc", Domain: domain}}},
		CreatedAt: at,
	}
}

func TestAcquireIncrementsUsesAndCopies(t *testing.T) {
	m := testManager(t, Config{})
	m.Put(freshSession("example.com", time.Now()))

	s := m.Acquire("example.com", "")
	if s == nil {
		t.Fatal("expected a session")
	}
	if s.TotalUses != 1 {
		t.Fatalf("TotalUses = %d, want 1", s.TotalUses)
	}

	// The returned copy must not alias pool state.
	s.State.Cookies[0].Value = "mutated"
	again := m.Acquire("example.com", "")
	if again.State.Cookies[0].Value != "abc" {
		t.Fatalf("pool cookie mutated to %q", again.State.Cookies[0].Value)
	}
	if again.TotalUses != 2 {
		t.Fatalf("TotalUses = %d, want 2", again.TotalUses)
	}
}

func TestTrustScoreShape(t *testing.T) {
	m := testManager(t, Config{})
	base := time.Now()
	m.now = func() time.Time { return base }

	cases := []struct {
		name string
		s    Session
		want float64
	}{
		{"fresh", Session{CreatedAt: base}, 100},
		{"aged 90min", Session{CreatedAt: base.Add(-90 * time.Minute)}, 85},
		{"two failures", Session{CreatedAt: base, FailureStreak: 2}, 70},
		{"recent success", Session{CreatedAt: base.Add(-90 * time.Minute), LastSuccessAt: base.Add(-time.Minute)}, 100},
		{"heavy use", Session{CreatedAt: base, TotalUses: 80}, 70},
	}
	for _, tc := range cases {
		got := m.breakdown(&tc.s, base).Score
		if got != tc.want {
			t.Errorf("%s: trust = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExpiredSessionRetiredOnAcquire(t *testing.T) {
	m := testManager(t, Config{MaxAgeMin: 120})
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Put(freshSession("old.example", base.Add(-121*time.Minute)))

	if s := m.Acquire("old.example", ""); s != nil {
		t.Fatalf("expected nil for expired session, got %+v", s)
	}
	if st := m.Stats(); st.Total != 0 {
		t.Fatalf("expired session still pooled: %+v", st)
	}
}

func TestMarkFailureRetiresAtStreakLimit(t *testing.T) {
	m := testManager(t, Config{MaxFailureStreak: 3})
	m.Put(freshSession("flaky.example", time.Now()))

	if m.MarkFailure("flaky.example", "") {
		t.Fatal("retired after one failure")
	}
	if m.MarkFailure("flaky.example", "") {
		t.Fatal("retired after two failures")
	}
	if !m.MarkFailure("flaky.example", "") {
		t.Fatal("not retired after three failures")
	}
	if s := m.Acquire("flaky.example", ""); s != nil {
		t.Fatal("retired session still acquirable")
	}
}

func TestMarkSuccessClearsStreak(t *testing.T) {
	m := testManager(t, Config{})
	m.Put(freshSession("ok.example", time.Now()))
	m.MarkFailure("ok.example", "")
	m.MarkSuccess("ok.example", "")

	s := m.Acquire("ok.example", "")
	if s == nil {
		t.Fatal("expected a session")
	}
	if s.FailureStreak != 0 {
		t.Fatalf("FailureStreak = %d, want 0", s.FailureStreak)
	}
	if s.LastSuccessAt.IsZero() {
		t.Fatal("LastSuccessAt not set")
	}
}

func TestMarkSuccessKeepsPooledState(t *testing.T) {
	m := testManager(t, Config{})
	m.Put(freshSession("reuse.example", time.Now()))

	// Reuse then success: the pooled cookies survive untouched, only the
	// recency fields move.
	if s := m.Acquire("reuse.example", ""); s == nil {
		t.Fatal("expected a session")
	}
	m.MarkSuccess("reuse.example", "")

	s := m.Acquire("reuse.example", "")
	if s == nil {
		t.Fatal("expected a session")
	}
	if len(s.State.Cookies) != 1 || s.State.Cookies[0].Value != "abc" {
		t.Fatalf("pooled state rewritten: %+v", s.State.Cookies)
	}
	if s.TotalUses != 2 {
		t.Fatalf("TotalUses = %d, want 2 (success must not increment)", s.TotalUses)
	}
	if s.LastSuccessAt.IsZero() {
		t.Fatal("LastSuccessAt not refreshed")
	}
}

func TestCircuitBreakerOpensAndCoolsDown(t *testing.T) {
	m := testManager(t, Config{})
	base := time.Now()
	m.now = func() time.Time { return base }

	for i := 0; i < breakerThreshold; i++ {
		m.MarkFailure("hostile.example", "")
	}
	if !m.BreakerOpen("hostile.example") {
		t.Fatal("breaker not open after threshold failures")
	}
	m.Put(freshSession("hostile.example", base))
	if s := m.Acquire("hostile.example", ""); s != nil {
		t.Fatal("acquire succeeded while breaker open")
	}

	m.now = func() time.Time { return base.Add(breakerCooldown + time.Minute) }
	if m.BreakerOpen("hostile.example") {
		t.Fatal("breaker still open after cooldown")
	}
}

func TestCleanupSweepsLowTrust(t *testing.T) {
	m := testManager(t, Config{MaxAgeMin: 120})
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Put(freshSession("fresh.example", base))
	m.Put(freshSession("stale.example", base.Add(-3*time.Hour)))

	if removed := m.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if st := m.Stats(); st.Total != 1 {
		t.Fatalf("pool size %d after cleanup, want 1", st.Total)
	}
}

func TestPersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m := testManager(t, Config{PersistPath: path})
	m.Put(freshSession("persist.example", time.Now()))
	m.Put(freshSession("ancient.example", time.Now().Add(-48*time.Hour)))

	reloaded := testManager(t, Config{PersistPath: path})
	if s := reloaded.Acquire("persist.example", ""); s == nil {
		t.Fatal("persisted session not restored")
	}
	if st := reloaded.Stats(); st.Total != 1 {
		t.Fatalf("loaded %d sessions, want 1 (age cutoff)", st.Total)
	}
}

func TestCaptchaRate(t *testing.T) {
	m := testManager(t, Config{})
	m.RecordFetch(false)
	m.RecordFetch(false)
	m.RecordFetch(true)
	m.RecordFetch(false)

	st := m.Stats()
	if st.TotalRequests != 4 || st.TotalCaptchas != 1 {
		t.Fatalf("counters = %d/%d, want 4/1", st.TotalRequests, st.TotalCaptchas)
	}
	if st.CaptchaRate != 0.25 {
		t.Fatalf("CaptchaRate = %v, want 0.25", st.CaptchaRate)
	}
}
