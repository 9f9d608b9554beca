// Package session maintains the pool of warm browser identities keyed by
// (domain, proxy identity). Sessions age out through a trust score computed
// on read; the pool never hands out entries below the degraded threshold.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Cookie is the serialized browser cookie stored with a session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// State is the capturable browser state: cookies plus origin local storage.
type State struct {
	Cookies   []Cookie          `json:"cookies"`
	Storage   map[string]string `json:"storage,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// Session is one pooled identity. Values handed out by the pool are copies;
// callers never hold references into the pool.
type Session struct {
	Domain        string    `json:"domain"`
	ProxyID       string    `json:"proxy_id"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	TotalUses     int       `json:"total_uses"`
	FailureStreak int       `json:"failure_streak"`
}

// Trust thresholds.
const (
	TrustHealthy  = 70.0
	TrustDegraded = 40.0
)

// Config bounds session lifetime. Zero values fall back to the documented
// defaults.
type Config struct {
	MaxAgeMin        int
	MaxUses          int
	MaxFailureStreak int
	PersistPath      string
}

func (c *Config) defaults() {
	if c.MaxAgeMin <= 0 {
		c.MaxAgeMin = 120
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 100
	}
	if c.MaxFailureStreak <= 0 {
		c.MaxFailureStreak = 3
	}
}

type poolKey struct {
	domain string
	proxy  string
}

// Manager is the thread-safe session pool.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *slog.Logger
	sessions map[poolKey]*Session
	breakers map[string]*breaker

	// captcha-rate counters across all fetches that consulted the pool
	requests int64
	captchas int64

	now func() time.Time
}

// NewManager builds the pool and, when a persist path is configured, loads
// the snapshot left by a previous process.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[poolKey]*Session),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
	if cfg.PersistPath != "" {
		if n, err := m.load(); err != nil {
			logger.Warn("session snapshot load failed", "path", cfg.PersistPath, "error", err)
		} else if n > 0 {
			logger.Info("session snapshot loaded", "path", cfg.PersistPath, "sessions", n)
		}
	}
	return m
}

func keyOf(domain, proxyID string) poolKey {
	if proxyID == "" {
		proxyID = "default"
	}
	return poolKey{domain: domain, proxy: proxyID}
}

// TrustBreakdown explains a session's score for observability endpoints.
type TrustBreakdown struct {
	Score         float64 `json:"score"`
	AgeMinutes    float64 `json:"age_minutes"`
	AgePenalty    float64 `json:"age_penalty"`
	StreakPenalty float64 `json:"streak_penalty"`
	RecencyBonus  float64 `json:"recency_bonus"`
	UsagePenalty  float64 `json:"usage_penalty"`
	Expired       bool    `json:"expired"`
}

// breakdown computes the trust score at the given instant.
func (m *Manager) breakdown(s *Session, at time.Time) TrustBreakdown {
	b := TrustBreakdown{AgeMinutes: at.Sub(s.CreatedAt).Minutes()}
	if b.AgeMinutes > float64(m.cfg.MaxAgeMin) {
		b.Expired = true
		return b
	}
	score := 100.0
	if b.AgeMinutes > 60 {
		b.AgePenalty = (b.AgeMinutes - 60) * 0.5
		score -= b.AgePenalty
	}
	b.StreakPenalty = float64(s.FailureStreak) * 15
	score -= b.StreakPenalty
	if !s.LastSuccessAt.IsZero() && at.Sub(s.LastSuccessAt) < 5*time.Minute {
		b.RecencyBonus = 20
		score += b.RecencyBonus
	}
	if s.TotalUses > 50 {
		b.UsagePenalty = float64(s.TotalUses - 50)
	}
	if s.TotalUses > m.cfg.MaxUses {
		b.UsagePenalty += 50
	}
	score -= b.UsagePenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	b.Score = score
	return b
}

// Trust returns the session's current trust score in [0, 100].
func (m *Manager) Trust(s *Session) float64 {
	return m.breakdown(s, m.now()).Score
}

// Acquire returns a copy of the pooled session for the key when it is still
// usable: trust at or above the degraded floor, below the hard use cap, and
// the domain's circuit breaker closed. The pooled entry's use counter is
// incremented. Returns nil when no usable session exists.
func (m *Manager) Acquire(domain, proxyID string) *Session {
	k := keyOf(domain, proxyID)
	at := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if br := m.breakers[domain]; br != nil && br.open(at) {
		return nil
	}
	s, ok := m.sessions[k]
	if !ok {
		return nil
	}
	b := m.breakdown(s, at)
	if b.Expired || b.Score < TrustDegraded {
		delete(m.sessions, k)
		m.logger.Debug("session retired on acquire", "domain", domain, "proxy_id", k.proxy, "score", b.Score, "expired", b.Expired)
		return nil
	}
	if s.TotalUses >= 2*m.cfg.MaxUses {
		delete(m.sessions, k)
		m.logger.Debug("session retired at hard use cap", "domain", domain, "proxy_id", k.proxy, "uses", s.TotalUses)
		return nil
	}
	s.TotalUses++
	out := *s
	out.State.Cookies = append([]Cookie(nil), s.State.Cookies...)
	if s.State.Storage != nil {
		out.State.Storage = make(map[string]string, len(s.State.Storage))
		for sk, sv := range s.State.Storage {
			out.State.Storage[sk] = sv
		}
	}
	return &out
}

// Put stores a captured session, replacing any entry for the same key.
func (m *Manager) Put(s Session) {
	if s.ProxyID == "" {
		s.ProxyID = "default"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	k := poolKey{domain: s.Domain, proxy: s.ProxyID}

	m.mu.Lock()
	stored := s
	m.sessions[k] = &stored
	m.mu.Unlock()

	m.persist()
}

// MarkSuccess refreshes the session after a successful fetch and closes the
// domain's failure window.
func (m *Manager) MarkSuccess(domain, proxyID string) {
	k := keyOf(domain, proxyID)
	at := m.now()

	m.mu.Lock()
	if s, ok := m.sessions[k]; ok {
		s.LastSuccessAt = at
		s.FailureStreak = 0
	}
	if br := m.breakers[domain]; br != nil {
		br.recordSuccess()
	}
	m.mu.Unlock()

	m.persist()
}

// MarkFailure bumps the failure streak, retiring the session once the streak
// reaches the limit, and feeds the domain circuit breaker. It returns true
// when the session was retired.
func (m *Manager) MarkFailure(domain, proxyID string) bool {
	k := keyOf(domain, proxyID)
	at := m.now()
	retired := false

	m.mu.Lock()
	if s, ok := m.sessions[k]; ok {
		s.FailureStreak++
		if s.FailureStreak >= m.cfg.MaxFailureStreak {
			delete(m.sessions, k)
			retired = true
		}
	}
	br := m.breakers[domain]
	if br == nil {
		br = &breaker{}
		m.breakers[domain] = br
	}
	opened := br.recordFailure(at)
	m.mu.Unlock()

	if retired {
		m.logger.Info("session retired after failure streak", "domain", domain, "proxy_id", k.proxy)
	}
	if opened {
		m.logger.Warn("domain circuit breaker opened", "domain", domain)
	}
	return retired
}

// Cleanup retires every session that has expired or fallen below the
// degraded floor. Returns the number removed.
func (m *Manager) Cleanup() int {
	at := m.now()

	m.mu.Lock()
	removed := 0
	for k, s := range m.sessions {
		b := m.breakdown(s, at)
		if b.Expired || b.Score < TrustDegraded {
			delete(m.sessions, k)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("session cleanup", "removed", removed)
		m.persist()
	}
	return removed
}

// RecordFetch feeds the captcha-rate counters.
func (m *Manager) RecordFetch(captcha bool) {
	m.mu.Lock()
	m.requests++
	if captcha {
		m.captchas++
	}
	m.mu.Unlock()
}

// Stats is the pool summary exposed over the API.
type Stats struct {
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	Degraded      int     `json:"degraded"`
	AvgTrust      float64 `json:"avg_trust"`
	AvgUses       float64 `json:"avg_uses"`
	OpenBreakers  int     `json:"open_breakers"`
	TotalRequests int64   `json:"total_requests"`
	TotalCaptchas int64   `json:"total_captchas"`
	CaptchaRate   float64 `json:"captcha_rate"`
}

// Stats summarizes the pool without retiring anything.
func (m *Manager) Stats() Stats {
	at := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Total: len(m.sessions), TotalRequests: m.requests, TotalCaptchas: m.captchas}
	sumTrust, sumUses := 0.0, 0
	for _, s := range m.sessions {
		b := m.breakdown(s, at)
		sumTrust += b.Score
		sumUses += s.TotalUses
		switch {
		case b.Score >= TrustHealthy:
			st.Healthy++
		case b.Score >= TrustDegraded:
			st.Degraded++
		}
	}
	if st.Total > 0 {
		st.AvgTrust = sumTrust / float64(st.Total)
		st.AvgUses = float64(sumUses) / float64(st.Total)
	}
	for _, br := range m.breakers {
		if br.open(at) {
			st.OpenBreakers++
		}
	}
	if m.requests > 0 {
		st.CaptchaRate = float64(m.captchas) / float64(m.requests)
	}
	return st
}

// Breakdowns returns per-session trust breakdowns keyed "domain|proxy" for
// the stats endpoint.
func (m *Manager) Breakdowns() map[string]TrustBreakdown {
	at := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TrustBreakdown, len(m.sessions))
	for k, s := range m.sessions {
		out[k.domain+"|"+k.proxy] = m.breakdown(s, at)
	}
	return out
}

// BreakerOpen reports whether the domain's circuit breaker is currently open.
func (m *Manager) BreakerOpen(domain string) bool {
	at := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	br := m.breakers[domain]
	return br != nil && br.open(at)
}
