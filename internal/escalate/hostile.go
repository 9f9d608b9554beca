package escalate

import (
	"sync"
)

// defaultHostileThreshold is how many hard blocks mark a domain
// browser-first.
const defaultHostileThreshold = 3

// HostileTracker remembers which domains hard-block cheap fetches so later
// auto-mode runs skip straight to the browser. Process lifetime only; a
// restart forgets and re-probes.
type HostileTracker struct {
	mu        sync.Mutex
	strikes   map[string]int
	threshold int
}

// NewHostileTracker builds a tracker. threshold <= 0 uses the default.
func NewHostileTracker(threshold int) *HostileTracker {
	if threshold <= 0 {
		threshold = defaultHostileThreshold
	}
	return &HostileTracker{strikes: make(map[string]int), threshold: threshold}
}

// Record adds one hard-block strike against the domain.
func (h *HostileTracker) Record(domain string) {
	if domain == "" {
		return
	}
	h.mu.Lock()
	h.strikes[domain]++
	h.mu.Unlock()
}

// BrowserFirst reports whether the domain has struck out.
func (h *HostileTracker) BrowserFirst(domain string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strikes[domain] >= h.threshold
}

// Strikes returns a copy of the strike table for observability.
func (h *HostileTracker) Strikes() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.strikes))
	for d, n := range h.strikes {
		out[d] = n
	}
	return out
}
