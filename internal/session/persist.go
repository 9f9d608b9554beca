package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// snapshotMaxAge bounds how stale a persisted session may be before the
// loader skips it. Cookies older than a day are rarely worth warming with.
const snapshotMaxAge = 24 * time.Hour

type snapshot struct {
	SavedAt  time.Time `json:"saved_at"`
	Sessions []Session `json:"sessions"`
}

// persist writes the pool to the configured path. Best effort: a failed
// snapshot only logs; the pool is authoritative in memory.
func (m *Manager) persist() {
	if m.cfg.PersistPath == "" {
		return
	}

	m.mu.RLock()
	snap := snapshot{SavedAt: m.now()}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		m.logger.Warn("session snapshot encode failed", "error", err)
		return
	}
	tmp := m.cfg.PersistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.cfg.PersistPath), 0o755); err != nil {
		m.logger.Warn("session snapshot dir failed", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Warn("session snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, m.cfg.PersistPath); err != nil {
		m.logger.Warn("session snapshot rename failed", "error", err)
	}
}

// load restores sessions from the snapshot file, skipping entries past the
// age cutoff. Called once at construction, before the pool is shared.
func (m *Manager) load() (int, error) {
	data, err := os.ReadFile(m.cfg.PersistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-snapshotMaxAge)
	loaded := 0
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		if s.CreatedAt.Before(cutoff) {
			continue
		}
		m.sessions[keyOf(s.Domain, s.ProxyID)] = &s
		loaded++
	}
	return loaded, nil
}

// StateFromAny decodes browser state supplied out of band, typically pasted
// into an intervention resolution, by round-tripping it through JSON.
func StateFromAny(raw any) (*State, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if len(st.Cookies) == 0 && len(st.Storage) == 0 {
		return nil, errors.New("session state carries no cookies or storage")
	}
	return &st, nil
}
