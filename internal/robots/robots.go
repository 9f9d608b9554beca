// Package robots gates list-mode link following on the target's robots.txt.
// The engine itself fetches what it is told to fetch; only link discovery
// consults this, and only when the operator enables it.
package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const cacheTTL = 30 * time.Minute

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Gate caches per-host robots.txt verdicts.
type Gate struct {
	respect   bool
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

// NewGate builds a gate. When respect is false every URL is allowed.
func NewGate(respect bool, userAgent string, logger *slog.Logger) *Gate {
	if userAgent == "" {
		userAgent = "harvester"
	}
	return &Gate{
		respect:   respect,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		cache:     make(map[string]*entry),
	}
}

// Allowed reports whether the URL may be followed. Unreachable or malformed
// robots.txt allows everything, matching the usual crawler convention.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	if g == nil || !g.respect {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	data := g.fetch(ctx, u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, g.userAgent)
}

func (g *Gate) fetch(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	host := u.Scheme + "://" + u.Host

	g.mu.Lock()
	if e, ok := g.cache[host]; ok && time.Since(e.fetchedAt) < cacheTTL {
		g.mu.Unlock()
		return e.data
	}
	g.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	var data *robotstxt.RobotsData
	resp, err := g.client.Do(req)
	if err == nil {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr == nil {
			if parsed, perr := robotstxt.FromStatusAndBytes(resp.StatusCode, body); perr == nil {
				data = parsed
			}
		}
	} else {
		g.logger.Debug("robots fetch failed", "host", host, "error", err)
	}

	g.mu.Lock()
	g.cache[host] = &entry{data: data, fetchedAt: time.Now()}
	g.mu.Unlock()
	return data
}
