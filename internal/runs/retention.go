package runs

import (
	"context"
	"log/slog"
	"time"

	"harvester/internal/metrics"
	"harvester/internal/session"
)

// RetentionStore is the store slice the sweeper needs.
type RetentionStore interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention periodically deletes terminal runs past their TTL and sweeps
// stale sessions, so neither the database nor the pool grows without bound.
type Retention struct {
	st       RetentionStore
	sessions *session.Manager
	logger   *slog.Logger

	runsDays        int
	sweepInterval   time.Duration
	sessionInterval time.Duration
}

// NewRetention builds the sweeper. runsDays <= 0 disables run deletion;
// session cleanup always runs.
func NewRetention(st RetentionStore, sessions *session.Manager, runsDays int, sweepInterval, sessionInterval time.Duration, logger *slog.Logger) *Retention {
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	if sessionInterval <= 0 {
		sessionInterval = 15 * time.Minute
	}
	return &Retention{
		st:              st,
		sessions:        sessions,
		logger:          logger,
		runsDays:        runsDays,
		sweepInterval:   sweepInterval,
		sessionInterval: sessionInterval,
	}
}

// Start runs the sweep loops until ctx is cancelled.
func (r *Retention) Start(ctx context.Context) {
	runTicker := time.NewTicker(r.sweepInterval)
	sessTicker := time.NewTicker(r.sessionInterval)
	defer runTicker.Stop()
	defer sessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-runTicker.C:
			r.SweepRuns(ctx)
		case <-sessTicker.C:
			if r.sessions != nil {
				if n := r.sessions.Cleanup(); n > 0 {
					metrics.RecordSessionEvent("retired")
				}
			}
		}
	}
}

// SweepRuns deletes terminal runs older than the configured TTL. Records and
// events go with them through foreign keys.
func (r *Retention) SweepRuns(ctx context.Context) {
	if r.runsDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -r.runsDays)
	n, err := r.st.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("run retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.RecordRetentionRuns(n)
		r.logger.Info("run retention sweep", "deleted", n, "cutoff", cutoff)
	}
}
