// Package events fans run lifecycle events out to subscribers. Every event
// is persisted as a run_events row with a per-run monotonic sequence, then
// published as JSON on a Redis channel. Delivery over the channel is
// at-least-once; consumers deduplicate on (run_id, seq, type).
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"harvester/internal/model"
	"harvester/internal/store"
)

// Event kinds published on the channel.
const (
	RunStarted           = "run.started"
	RunProgress          = "run.progress"
	RunCompleted         = "run.completed"
	RunFailed            = "run.failed"
	InterventionCreated  = "intervention.created"
	InterventionResolved = "intervention.resolved"
)

// Event is the wire shape. Type-specific fields live in the flat payload so
// subscribers only need one decode.
type Event struct {
	Type             string          `json:"type"`
	RunID            uuid.UUID       `json:"run_id"`
	Seq              int64           `json:"seq"`
	JobID            uuid.UUID       `json:"job_id,omitempty"`
	TargetURL        string          `json:"target_url,omitempty"`
	Attempt          int             `json:"attempt,omitempty"`
	Tier             string          `json:"tier,omitempty"`
	Status           string          `json:"status,omitempty"`
	Stats            *model.RunStats `json:"stats,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	FailureCode      string          `json:"failure_code,omitempty"`
	InterventionID   uuid.UUID       `json:"intervention_id,omitempty"`
	InterventionType string          `json:"intervention_type,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Priority         string          `json:"priority,omitempty"`
	TS               time.Time       `json:"ts"`
}

// Emitter persists and publishes events.
type Emitter struct {
	st      *store.Store
	rdb     *redis.Client
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	seqs map[uuid.UUID]int64
}

// NewEmitter builds an emitter publishing on the given channel. rdb may be
// nil in tests; events are then only persisted.
func NewEmitter(st *store.Store, rdb *redis.Client, channel string, logger *slog.Logger) *Emitter {
	if channel == "" {
		channel = "harvester:events"
	}
	return &Emitter{
		st:      st,
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		seqs:    make(map[uuid.UUID]int64),
	}
}

// nextSeq hands out the run's next sequence number, seeding the in-process
// counter from the store the first time a resumed run emits.
func (e *Emitter) nextSeq(ctx context.Context, runID uuid.UUID) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seqs[runID]; !ok {
		max, err := e.st.MaxEventSeq(ctx, runID)
		if err != nil {
			e.logger.Warn("event seq seed failed", "run_id", runID, "error", err)
		}
		e.seqs[runID] = max
	}
	e.seqs[runID]++
	return e.seqs[runID]
}

// Forget drops the run's sequence counter once the run reaches a terminal
// state, bounding the map.
func (e *Emitter) Forget(runID uuid.UUID) {
	e.mu.Lock()
	delete(e.seqs, runID)
	e.mu.Unlock()
}

// Emit persists the event and publishes it. Failures are logged, never
// surfaced: the run must not fail because observability did.
func (e *Emitter) Emit(ctx context.Context, ev Event, level model.EventLevel, message string) {
	ev.Seq = e.nextSeq(ctx, ev.RunID)
	ev.TS = time.Now().UTC()

	meta := map[string]any{"type": ev.Type}
	if ev.Tier != "" {
		meta["tier"] = ev.Tier
	}
	if ev.Attempt > 0 {
		meta["attempt"] = ev.Attempt
	}
	if ev.FailureCode != "" {
		meta["failure_code"] = ev.FailureCode
	}
	if ev.InterventionID != uuid.Nil {
		meta["intervention_id"] = ev.InterventionID.String()
	}
	row := &model.RunEvent{
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Level:     level,
		Message:   message,
		Meta:      meta,
		CreatedAt: ev.TS,
	}
	if err := e.st.InsertRunEvent(ctx, row); err != nil {
		e.logger.Warn("event persist failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
	}

	if e.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("event encode failed", "type", ev.Type, "error", err)
		return
	}
	if err := e.rdb.Publish(ctx, e.channel, payload).Err(); err != nil {
		e.logger.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

// Subscriber yields the raw JSON event stream for SSE fan-out.
type Subscriber struct {
	rdb     *redis.Client
	channel string
}

// NewSubscriber builds a subscriber on the same channel the emitter uses.
func NewSubscriber(rdb *redis.Client, channel string) *Subscriber {
	if channel == "" {
		channel = "harvester:events"
	}
	return &Subscriber{rdb: rdb, channel: channel}
}

// Subscribe returns a channel of raw event payloads. The channel closes when
// ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 64)
	sub := s.rdb.Subscribe(ctx, s.channel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
