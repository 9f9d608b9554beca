package runs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"harvester/internal/queue"
)

// Worker pulls run tasks off the Redis queue and dispatches them to the
// orchestrator. It encapsulates the concurrency limit and the blocking
// dequeue loop; callers typically run Start in its own goroutine and keep
// the process alive.
type Worker struct {
	orch   *Orchestrator
	queue  *queue.Queue
	logger *slog.Logger

	maxConcurrent int
	blockTimeout  time.Duration
}

// NewWorker constructs a worker draining the given queue.
func NewWorker(orch *Orchestrator, q *queue.Queue, maxConcurrent int, blockTimeout time.Duration, logger *slog.Logger) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	return &Worker{
		orch:          orch,
		queue:         q,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		blockTimeout:  blockTimeout,
	}
}

// Start runs the dequeue loop until ctx is cancelled, then waits for
// in-flight runs to finish.
func (w *Worker) Start(ctx context.Context) {
	sem := make(chan struct{}, w.maxConcurrent)
	var wg sync.WaitGroup

	w.logger.Info("worker started", "max_concurrent", w.maxConcurrent)
	for ctx.Err() == nil {
		task, err := w.queue.Dequeue(ctx, w.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("dequeue failed", "error", err)
			// Back off so a dead Redis does not spin the loop.
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		if task.TaskName != queue.TaskExecuteRun {
			w.logger.Warn("unknown task dropped", "task", task.TaskName)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down; the task is lost from the list but the run
			// stays queued in the store and can be re-enqueued.
			w.logger.Warn("task dropped during shutdown", "run_id", task.RunID)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(t *queue.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.orch.Execute(ctx, t.RunID); err != nil {
				w.logger.Error("run execution failed", "run_id", t.RunID, "error", err)
			}
		}(task)
	}

	wg.Wait()
	w.logger.Info("worker stopped")
}
