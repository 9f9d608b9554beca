// Package queue carries run tasks between the API and the worker over a
// Redis list. The payload is broker-agnostic JSON; LPUSH enqueues and BRPOP
// consumes, so tasks are processed oldest first.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskExecuteRun is the only task kind the worker consumes.
const TaskExecuteRun = "runs.execute"

// Task is one unit of work: execute one run.
type Task struct {
	TaskName   string    `json:"task_name"`
	RunID      uuid.UUID `json:"run_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a Redis-list backed task queue.
type Queue struct {
	rdb  *redis.Client
	list string
}

// New builds a queue on the given Redis client and list key.
func New(rdb *redis.Client, list string) *Queue {
	if list == "" {
		list = "harvester:tasks"
	}
	return &Queue{rdb: rdb, list: list}
}

// Enqueue pushes a run-execution task.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID, attempt int) error {
	t := Task{
		TaskName:   TaskExecuteRun,
		RunID:      runID,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.list, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. Returns (nil, nil) when
// the timeout elapses with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply of %d elements", len(res))
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Depth returns the number of waiting tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.list).Result()
}
