package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/persistence"
)

// DefaultPollInterval is how often SQLiteQueue re-checks an empty table.
const DefaultPollInterval = 100 * time.Millisecond

// SQLiteQueue is a durable queue. Each Pop claims and deletes the oldest
// available row in a single transaction, so a task is handed to at most one
// consumer.
type SQLiteQueue struct {
	db           *persistence.Store
	popTimeout   time.Duration
	pollInterval time.Duration
}

func NewSQLiteQueue(db *persistence.Store, popTimeout, pollInterval time.Duration) *SQLiteQueue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &SQLiteQueue{
		db:           db,
		popTimeout:   popTimeoutOrDefault(popTimeout),
		pollInterval: pollInterval,
	}
}

func (q *SQLiteQueue) Push(ctx context.Context, task model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.db.Enqueue(ctx, task.TaskID, task.WorkflowID, string(payload), task.NextRetryTimestamp)
}

func (q *SQLiteQueue) Pop(ctx context.Context) (model.Task, bool, error) {
	deadline := time.NewTimer(q.popTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		row, err := q.db.ClaimNext(ctx)
		switch {
		case err == nil:
			var task model.Task
			if err := json.Unmarshal([]byte(row.Payload), &task); err != nil {
				return model.Task{}, false, fmt.Errorf("decode queued task %s: %w", row.TaskID, err)
			}
			return task, true, nil
		case errors.Is(err, persistence.ErrNoRows):
		case ctx.Err() != nil:
			return model.Task{}, false, ctx.Err()
		default:
			return model.Task{}, false, err
		}

		select {
		case <-ctx.Done():
			return model.Task{}, false, ctx.Err()
		case <-deadline.C:
			return model.Task{}, false, nil
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	return q.db.QueueDepth(ctx)
}

// Close leaves the shared database open.
func (q *SQLiteQueue) Close() error { return nil }
