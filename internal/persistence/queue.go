package persistence

import (
	"context"
	"fmt"
)

// QueuedTask is a row of the durable queue.
type QueuedTask struct {
	Seq         int64
	TaskID      string
	WorkflowID  string
	Payload     string
	AvailableAt int64
}

// Enqueue appends a task payload that becomes claimable at availableAt
// (epoch millis, 0 for immediately).
func (s *Store) Enqueue(ctx context.Context, taskID, workflowID, payload string, availableAt int64) error {
	if availableAt < 0 {
		availableAt = 0
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue (task_id, workflow_id, payload, available_at)
			VALUES (?, ?, ?, ?);
		`, taskID, workflowID, payload, availableAt)
		if err != nil {
			return fmt.Errorf("enqueue task: %w", err)
		}
		return nil
	})
}

// ClaimNext removes and returns the oldest available row. It returns
// ErrNoRows when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context) (*QueuedTask, error) {
	var result *QueuedTask
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var row QueuedTask
		err = tx.QueryRowContext(ctx, `
			SELECT seq, task_id, workflow_id, payload, available_at
			FROM queue
			WHERE available_at <= ?
			ORDER BY seq ASC
			LIMIT 1;
		`, s.nowMillis()).Scan(&row.Seq, &row.TaskID, &row.WorkflowID, &row.Payload, &row.AvailableAt)
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("select next task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?;`, row.Seq); err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNoRows
	}
	return result, nil
}

// QueueDepth counts queued rows, including ones not yet available.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
