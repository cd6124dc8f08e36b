// Package taskqueue hands tasks from producers to the engine's consumers.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/basket/go-triage/internal/model"
)

// DefaultPopTimeout bounds how long Pop waits before reporting empty.
const DefaultPopTimeout = 2 * time.Second

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("taskqueue: closed")

// Queue is safe for concurrent Push and Pop. Push accepts any task, including
// one that was just popped and had its retry fields changed. Tasks whose
// NextRetryTimestamp lies in the future are held back until due.
type Queue interface {
	Push(ctx context.Context, task model.Task) error
	// Pop returns the next ready task. It reports ok=false after waiting up
	// to the queue's pop timeout with nothing ready, and returns ctx.Err()
	// if ctx ends first.
	Pop(ctx context.Context) (task model.Task, ok bool, err error)
	// Len counts queued tasks, including delayed ones.
	Len(ctx context.Context) (int, error)
	Close() error
}

func popTimeoutOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return DefaultPopTimeout
}
