package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/basket/go-triage/internal/model"
)

// MemoryQueue is a FIFO of ready tasks fronted by a delay heap. A task pushed
// with a future NextRetryTimestamp waits in the heap and joins the FIFO tail
// once due, so it never blocks the tasks behind it.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []model.Task
	delayed    delayHeap
	seq        uint64
	wake       chan struct{}
	closed     bool
	popTimeout time.Duration
}

// NewMemoryQueue returns an empty queue. popTimeout <= 0 uses DefaultPopTimeout.
func NewMemoryQueue(popTimeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		wake:       make(chan struct{}),
		popTimeout: popTimeoutOrDefault(popTimeout),
	}
}

func (q *MemoryQueue) Push(_ context.Context, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if task.ReadyAt(time.Now()) {
		q.ready = append(q.ready, task)
	} else {
		q.seq++
		heap.Push(&q.delayed, delayedTask{task: task, seq: q.seq})
	}
	q.broadcastLocked()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (model.Task, bool, error) {
	deadline := time.NewTimer(q.popTimeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.Task{}, false, ErrClosed
		}
		now := time.Now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			task := q.ready[0]
			q.ready[0] = model.Task{}
			q.ready = q.ready[1:]
			if len(q.ready) == 0 {
				q.ready = nil
			}
			q.mu.Unlock()
			return task, true, nil
		}
		wake := q.wake
		var due *time.Timer
		if len(q.delayed) > 0 {
			due = time.NewTimer(q.delayed[0].task.RetryAt().Sub(now))
		}
		q.mu.Unlock()

		var dueC <-chan time.Time
		if due != nil {
			dueC = due.C
		}
		select {
		case <-ctx.Done():
			stopTimer(due)
			return model.Task{}, false, ctx.Err()
		case <-deadline.C:
			stopTimer(due)
			return model.Task{}, false, nil
		case <-wake:
		case <-dueC:
		}
		stopTimer(due)
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed), nil
}

// Close wakes every blocked Pop, which then returns ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	return nil
}

func (q *MemoryQueue) promoteLocked(now time.Time) {
	for len(q.delayed) > 0 && q.delayed[0].task.ReadyAt(now) {
		item := heap.Pop(&q.delayed).(delayedTask)
		q.ready = append(q.ready, item.task)
	}
}

// broadcastLocked wakes all current waiters by closing and replacing the
// wake channel.
func (q *MemoryQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type delayedTask struct {
	task model.Task
	seq  uint64
}

// delayHeap orders by due time, then by push order.
type delayHeap []delayedTask

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].task.NextRetryTimestamp != h[j].task.NextRetryTimestamp {
		return h[i].task.NextRetryTimestamp < h[j].task.NextRetryTimestamp
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayedTask)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedTask{}
	*h = old[:n-1]
	return item
}
