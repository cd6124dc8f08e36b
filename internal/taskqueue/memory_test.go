package taskqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/taskqueue"
)

func task(id string) model.Task {
	return model.Task{TaskID: id, WorkflowID: "wf-1", TargetAgent: model.AgentWorker}
}

func mustPop(t *testing.T, q taskqueue.Queue) model.Task {
	t.Helper()
	got, ok, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !ok {
		t.Fatal("pop timed out, expected a task")
	}
	return got
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := taskqueue.NewMemoryQueue(time.Second)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, task(id)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := mustPop(t, q); got.TaskID != want {
			t.Fatalf("popped %s, want %s", got.TaskID, want)
		}
	}
}

func TestMemoryQueue_EmptyPopTimesOut(t *testing.T) {
	q := taskqueue.NewMemoryQueue(50 * time.Millisecond)
	start := time.Now()
	_, ok, err := q.Pop(context.Background())
	if err != nil || ok {
		t.Fatalf("expected empty pop, ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("pop returned too early: %v", elapsed)
	}
}

func TestMemoryQueue_DelayedTaskDoesNotBlockHead(t *testing.T) {
	q := taskqueue.NewMemoryQueue(time.Second)
	ctx := context.Background()

	delayed := task("delayed")
	delayed.RetryCount = 1
	delayed.NextRetryTimestamp = time.Now().Add(150 * time.Millisecond).UnixMilli()
	_ = q.Push(ctx, delayed)
	_ = q.Push(ctx, task("ready"))

	if got := mustPop(t, q); got.TaskID != "ready" {
		t.Fatalf("expected ready task first, got %s", got.TaskID)
	}
	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("expected delayed task still queued, len=%d", n)
	}

	start := time.Now()
	got := mustPop(t, q)
	if got.TaskID != "delayed" || got.RetryCount != 1 {
		t.Fatalf("unexpected task %+v", got)
	}
	if time.Now().UnixMilli() < delayed.NextRetryTimestamp {
		t.Fatalf("delayed task released early after %v", time.Since(start))
	}
}

func TestMemoryQueue_DelayedOrderByDueTime(t *testing.T) {
	q := taskqueue.NewMemoryQueue(time.Second)
	ctx := context.Background()
	base := time.Now()
	for i, offset := range []time.Duration{90, 30, 60} {
		tk := task(fmt.Sprintf("t%d", i))
		tk.NextRetryTimestamp = base.Add(offset * time.Millisecond).UnixMilli()
		_ = q.Push(ctx, tk)
	}
	for _, want := range []string{"t1", "t2", "t0"} {
		if got := mustPop(t, q); got.TaskID != want {
			t.Fatalf("popped %s, want %s", got.TaskID, want)
		}
	}
}

func TestMemoryQueue_PushWakesBlockedPop(t *testing.T) {
	q := taskqueue.NewMemoryQueue(2 * time.Second)
	done := make(chan model.Task, 1)
	go func() {
		got, ok, _ := q.Pop(context.Background())
		if ok {
			done <- got
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Push(context.Background(), task("late"))
	select {
	case got := <-done:
		if got.TaskID != "late" {
			t.Fatalf("got %s", got.TaskID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("blocked pop was not woken by push")
	}
}

func TestMemoryQueue_ContextCancel(t *testing.T) {
	q := taskqueue.NewMemoryQueue(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, ok, err := q.Pop(ctx)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, ok=%v err=%v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("pop ignored cancellation")
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := taskqueue.NewMemoryQueue(5 * time.Second)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Pop(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, taskqueue.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not release blocked pop")
	}
	if err := q.Push(context.Background(), task("x")); !errors.Is(err, taskqueue.ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
}

func TestMemoryQueue_ConcurrentNoLossNoDuplicates(t *testing.T) {
	q := taskqueue.NewMemoryQueue(100 * time.Millisecond)
	ctx := context.Background()
	const producers, perProducer = 4, 50

	var pushWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		pushWG.Add(1)
		go func(p int) {
			defer pushWG.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(ctx, task(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, ok, err := q.Pop(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[got.TaskID]++
				mu.Unlock()
			}
		}()
	}
	pushWG.Wait()
	wg.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d distinct tasks, got %d", producers*perProducer, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s delivered %d times", id, n)
		}
	}
}
