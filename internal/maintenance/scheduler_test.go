package maintenance_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/maintenance"
	"github.com/basket/go-triage/internal/model"
	"github.com/basket/go-triage/internal/storage"
	"github.com/basket/go-triage/internal/taskqueue"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	got, err := maintenance.NextRunTime("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next run = %v, want %v", got, want)
	}
	if _, err := maintenance.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewScheduler_RejectsBadJobs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if _, err := maintenance.NewScheduler(maintenance.Config{Jobs: []maintenance.Job{{Name: "x", Schedule: "61 * * * *", Run: noop}}}); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if _, err := maintenance.NewScheduler(maintenance.Config{Jobs: []maintenance.Job{{Name: "x", Schedule: "* * * * *"}}}); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestScheduler_TickRunsOnlyDueJobs(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	var everyMinute, everyFive int
	s, err := maintenance.NewScheduler(maintenance.Config{
		Clock: clock.Now,
		Jobs: []maintenance.Job{
			{Name: "minute", Schedule: "* * * * *", Run: func(context.Context) error { everyMinute++; return nil }},
			{Name: "five", Schedule: "*/5 * * * *", Run: func(context.Context) error { everyFive++; return errors.New("flaky") }},
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	s.Tick(ctx)
	if everyMinute != 0 || everyFive != 0 {
		t.Fatal("nothing is due before the first boundary")
	}
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		s.Tick(ctx)
	}
	if everyMinute != 5 || everyFive != 1 {
		t.Fatalf("runs: minute=%d five=%d", everyMinute, everyFive)
	}
	if s.Runs("five") != 1 {
		t.Fatalf("failed runs still count, got %d", s.Runs("five"))
	}
}

func TestScheduler_StartStop(t *testing.T) {
	fired := make(chan struct{}, 8)
	clock := &manualClock{now: time.Now()}
	s, err := maintenance.NewScheduler(maintenance.Config{
		Interval: 5 * time.Millisecond,
		Clock: func() time.Time {
			clock.Advance(time.Minute)
			return clock.Now()
		},
		Jobs: []maintenance.Job{{Name: "minute", Schedule: "* * * * *", Run: func(context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	s.Stop()
}

func TestPurgeExpiredJob(t *testing.T) {
	store, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "triage.db"), time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.SaveTTL(ctx, "wf:old:status", "PENDING", time.Millisecond); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "wf:new:status", "PENDING"); err != nil {
		t.Fatalf("save: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	job := maintenance.PurgeExpiredJob("* * * * *", store, nil)
	if job.Name != maintenance.JobPurgeExpired {
		t.Fatalf("unexpected name %q", job.Name)
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, err := store.PurgeExpired(ctx); err != nil || n != 0 {
		t.Fatalf("expired row should already be gone, purged %d err=%v", n, err)
	}
	if _, found, _ := storage.GetString(ctx, store, "wf:new:status"); !found {
		t.Fatal("live row purged")
	}
}

func TestQueueDepthJob(t *testing.T) {
	q := taskqueue.NewMemoryQueue(10 * time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })
	_ = q.Push(context.Background(), model.Task{TaskID: "a"})
	job := maintenance.QueueDepthJob("* * * * *", q, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
