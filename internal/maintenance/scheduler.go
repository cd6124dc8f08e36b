// Package maintenance runs housekeeping jobs on cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled housekeeping action.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Config struct {
	Jobs   []Job
	Logger *slog.Logger
	// Interval is how often due jobs are checked; defaults to 1 minute.
	Interval time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler ticks at a fixed interval and runs every job whose next run time
// has passed.
type Scheduler struct {
	entries  []*entry
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	runs map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job schedule up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{
		logger:   logger.With("component", "maintenance"),
		interval: interval,
		clock:    clock,
		runs:     make(map[string]int),
	}
	now := clock()
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("job %q has no run function", job.Name)
		}
		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %q schedule %q: %w", job.Name, job.Schedule, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs the jobs that are due at the current clock time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	err := e.job.Run(ctx)
	e.next = e.schedule.Next(now)

	s.mu.Lock()
	s.runs[e.job.Name]++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("maintenance job failed", "job", e.job.Name, "error", err, "next_run_at", e.next)
		return
	}
	s.logger.Debug("maintenance job done", "job", e.job.Name, "elapsed", time.Since(start), "next_run_at", e.next)
}

// Runs reports how many times the named job has fired.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
