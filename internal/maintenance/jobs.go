package maintenance

import (
	"context"
	"log/slog"

	"github.com/basket/go-triage/internal/taskqueue"
)

const (
	JobPurgeExpired = "purge-expired"
	JobQueueDepth   = "queue-depth"
)

// Purger deletes expired rows from a persistent store.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeExpiredJob drops expired key-value entries.
func PurgeExpiredJob(schedule string, p Purger, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     JobPurgeExpired,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("purged expired entries", "count", n)
			}
			return nil
		},
	}
}

// QueueDepthJob logs the number of queued tasks, delayed ones included.
func QueueDepthJob(schedule string, q taskqueue.Queue, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     JobQueueDepth,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := q.Len(ctx)
			if err != nil {
				return err
			}
			logger.Info("task queue depth", "depth", n)
			return nil
		},
	}
}
