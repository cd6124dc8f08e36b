// Package pool bounds scatter/gather fan-out shared by concurrent callers.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a non-positive size is given.
const DefaultSize = 4

// Pool caps how many units run at once across every Map call sharing it.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int { return p.size }

// Map runs fn once per item on the pool and returns the results in item
// order. The first error cancels the remaining units and is returned.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(ctx context.Context, i int, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		if err := p.sem.Acquire(gctx, 1); err != nil {
			// Acquire only fails once gctx is done; Wait reports the cause.
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			r, err := fn(gctx, i, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
