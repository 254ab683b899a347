// Package workpool runs independent jobs on a bounded number of goroutines.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Size resolves a parallelism degree. Values <= 0 mean one worker per CPU.
func Size(parallelism int) int {
	if parallelism <= 0 {
		return runtime.NumCPU()
	}
	return parallelism
}

// Run calls fn once per item with at most Size(parallelism) calls in flight.
// Cancelling ctx stops dispatch of new items; calls already running are not
// interrupted and see a context that is never cancelled. Run waits for every
// started call and reports whether dispatch stopped early.
func Run[T any](ctx context.Context, parallelism int, items []T, fn func(ctx context.Context, item T)) (cancelled bool) {
	n := Size(parallelism)
	sem := semaphore.NewWeighted(int64(n))
	var g errgroup.Group
	jobCtx := context.WithoutCancel(ctx)

	for _, item := range items {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled = true
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			fn(jobCtx, item)
			return nil
		})
	}

	_ = g.Wait()
	return cancelled
}
