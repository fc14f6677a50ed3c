package clusterfree

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunParallel runs task(i) for every i in [0, n) on at most workers goroutines
// and blocks until all tasks have finished. Tasks run in no particular order.
// The first task error stops scheduling of the remaining tasks and is returned.
//
// Tasks must synchronize any state they share; RunParallel only guarantees that
// each index is handed to exactly one task.
func RunParallel(ctx context.Context, n, workers int, task func(i int) error, progress Progress) error {
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	step := max(1, n/100)
	var done atomic.Int64
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := task(i); err != nil {
				return err
			}
			if progress != nil {
				if d := int(done.Add(1)); d%step == 0 || d == n {
					progress(d, n)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
