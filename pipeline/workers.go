package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// runWorkerPool runs fn over items with at most slots concurrent workers
// and sums the failure counts fn returns. The bool result reports whether
// dispatch stopped early because the context ended; items not yet handed
// out at that point are skipped.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) int) (int, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Sequential shortcut: no goroutines for a single slot or item.
	if slots <= 1 || len(items) <= 1 {
		total := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return total, true
			}
			total += fn(ctx, item)
		}
		return total, false
	}

	var failures atomic.Int64
	var group errgroup.Group
	group.SetLimit(slots)

	aborted := false
	for _, item := range items {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			failures.Add(int64(fn(ctx, item)))
			return nil
		})
	}
	_ = group.Wait()
	return int(failures.Load()), aborted
}
