package stage

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

// poolResult is one item's terminal outcome inside a worker pool.
type poolResult[U any] struct {
	index   int
	value   U
	itemErr *types.ItemError
	fatal   error
}

// poolOutput aggregates a pool run. Succeeded preserves input order.
type poolOutput[U any] struct {
	succeeded []U
	failed    []types.ItemError
	// fatal is the first structural error a worker hit, nil otherwise
	fatal error
}

// runPool processes items with at most maxConcurrent workers.
//
// Guarantees:
//   - exactly-once accounting: every dispatched item produces exactly one
//     terminal outcome, reported to onDone exactly once;
//   - onDone is invoked from a single collector goroutine, so callers need
//     no synchronization of their own;
//   - cancellation is honored at each dispatch boundary; in-flight work
//     finishes naturally rather than being killed mid-item;
//   - a fatal (stage-aborting) error from any worker stops further
//     dispatch; already-running workers drain first.
func runPool[T, U any](
	ctx context.Context,
	items []T,
	maxConcurrent int,
	work func(ctx context.Context, item T) (U, *types.ItemError, error),
	onDone func(index int, itemErr *types.ItemError),
) poolOutput[U] {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make(chan poolResult[U], len(items))

	// The collector is the only reader of results and the only caller of
	// onDone: completion accounting stays single-writer. fatalErr is only
	// written here and read after collectorDone closes.
	ordered := make([]*poolResult[U], len(items))
	var fatalErr error
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for r := range results {
			r := r
			ordered[r.index] = &r
			if r.fatal != nil {
				if fatalErr == nil {
					fatalErr = r.fatal
				}
				continue
			}
			if onDone != nil {
				onDone(r.index, r.itemErr)
			}
		}
	}()

	var wg sync.WaitGroup
	var aborted atomic.Bool
	for i, item := range items {
		// Safe checkpoint: between items, never mid-item.
		if ctx.Err() != nil || aborted.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(index int, it T) {
			defer wg.Done()
			defer sem.Release(1)

			value, itemErr, fatalErr := work(ctx, it)
			if fatalErr != nil {
				aborted.Store(true)
				results <- poolResult[U]{index: index, fatal: fatalErr}
				return
			}
			results <- poolResult[U]{index: index, value: value, itemErr: itemErr}
		}(i, item)
	}

	wg.Wait()
	close(results)
	<-collectorDone

	out := poolOutput[U]{fatal: fatalErr}
	for _, r := range ordered {
		if r == nil || r.fatal != nil {
			continue
		}
		if r.itemErr != nil {
			out.failed = append(out.failed, *r.itemErr)
		} else {
			out.succeeded = append(out.succeeded, r.value)
		}
	}
	return out
}
