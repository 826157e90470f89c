package buildengine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchMode selects how BuildBatch treats per-profile failures (spec §4.4
// "Batch mode").
type BatchMode int

const (
	// FailFast aborts submission of further pending builds as soon as any
	// profile build fails; already-running builds run to completion.
	FailFast BatchMode = iota
	// BestEffort runs every selected profile to completion regardless of
	// other failures, then aggregates per-profile results.
	BestEffort
)

// BatchItem is one profile's outcome within a batch.
type BatchItem struct {
	ProfileID string
	Result    *BuildResult
	Err       error
}

// BatchOptions configures BuildBatch.
type BatchOptions struct {
	Mode        BatchMode
	Parallelism int64 // bounded global parallelism across the batch; <=0 means 1
	BuildOpts   Options
}

// BuildBatch runs profileIDs through BuildOrReuse with bounded parallelism,
// FIFO admission (spec §4.4 "admission is FIFO by request order" — the
// semaphore's Acquire queue is itself FIFO), and the fail-fast/best-effort
// semantics named in spec §4.4.
func (e *Engine) BuildBatch(ctx context.Context, profileIDs []string, opts BatchOptions) ([]BatchItem, error) {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(parallelism)

	items := make([]BatchItem, len(profileIDs))

	if opts.Mode == FailFast {
		g, gctx := errgroup.WithContext(ctx)
		// failed is set before the failing build releases its semaphore
		// slot; the deferred Release runs before errgroup cancels gctx, so
		// a waiter admitted by that Release checks this flag instead.
		var failed atomic.Bool
		for i, id := range profileIDs {
			i, id := i, id
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					items[i] = BatchItem{ProfileID: id, Err: err}
					return err
				}
				defer sem.Release(1)
				if failed.Load() {
					items[i] = BatchItem{ProfileID: id, Err: context.Canceled}
					return context.Canceled
				}

				// Run against the original (non-cancelling) ctx, not gctx: gctx
				// is cancelled by errgroup as soon as any sibling fails, and
				// BuildOrReuse threads its context straight into
				// exec.CommandContext, which SIGKILLs the subprocess on
				// cancellation. Gating only the semaphore admission on gctx
				// stops new builds from starting after a failure while letting
				// already-running ones finish under procrunner's own
				// SIGTERM-then-grace-then-SIGKILL escalation, per spec §4.4
				// ("already-running builds run to completion").
				res, err := e.BuildOrReuse(ctx, id, opts.BuildOpts)
				items[i] = BatchItem{ProfileID: id, Result: res, Err: err}
				if err != nil {
					failed.Store(true)
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
		return items, nil
	}

	// BestEffort: run every item to completion regardless of others' outcome.
	g := new(errgroup.Group)
	for i, id := range profileIDs {
		i, id := i, id
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				items[i] = BatchItem{ProfileID: id, Err: err}
				return nil
			}
			defer sem.Release(1)

			res, err := e.BuildOrReuse(ctx, id, opts.BuildOpts)
			items[i] = BatchItem{ProfileID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}
