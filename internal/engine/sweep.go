package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"maplebill/internal/types"
)

// Sweep tuning defaults.
const (
	DefaultSweepBatchLimit  = 200
	DefaultSweepConcurrency = 8
	// DefaultEventRetention is how long processed webhook event ids are
	// kept for dedup before being pruned.
	DefaultEventRetention = 30 * 24 * time.Hour
)

// Sweeper drives time-based lapses: expired trials and past-due periods that
// never recovered. Each account lapses in its own transaction through the
// ordinary guarded cancel path; a failure on one account is logged and does
// not block the rest of the batch.
type Sweeper struct {
	db          TransitionDB
	engine      *Service
	logger      *slog.Logger
	batchLimit  int
	concurrency int
	retention   time.Duration
	now         func() time.Time
}

// SweeperOption adjusts sweep tuning away from the defaults.
type SweeperOption func(*Sweeper)

// WithBatchLimit caps how many candidate rows one scan returns.
func WithBatchLimit(n int) SweeperOption {
	return func(w *Sweeper) {
		if n > 0 {
			w.batchLimit = n
		}
	}
}

// WithConcurrency bounds how many accounts lapse in parallel.
func WithConcurrency(n int) SweeperOption {
	return func(w *Sweeper) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithEventRetention sets how long processed webhook event ids are kept.
func WithEventRetention(d time.Duration) SweeperOption {
	return func(w *Sweeper) {
		if d > 0 {
			w.retention = d
		}
	}
}

// NewSweeper creates a sweeper over the given engine. logger may be nil.
func NewSweeper(db TransitionDB, engine *Service, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Sweeper{
		db:          db,
		engine:      engine,
		logger:      logger,
		batchLimit:  DefaultSweepBatchLimit,
		concurrency: DefaultSweepConcurrency,
		retention:   DefaultEventRetention,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SweepResult reports one sweep run.
type SweepResult struct {
	TrialsLapsed  int
	PastDueLapsed int
	EventsPruned  int64
}

// Run performs a full sweep: expired trials, expired past-due periods, then
// webhook dedup pruning. Partial results are returned with the first error.
func (w *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	lapsed, err := w.sweepBatches(ctx, w.db.ListTrialsEndingBefore, w.engine.LapseTrial)
	result.TrialsLapsed = lapsed
	if err != nil {
		return result, fmt.Errorf("sweeping expired trials: %w", err)
	}

	lapsed, err = w.sweepBatches(ctx, w.db.ListPastDueEndedBefore, w.engine.LapsePastDue)
	result.PastDueLapsed = lapsed
	if err != nil {
		return result, fmt.Errorf("sweeping expired past-due periods: %w", err)
	}

	pruned, err := w.db.PruneProcessorEvents(ctx, w.now().UTC().Add(-w.retention))
	result.EventsPruned = pruned
	if err != nil {
		return result, fmt.Errorf("pruning processor events: %w", err)
	}

	w.logger.InfoContext(ctx, "sweep complete",
		"trials_lapsed", result.TrialsLapsed,
		"past_due_lapsed", result.PastDueLapsed,
		"events_pruned", result.EventsPruned,
	)
	return result, nil
}

// sweepBatches scans candidates in batches and lapses each concurrently,
// bounded by the sweeper's concurrency limit. A batch that lapses nothing
// ends the loop; otherwise rows that fail and remain candidates would spin
// the scan forever.
func (w *Sweeper) sweepBatches(
	ctx context.Context,
	list func(ctx context.Context, cutoff time.Time, limit int) ([]types.Subscription, error),
	lapse func(ctx context.Context, accountID string) (bool, *types.AppError),
) (int, error) {
	total := 0
	for {
		batch, err := list(ctx, w.now().UTC(), w.batchLimit)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		var lapsed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.concurrency)
		for i := range batch {
			sub := batch[i]
			g.Go(func() error {
				done, appErr := lapse(gctx, sub.AccountID)
				if appErr != nil {
					// Logged and skipped; the row stays a candidate for
					// the next run.
					w.logger.ErrorContext(gctx, "failed to lapse subscription",
						"account_id", sub.AccountID,
						"subscription_id", sub.ID,
						"error", appErr,
					)
					return nil
				}
				if done {
					lapsed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}

		total += int(lapsed.Load())
		if lapsed.Load() == 0 {
			return total, nil
		}
	}
}
