// Package orchestrator runs the resumable batch pipeline: diff submitted
// dishes against the durable state, price the remainder in fixed-size
// batches, checkpoint after each batch, and roll batch learnings forward
// into the next one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"menucost"
	"menucost/slack"
	"menucost/state"
)

// ErrAlreadyRunning is returned when a run is submitted while another is in
// flight. One job per process; the durable state file is not shareable.
var ErrAlreadyRunning = errors.New("an estimation run is already in progress")

// ErrNotCompleted is returned when a quote is requested before the job
// finishes.
var ErrNotCompleted = errors.New("estimation job is not completed")

// statusItemLimit bounds how many recent items a status poll returns.
const statusItemLimit = 5

// Orchestrator coordinates the estimator, the durable store, and an
// optional completion notifier.
type Orchestrator struct {
	estimator     menucost.Estimator
	store         *state.Store
	batchSize     int
	notifier      menucost.Notifier
	notifyChannel string

	running atomic.Bool

	mu         sync.Mutex
	totalKnown int
}

func New(est menucost.Estimator, store *state.Store, batchSize int) *Orchestrator {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Orchestrator{
		estimator: est,
		store:     store,
		batchSize: batchSize,
	}
}

// SetNotifier enables completion notifications on the given channel.
func (o *Orchestrator) SetNotifier(n menucost.Notifier, channel string) {
	o.notifier = n
	o.notifyChannel = channel
}

// Run executes a job synchronously. Already-checkpointed dishes are skipped,
// so calling Run again after a crash resumes where the last checkpoint left
// off.
func (o *Orchestrator) Run(ctx context.Context, dishes []menucost.DishRequest) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	return o.run(ctx, dishes)
}

// Submit starts a job in the background and returns immediately. With reset
// set, the previous job's state is discarded first. A second submit while a
// run is in flight is rejected.
func (o *Orchestrator) Submit(dishes []menucost.DishRequest, reset bool) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if reset {
		if err := o.store.Reset(); err != nil {
			o.running.Store(false)
			return fmt.Errorf("failed to reset job state: %w", err)
		}
	}

	go func() {
		defer o.running.Store(false)
		if err := o.run(context.Background(), dishes); err != nil {
			slog.Error("ORCHESTRATOR: Background run failed", "error", err)
		}
	}()

	return nil
}

func (o *Orchestrator) run(ctx context.Context, dishes []menucost.DishRequest) error {
	processed := o.store.ProcessedNames()

	pending := make([]menucost.DishRequest, 0, len(dishes))
	for _, dish := range dishes {
		if _, done := processed[dish.Name]; done {
			continue
		}
		pending = append(pending, dish)
	}

	o.mu.Lock()
	o.totalKnown = len(processed) + len(pending)
	o.mu.Unlock()

	slog.Info("ORCHESTRATOR: Starting run",
		"submitted", len(dishes),
		"already_processed", len(processed),
		"pending", len(pending),
		"batch_size", o.batchSize,
	)

	if len(pending) == 0 {
		if err := o.store.SetStatus(menucost.StatusCompleted); err != nil {
			slog.Warn("ORCHESTRATOR: Failed to persist status", "status", menucost.StatusCompleted, "error", err)
		}
		o.notifyStatus(ctx)
		return nil
	}

	if err := o.store.SetStatus(menucost.StatusInProgress); err != nil {
		slog.Warn("ORCHESTRATOR: Failed to persist status", "status", menucost.StatusInProgress, "error", err)
	}

	for start := 0; start < len(pending); start += o.batchSize {
		end := start + o.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		// One learnings snapshot per batch; dishes within a batch share it
		// and do not see each other's results.
		learnings := o.store.Snapshot().CurrentLearnings

		slog.Info("ORCHESTRATOR: Processing batch", "from", start, "to", end, "size", len(batch))

		results := make([]menucost.LineItem, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, dish := range batch {
			g.Go(func() error {
				item, err := o.estimator.Estimate(gctx, dish, learnings)
				if err != nil {
					return err
				}
				results[i] = item
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			// No checkpoint for a failed batch: the next run re-prices the
			// whole batch from the last durable state.
			slog.Error("ORCHESTRATOR: Batch failed", "from", start, "to", end, "error", err)
			if serr := o.store.SetStatus(menucost.StatusFailed); serr != nil {
				slog.Warn("ORCHESTRATOR: Failed to persist status", "status", menucost.StatusFailed, "error", serr)
			}
			o.notifyStatus(ctx)
			return fmt.Errorf("batch failed: %w", err)
		}

		delta, err := o.estimator.Compact(ctx, results)
		if err != nil {
			slog.Warn("ORCHESTRATOR: Context compaction failed, continuing without delta", "error", err)
			delta = ""
		}

		if err := o.store.AppendBatch(results, delta); err != nil {
			// Memory stays authoritative; the degraded durability is
			// surfaced through status polling.
			slog.Warn("ORCHESTRATOR: Checkpoint flush failed", "error", err)
		}

		slog.Info("ORCHESTRATOR: Batch checkpointed", "processed_total", o.store.Snapshot().ProcessedCount)
	}

	if err := o.store.SetStatus(menucost.StatusCompleted); err != nil {
		slog.Warn("ORCHESTRATOR: Failed to persist status", "status", menucost.StatusCompleted, "error", err)
	}

	o.notifyStatus(ctx)
	slog.Info("ORCHESTRATOR: Run completed", "processed_count", o.store.Snapshot().ProcessedCount)
	return nil
}

// Status returns a snapshot for polling: counts, status, learnings, the
// latest few priced items, and a degraded-durability flag when the last
// checkpoint flush failed.
func (o *Orchestrator) Status() menucost.JobStatus {
	snap := o.store.Snapshot()

	o.mu.Lock()
	totalKnown := o.totalKnown
	o.mu.Unlock()
	if snap.ProcessedCount > totalKnown {
		totalKnown = snap.ProcessedCount
	}

	latest := snap.ProcessedItems
	if len(latest) > statusItemLimit {
		latest = latest[len(latest)-statusItemLimit:]
	}

	status := menucost.JobStatus{
		ProcessedCount:    snap.ProcessedCount,
		TotalItemsInState: len(snap.ProcessedItems),
		TotalKnown:        totalKnown,
		Status:            snap.Status,
		Learnings:         snap.CurrentLearnings,
		LatestItems:       latest,
	}

	if err := o.store.LastSaveErr(); err != nil {
		status.DurabilityDegraded = true
		status.LastSaveError = err.Error()
	}

	return status
}

// Quote assembles the final catering quote from a completed job.
func (o *Orchestrator) Quote(event string) (menucost.CateringQuote, error) {
	snap := o.store.Snapshot()
	if snap.Status != menucost.StatusCompleted {
		return menucost.CateringQuote{}, ErrNotCompleted
	}
	return menucost.NewCateringQuote(event, snap.ProcessedItems), nil
}

// notifyStatus posts the current job summary to the configured channel.
func (o *Orchestrator) notifyStatus(ctx context.Context) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.PostMessage(ctx, o.notifyChannel, slack.JobSummary(o.Status())); err != nil {
		slog.Warn("ORCHESTRATOR: Notification failed", "error", err)
	}
}
