package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/genbatch/pkg/models"
)

// DefaultStaleAfter is how long a processing batch may go without a store
// update before recovery treats its run as lost
const DefaultStaleAfter = 30 * time.Minute

const interruptedError = "interrupted: run stopped before this config finished"

// errNotStale aborts an update when the batch moved on since it was listed
var errNotStale = errors.New("batch is no longer stale")

// RecoverStale fails batches left in processing by a run that no longer
// exists, such as one in a process that crashed. A batch qualifies when this
// orchestrator is not running it and it has not been updated for staleAfter.
// Every config without a terminal result is marked failed, so RetryFailed can
// resume the batch later. It returns the number of recovered batches.
func (o *Orchestrator) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	batches, err := o.store.ListBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list batches: %w", err)
	}

	now := o.now()
	cutoff := now.Add(-staleAfter)
	recovered := 0
	for _, b := range batches {
		if b.Status != models.BatchStatusProcessing || o.isActive(b.ID) || !b.UpdatedAt.Before(cutoff) {
			continue
		}

		lastUpdate := b.UpdatedAt
		updated, err := o.store.UpdateBatch(ctx, b.ID, func(b *models.Batch) error {
			if b.Status != models.BatchStatusProcessing || !b.UpdatedAt.Equal(lastUpdate) {
				return errNotStale
			}
			failInterrupted(b, now)
			b.Progress.CurrentConfig = ""
			return b.Transition(models.BatchStatusFailed, fmt.Sprintf("interrupted: no progress since %s", lastUpdate.Format(time.RFC3339)), now)
		})
		if errors.Is(err, errNotStale) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover batch %s: %w", b.ID, err)
		}

		recovered++
		o.logger.Warn("Recovered stale batch", map[string]interface{}{
			"batch_id":    b.ID,
			"last_update": lastUpdate.Format(time.RFC3339),
			"progress":    fmt.Sprintf("%d/%d", updated.Progress.Current, updated.Progress.Total),
		})
		if o.metrics != nil {
			o.metrics.BatchFinished(string(models.BatchStatusFailed), 0)
		}
		o.events.EmitError(updated, "run interrupted")
	}

	if recovered > 0 {
		o.logger.Info("Stale batch recovery complete", map[string]interface{}{"recovered": recovered})
	}
	return recovered, nil
}

// failInterrupted records a retryable failure for every config whose latest
// result is not terminal, including configs that were never dispatched
func failInterrupted(b *models.Batch, at time.Time) {
	for _, cfg := range b.Configs {
		if r, ok := b.Result(cfg.ID); ok && r.Status.IsTerminal() {
			continue
		}
		b.SetResult(models.JobResult{
			ConfigID:   cfg.ID,
			ConfigName: cfg.Name,
			Status:     models.JobStatusFailed,
			Error:      interruptedError,
			CreatedAt:  at,
		})
		b.AddError(models.JobError{
			ConfigID:   cfg.ID,
			ConfigName: cfg.Name,
			Error:      interruptedError,
			Timestamp:  at,
			Retryable:  true,
		})
	}
	b.RecomputeProgress()
}
