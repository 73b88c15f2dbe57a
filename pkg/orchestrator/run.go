package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/retry"
	"github.com/psantana5/genbatch/pkg/scheduler"
	"github.com/psantana5/genbatch/pkg/tracing"
)

// ErrBatchFailed wraps failures of the run loop itself, as opposed to
// failures of individual configs
var ErrBatchFailed = errors.New("batch run failed")

// generated is what one config execution hands back to the scheduler
type generated struct {
	output   map[string]interface{}
	attempts int
}

// run schedules configs of an already processing batch and finalizes it
func (o *Orchestrator) run(ctx context.Context, r *activeRun, b *models.Batch, configs []models.JobConfig) error {
	started := o.now()
	if o.metrics != nil {
		o.metrics.BatchStarted()
	}

	ctx, span := o.tracer.StartBatch(ctx, b.ID, len(configs))
	runErr := o.schedule(ctx, r, b.ID, configs)
	tracing.End(span, runErr)
	return o.finalize(ctx, b.ID, runErr, started)
}

// schedule drives the pool. Store writes use a context that survives
// cancellation of ctx so that results of in-flight configs are never lost.
func (o *Orchestrator) schedule(ctx context.Context, r *activeRun, batchID string, configs []models.JobConfig) (runErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("%w: panic: %v", ErrBatchFailed, rec)
			o.logger.Error("Batch run panicked", map[string]interface{}{
				"batch_id": batchID,
				"panic":    fmt.Sprint(rec),
				"stack":    string(debug.Stack()),
			})
		}
	}()

	wctx := context.WithoutCancel(ctx)
	dispatchedAt := make(map[string]time.Time, len(configs))

	pool := &scheduler.Pool[models.JobConfig, generated]{
		Concurrency: o.concurrency,
		Execute: func(ctx context.Context, cfg models.JobConfig) (generated, error) {
			return o.generate(ctx, batchID, cfg)
		},
		Stop: func() bool {
			return r.cancelled.Load() || runErr != nil
		},
		OnDispatch: func(cfg models.JobConfig) {
			dispatchedAt[cfg.ID] = o.now()
			if o.metrics != nil {
				o.metrics.ConfigDispatched()
			}
			err := o.dispatched(wctx, batchID, cfg)
			if err != nil && runErr == nil {
				runErr = fmt.Errorf("%w: %v", ErrBatchFailed, err)
			}
		},
		OnSettle: func(cfg models.JobConfig, out generated, err error) {
			status := models.JobStatusCompleted
			if err != nil {
				status = models.JobStatusFailed
			}
			if o.metrics != nil {
				o.metrics.ConfigSettled(string(status), o.now().Sub(dispatchedAt[cfg.ID]))
			}
			delete(dispatchedAt, cfg.ID)

			b, werr := o.settled(wctx, batchID, cfg, out, err)
			if werr != nil {
				if runErr == nil {
					runErr = fmt.Errorf("%w: %v", ErrBatchFailed, werr)
				}
				return
			}
			if b.Status == models.BatchStatusCancelled {
				r.cancelled.Store(true)
			}
		},
	}

	stats := pool.Run(ctx, configs)
	o.logger.Debug("Scheduler drained", map[string]interface{}{
		"batch_id":      batchID,
		"dispatched":    stats.Dispatched,
		"skipped":       stats.Skipped,
		"max_in_flight": stats.MaxInFlight,
	})
	return runErr
}

// generate runs one config through the retry policy
func (o *Orchestrator) generate(ctx context.Context, batchID string, cfg models.JobConfig) (generated, error) {
	ctx, span := o.tracer.StartConfig(ctx, batchID, cfg.ID)

	policy := o.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		if o.metrics != nil {
			o.metrics.Retry()
		}
		tracing.RecordRetry(ctx, attempt, err, delay)
		o.logger.Warn("Generation attempt failed, retrying", map[string]interface{}{
			"batch_id":  batchID,
			"config_id": cfg.ID,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     err.Error(),
		})
	}

	var out generated
	result, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (map[string]interface{}, error) {
		out.attempts = attempt
		return o.callClient(ctx, cfg)
	})
	tracing.End(span, err)
	if err != nil {
		return out, err
	}
	out.output = result
	return out, nil
}

// callClient converts a panicking client into an ordinary failed attempt
func (o *Orchestrator) callClient(ctx context.Context, cfg models.JobConfig) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", scheduler.ErrPanicked, rec)
		}
	}()
	return o.client.Generate(ctx, cfg.Payload)
}

// dispatched marks a config as processing
func (o *Orchestrator) dispatched(ctx context.Context, batchID string, cfg models.JobConfig) error {
	_, err := o.store.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		b.SetResult(models.JobResult{
			ConfigID:   cfg.ID,
			ConfigName: cfg.Name,
			Status:     models.JobStatusProcessing,
			CreatedAt:  o.now(),
		})
		b.Progress.CurrentConfig = cfg.Name
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to record dispatch", map[string]interface{}{
			"batch_id":  batchID,
			"config_id": cfg.ID,
			"error":     err.Error(),
		})
	}
	return err
}

// settled records the outcome of a config and notifies listeners
func (o *Orchestrator) settled(ctx context.Context, batchID string, cfg models.JobConfig, out generated, genErr error) (*models.Batch, error) {
	now := o.now()
	result := models.JobResult{
		ConfigID:   cfg.ID,
		ConfigName: cfg.Name,
		Attempts:   out.attempts,
		CreatedAt:  now,
	}
	var jobErr models.JobError
	if genErr == nil {
		result.Status = models.JobStatusCompleted
		result.Result = out.output
	} else {
		result.Status = models.JobStatusFailed
		result.Error = genErr.Error()
		jobErr = models.JobError{
			ConfigID:   cfg.ID,
			ConfigName: cfg.Name,
			Error:      genErr.Error(),
			Timestamp:  now,
			Retryable:  retry.IsRetryable(genErr),
		}
	}

	b, err := o.store.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		b.SetResult(result)
		if genErr != nil {
			b.AddError(jobErr)
		}
		b.RecomputeProgress()
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to record config result", map[string]interface{}{
			"batch_id":  batchID,
			"config_id": cfg.ID,
			"error":     err.Error(),
		})
		return nil, err
	}

	if genErr == nil {
		o.logger.Info("Config completed", map[string]interface{}{
			"batch_id":  batchID,
			"config_id": cfg.ID,
			"attempts":  out.attempts,
			"progress":  fmt.Sprintf("%d/%d", b.Progress.Current, b.Progress.Total),
		})
		if o.history != nil {
			if err := o.history.Record(ctx, batchID, result); err != nil {
				o.logger.Warn("Failed to record history", map[string]interface{}{
					"batch_id":  batchID,
					"config_id": cfg.ID,
					"error":     err.Error(),
				})
			}
		}
		o.events.EmitConfigComplete(b, result)
	} else {
		o.logger.Warn("Config failed", map[string]interface{}{
			"batch_id":  batchID,
			"config_id": cfg.ID,
			"attempts":  out.attempts,
			"retryable": jobErr.Retryable,
			"error":     genErr.Error(),
		})
		o.events.EmitConfigError(b, jobErr)
	}
	o.events.EmitProgress(b)
	return b, nil
}

// finalize moves the batch to its terminal state once the scheduler has
// drained. A batch cancelled by the user keeps its status.
func (o *Orchestrator) finalize(ctx context.Context, batchID string, runErr error, started time.Time) error {
	wctx := context.WithoutCancel(ctx)
	interrupted := runErr == nil && ctx.Err() != nil
	userCancelled := false

	b, err := o.store.UpdateBatch(wctx, batchID, func(b *models.Batch) error {
		b.Progress.CurrentConfig = ""
		b.RecomputeProgress()
		now := o.now()
		switch {
		case b.Status == models.BatchStatusCancelled:
			userCancelled = true
			return nil
		case runErr != nil:
			return b.Transition(models.BatchStatusFailed, runErr.Error(), now)
		case interrupted:
			return b.Transition(models.BatchStatusCancelled, "interrupted: "+ctx.Err().Error(), now)
		default:
			return b.Transition(b.FinalStatus(), "all configs settled", now)
		}
	})
	if err != nil {
		o.logger.Error("Failed to finalize batch", map[string]interface{}{
			"batch_id": batchID,
			"error":    err.Error(),
		})
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("%w: finalize: %v", ErrBatchFailed, err)
	}

	if o.metrics != nil {
		o.metrics.BatchFinished(string(b.Status), o.now().Sub(started))
	}

	succeeded, failed := b.Counts()
	fields := map[string]interface{}{
		"batch_id":  batchID,
		"status":    string(b.Status),
		"succeeded": succeeded,
		"failed":    failed,
		"duration":  o.now().Sub(started).String(),
	}

	switch {
	case runErr != nil:
		o.logger.Error("Batch failed", fields)
		o.events.EmitError(b, runErr.Error())
		return runErr
	case userCancelled:
		o.logger.Info("Cancelled batch drained", fields)
		return nil
	}

	o.logger.Info("Batch finished", fields)
	o.events.EmitComplete(b)

	if b.Status == models.BatchStatusCompleted {
		o.autoExport(wctx, b)
	}
	return nil
}

// autoExport hands successful results to the export sink when the batch asks
// for it. Export failures never change the batch status.
func (o *Orchestrator) autoExport(ctx context.Context, b *models.Batch) {
	if o.exporter == nil || !b.Options.AutoExport || b.Options.ExportBankID == "" {
		return
	}
	results := b.CompletedResults()
	if len(results) == 0 {
		return
	}
	if err := o.exporter.Export(ctx, b.Options.ExportBankID, results, b.Options.Tags); err != nil {
		o.logger.Warn("Auto-export failed", map[string]interface{}{
			"batch_id": b.ID,
			"bank_id":  b.Options.ExportBankID,
			"error":    err.Error(),
		})
		return
	}
	o.logger.Info("Batch exported", map[string]interface{}{
		"batch_id": b.ID,
		"bank_id":  b.Options.ExportBankID,
		"results":  len(results),
	})
}
