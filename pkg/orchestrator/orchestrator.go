// Package orchestrator owns batch lifecycles: it creates batches, drives them
// through the bounded scheduler with per-config retries, records outcomes in
// the store and notifies listeners.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/genbatch/pkg/events"
	"github.com/psantana5/genbatch/pkg/generation"
	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/metrics"
	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/retry"
	"github.com/psantana5/genbatch/pkg/scheduler"
	"github.com/psantana5/genbatch/pkg/store"
	"github.com/psantana5/genbatch/pkg/tracing"
)

var (
	ErrNotFound       = errors.New("batch not found")
	ErrAlreadyRunning = errors.New("batch is already running")
	ErrNoFailures     = errors.New("batch has no failed configs")
	ErrInvalidBatch   = errors.New("invalid batch")
)

// HistorySink records each successful result. Failures are logged only.
type HistorySink interface {
	Record(ctx context.Context, batchID string, result models.JobResult) error
}

// ExportSink receives the successful results of a finished batch when the
// batch asks for auto-export. Failures are logged only.
type ExportSink interface {
	Export(ctx context.Context, bankID string, results []models.JobResult, tags []string) error
}

// Config holds the orchestrator's collaborators and knobs. Zero values fall
// back to defaults.
type Config struct {
	Concurrency int
	Retry       retry.Policy

	Logger   *logging.Logger
	Metrics  *metrics.Recorder
	Tracer   *tracing.Provider
	Events   *events.Registry
	History  HistorySink
	Exporter ExportSink

	// Now is the clock used for timestamps
	Now func() time.Time
}

// Orchestrator runs batches. One instance allows a single run per batch id at
// a time.
type Orchestrator struct {
	store  store.Store
	client generation.Client

	concurrency int
	policy      retry.Policy
	logger      *logging.Logger
	metrics     *metrics.Recorder
	tracer      *tracing.Provider
	events      *events.Registry
	history     HistorySink
	exporter    ExportSink
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the in-memory handle of a batch being processed
type activeRun struct {
	cancelled atomic.Bool
}

// New creates an orchestrator over st that generates through client
func New(st store.Store, client generation.Client, cfg Config) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = scheduler.DefaultConcurrency
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewRegistry(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		store:       st,
		client:      client,
		concurrency: cfg.Concurrency,
		policy:      cfg.Retry,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		events:      cfg.Events,
		history:     cfg.History,
		exporter:    cfg.Exporter,
		now:         cfg.Now,
		active:      make(map[string]*activeRun),
	}
}

// CreateBatch stores a new pending batch. Configs without an ID get one.
func (o *Orchestrator) CreateBatch(ctx context.Context, name string, configs []models.JobConfig, options models.BatchOptions) (*models.Batch, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: at least one config is required", ErrInvalidBatch)
	}

	seen := make(map[string]bool, len(configs))
	cfgs := make([]models.JobConfig, len(configs))
	for i, cfg := range configs {
		cfg.ID = strings.TrimSpace(cfg.ID)
		if cfg.ID == "" {
			cfg.ID = uuid.New().String()
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("%w: duplicate config id %q", ErrInvalidBatch, cfg.ID)
		}
		seen[cfg.ID] = true
		if cfg.Name == "" {
			cfg.Name = cfg.ID
		}
		cfgs[i] = cfg
	}

	now := o.now()
	id := uuid.New().String()
	if strings.TrimSpace(name) == "" {
		name = "batch-" + id[:8]
	}

	batch := &models.Batch{
		ID:        id,
		Name:      name,
		Configs:   cfgs,
		Options:   options,
		Status:    models.BatchStatusPending,
		Progress:  models.BatchProgress{Total: len(cfgs)},
		Results:   []models.JobResult{},
		Errors:    []models.JobError{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := o.store.CreateBatch(ctx, batch)
	if err != nil {
		if errors.Is(err, store.ErrInvalidBatch) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	o.logger.Info("Batch created", map[string]interface{}{
		"batch_id": created.ID,
		"name":     created.Name,
		"configs":  len(created.Configs),
	})
	return created, nil
}

// Get returns a batch snapshot
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Batch, error) {
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, o.mapStoreErr(id, err)
	}
	return b, nil
}

// List returns all batches, newest first
func (o *Orchestrator) List(ctx context.Context) ([]*models.Batch, error) {
	batches, err := o.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// Delete removes a batch. Batches being processed cannot be deleted.
func (o *Orchestrator) Delete(ctx context.Context, id string) (bool, error) {
	if o.isActive(id) {
		return false, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get batch: %w", err)
	}
	if b.Status == models.BatchStatusProcessing {
		return false, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	deleted, err := o.store.DeleteBatch(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete batch: %w", err)
	}
	if deleted {
		o.events.Unregister(id)
		o.logger.Info("Batch deleted", map[string]interface{}{"batch_id": id})
	}
	return deleted, nil
}

// PruneOlderThan deletes finished batches created more than days ago and
// returns how many were removed. Pending and processing batches are kept
// regardless of age.
func (o *Orchestrator) PruneOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must be non-negative, got %d", days)
	}
	batches, err := o.store.ListBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list batches: %w", err)
	}

	cutoff := o.now().Add(-time.Duration(days) * 24 * time.Hour)
	pruned := 0
	for _, b := range batches {
		if models.IsActiveState(b.Status) || o.isActive(b.ID) {
			continue
		}
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		deleted, err := o.store.DeleteBatch(ctx, b.ID)
		if err != nil {
			return pruned, fmt.Errorf("failed to delete batch %s: %w", b.ID, err)
		}
		if deleted {
			o.events.Unregister(b.ID)
			pruned++
		}
	}

	if pruned > 0 {
		o.logger.Info("Pruned old batches", map[string]interface{}{
			"count": pruned,
			"days":  days,
		})
	}
	return pruned, nil
}

// RegisterListeners subscribes l to a batch's events. Close the returned
// subscription to unregister.
func (o *Orchestrator) RegisterListeners(batchID string, l events.Listener) *events.Subscription {
	return o.events.Register(batchID, l)
}

// UnregisterListeners drops every listener of a batch
func (o *Orchestrator) UnregisterListeners(batchID string) {
	o.events.Unregister(batchID)
}

// Cancel stops a batch from dispatching more configs. Configs already in
// flight finish and their results are still recorded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if r := o.lookup(id); r != nil {
		r.cancelled.Store(true)
	}

	alreadyCancelled := false
	b, err := o.store.UpdateBatch(ctx, id, func(b *models.Batch) error {
		if b.Status == models.BatchStatusCancelled {
			alreadyCancelled = true
			return nil
		}
		return b.Transition(models.BatchStatusCancelled, "cancelled by user", o.now())
	})
	if err != nil {
		return o.mapStoreErr(id, err)
	}
	if alreadyCancelled {
		return nil
	}

	o.logger.Info("Batch cancelled", map[string]interface{}{
		"batch_id": id,
		"progress": fmt.Sprintf("%d/%d", b.Progress.Current, b.Progress.Total),
	})
	if o.metrics != nil && !o.isActive(id) {
		o.metrics.BatchFinished(string(models.BatchStatusCancelled), 0)
	}
	o.events.EmitComplete(b)
	return nil
}

// Run is a batch that has been claimed by this instance and moved to
// processing but not scheduled yet. Execute must be called exactly once;
// until then the batch counts as running here.
type Run struct {
	o       *Orchestrator
	active  *activeRun
	batch   *models.Batch
	configs []models.JobConfig
	once    sync.Once
}

// BatchID returns the id of the batch being run
func (r *Run) BatchID() string { return r.batch.ID }

// Configs returns the configs this run will schedule
func (r *Run) Configs() []models.JobConfig {
	return append([]models.JobConfig(nil), r.configs...)
}

// Execute schedules the run's configs and blocks until the batch reaches a
// terminal state. Only the first call does anything.
func (r *Run) Execute(ctx context.Context) error {
	err := fmt.Errorf("%w: run already executed", ErrAlreadyRunning)
	r.once.Do(func() {
		defer r.o.deactivate(r.batch.ID)
		err = r.o.run(ctx, r.active, r.batch, r.configs)
	})
	return err
}

// Start runs every config of a pending batch and blocks until the batch
// reaches a terminal state. Config failures are recorded on the batch and
// never returned; only operational errors and batch-level failures are.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	r, err := o.BeginStart(ctx, id)
	if err != nil {
		return err
	}
	return r.Execute(ctx)
}

// BeginStart claims a pending batch and moves it to processing. Operational
// errors (ErrNotFound, ErrAlreadyRunning, an invalid transition) are
// returned here, before any config is dispatched.
func (o *Orchestrator) BeginStart(ctx context.Context, id string) (*Run, error) {
	active, err := o.activate(id)
	if err != nil {
		return nil, err
	}

	b, err := o.store.UpdateBatch(ctx, id, func(b *models.Batch) error {
		now := o.now()
		if err := b.Transition(models.BatchStatusProcessing, "started", now); err != nil {
			return err
		}
		b.Progress.StartedAt = &now
		b.Progress.CurrentConfig = ""
		b.RecomputeProgress()
		return nil
	})
	if err != nil {
		o.deactivate(id)
		return nil, o.mapStoreErr(id, err)
	}

	o.logger.Info("Batch started", map[string]interface{}{
		"batch_id": id,
		"configs":  len(b.Configs),
	})
	return &Run{o: o, active: active, batch: b, configs: b.Configs}, nil
}

// RetryFailed reopens a finished batch and re-runs only the configs whose
// latest result failed. Their results and errors are dropped first.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) error {
	r, err := o.BeginRetry(ctx, id)
	if err != nil {
		return err
	}
	return r.Execute(ctx)
}

// BeginRetry is the synchronous half of RetryFailed: it claims the batch,
// drops the failed results and reopens the batch as processing.
func (o *Orchestrator) BeginRetry(ctx context.Context, id string) (*Run, error) {
	active, err := o.activate(id)
	if err != nil {
		return nil, err
	}

	var failed []models.JobConfig
	b, err := o.store.UpdateBatch(ctx, id, func(b *models.Batch) error {
		if !models.CanRetry(b.Status) {
			return fmt.Errorf("%w: cannot retry a %s batch", models.ErrInvalidTransition, b.Status)
		}
		failed = b.FailedConfigs()
		if len(failed) == 0 {
			return ErrNoFailures
		}

		ids := make([]string, len(failed))
		for i, cfg := range failed {
			ids[i] = cfg.ID
		}
		b.RemoveResults(ids...)
		b.ClearErrors(ids...)
		b.RecomputeProgress()

		now := o.now()
		if err := b.Transition(models.BatchStatusPending, fmt.Sprintf("retrying %d failed configs", len(failed)), now); err != nil {
			return err
		}
		if err := b.Transition(models.BatchStatusProcessing, "retry started", now); err != nil {
			return err
		}
		b.Progress.StartedAt = &now
		b.Progress.CurrentConfig = ""
		return nil
	})
	if err != nil {
		o.deactivate(id)
		return nil, o.mapStoreErr(id, err)
	}

	o.logger.Info("Retrying failed configs", map[string]interface{}{
		"batch_id": id,
		"configs":  len(failed),
	})
	return &Run{o: o, active: active, batch: b, configs: failed}, nil
}

func (o *Orchestrator) activate(id string) (*activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r := &activeRun{}
	o.active[id] = r
	return r, nil
}

func (o *Orchestrator) deactivate(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) lookup(id string) *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) isActive(id string) bool {
	return o.lookup(id) != nil
}

// IsRunning reports whether this instance is processing the batch
func (o *Orchestrator) IsRunning(id string) bool {
	return o.isActive(id)
}

// ActiveCount returns the number of batches this instance is processing
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) mapStoreErr(id string, err error) error {
	if errors.Is(err, store.ErrBatchNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
