// Package events lets observers follow a batch without polling the store.
package events

import (
	"fmt"
	"sync"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

// Listener holds the callbacks for one subscriber. Nil callbacks are skipped.
// Callbacks receive snapshots and must not retain them across calls if they
// mutate them.
type Listener struct {
	OnProgress       func(batch *models.Batch)
	OnComplete       func(batch *models.Batch)
	OnError          func(batch *models.Batch, message string)
	OnConfigComplete func(batch *models.Batch, result models.JobResult)
	OnConfigError    func(batch *models.Batch, jobErr models.JobError)
}

// Registry keeps per-batch listener sets
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Listener
	nextID uint64
	logger *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		subs:   make(map[string]map[uint64]Listener),
		logger: logger,
	}
}

// Subscription is returned by Register; Close removes the listener
type Subscription struct {
	registry *Registry
	batchID  string
	id       uint64
	once     sync.Once
}

// BatchID returns the batch the subscription listens to
func (s *Subscription) BatchID() string {
	return s.batchID
}

// Close unregisters the listener. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.registry.remove(s.batchID, s.id)
	})
	return nil
}

// Register adds a listener for batchID
func (r *Registry) Register(batchID string, l Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	set, ok := r.subs[batchID]
	if !ok {
		set = make(map[uint64]Listener)
		r.subs[batchID] = set
	}
	set[r.nextID] = l
	return &Subscription{registry: r, batchID: batchID, id: r.nextID}
}

// Unregister drops every listener of batchID
func (r *Registry) Unregister(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, batchID)
}

// Count returns the number of listeners registered for batchID
func (r *Registry) Count(batchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[batchID])
}

func (r *Registry) remove(batchID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[batchID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.subs, batchID)
	}
}

func (r *Registry) snapshot(batchID string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[batchID]
	out := make([]Listener, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	return out
}

// EmitProgress notifies OnProgress listeners
func (r *Registry) EmitProgress(batch *models.Batch) {
	for _, l := range r.snapshot(batch.ID) {
		if l.OnProgress != nil {
			r.call(batch.ID, "progress", func() { l.OnProgress(batch.Clone()) })
		}
	}
}

// EmitComplete notifies OnComplete listeners
func (r *Registry) EmitComplete(batch *models.Batch) {
	for _, l := range r.snapshot(batch.ID) {
		if l.OnComplete != nil {
			r.call(batch.ID, "complete", func() { l.OnComplete(batch.Clone()) })
		}
	}
}

// EmitError notifies OnError listeners of a batch-level failure
func (r *Registry) EmitError(batch *models.Batch, message string) {
	for _, l := range r.snapshot(batch.ID) {
		if l.OnError != nil {
			r.call(batch.ID, "error", func() { l.OnError(batch.Clone(), message) })
		}
	}
}

// EmitConfigComplete notifies listeners that one config succeeded
func (r *Registry) EmitConfigComplete(batch *models.Batch, result models.JobResult) {
	for _, l := range r.snapshot(batch.ID) {
		if l.OnConfigComplete != nil {
			r.call(batch.ID, "config_complete", func() { l.OnConfigComplete(batch.Clone(), result) })
		}
	}
}

// EmitConfigError notifies listeners that one config failed for good
func (r *Registry) EmitConfigError(batch *models.Batch, jobErr models.JobError) {
	for _, l := range r.snapshot(batch.ID) {
		if l.OnConfigError != nil {
			r.call(batch.ID, "config_error", func() { l.OnConfigError(batch.Clone(), jobErr) })
		}
	}
}

// call runs a listener callback; a panicking listener is logged and skipped
func (r *Registry) call(batchID, event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener panicked", map[string]interface{}{
				"batch_id": batchID,
				"event":    event,
				"panic":    fmt.Sprint(rec),
			})
		}
	}()
	fn()
}
