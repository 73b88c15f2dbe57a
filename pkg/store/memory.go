package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	batches map[string]*models.Batch
	mu      sync.RWMutex
	updates *keyedMutex
	logger  *logging.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MemoryStore{
		batches: make(map[string]*models.Batch),
		updates: newKeyedMutex(),
		logger:  logger,
	}
}

// CreateBatch adds a new batch
func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	if err := ValidateBatch(batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBatchExists, batch.ID)
	}
	s.batches[batch.ID] = batch.Clone()
	return batch.Clone(), nil
}

// GetBatch retrieves a batch by ID
func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

// ListBatches returns all valid batches, newest first
func (s *MemoryStore) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	s.mu.RLock()
	batches := make([]*models.Batch, 0, len(s.batches))
	for id, batch := range s.batches {
		if err := ValidateBatch(batch); err != nil {
			logDropped(s.logger, id, err)
			continue
		}
		batches = append(batches, batch.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(batches)
	return batches, nil
}

// UpdateBatch applies fn to a copy of the batch and swaps it in
func (s *MemoryStore) UpdateBatch(ctx context.Context, id string, fn UpdateFunc) (*models.Batch, error) {
	unlock := s.updates.Lock(id)
	defer unlock()

	current, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.ID = id
	current.UpdatedAt = time.Now()
	if err := ValidateBatch(current); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		// deleted while fn ran
		return nil, ErrBatchNotFound
	}
	s.batches[id] = current
	return current.Clone(), nil
}

// DeleteBatch removes a batch, reporting whether it existed
func (s *MemoryStore) DeleteBatch(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return false, nil
	}
	delete(s.batches, id)
	return true, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum() error { return nil }
