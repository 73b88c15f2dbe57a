package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateBatch checks a batch record against its schema
func ValidateBatch(b *models.Batch) error {
	if b == nil {
		return fmt.Errorf("%w: nil batch", ErrInvalidBatch)
	}
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return nil
}

func encodeBatch(b *models.Batch) ([]byte, error) {
	if err := ValidateBatch(b); err != nil {
		return nil, err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch %s: %w", b.ID, err)
	}
	return data, nil
}

func decodeBatch(data []byte) (*models.Batch, error) {
	var b models.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if err := ValidateBatch(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// sortNewestFirst orders batches by CreatedAt descending, ID as tie-breaker
func sortNewestFirst(batches []*models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID > batches[j].ID
		}
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
}

func logDropped(logger *logging.Logger, id string, err error) {
	logger.Warn("Dropping invalid batch record", map[string]interface{}{
		"batch_id": id,
		"error":    err.Error(),
	})
}

// keyedMutex serializes work per batch id
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
