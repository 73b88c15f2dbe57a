package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

var (
	ErrBatchNotFound       = errors.New("batch not found")
	ErrBatchExists         = errors.New("batch already exists")
	ErrInvalidBatch        = errors.New("invalid batch record")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// UpdateFunc mutates a private copy of a batch. Returning an error aborts the
// update and nothing is written.
type UpdateFunc func(b *models.Batch) error

// Store defines the interface for batch persistence.
// Memory, SQLite and PostgreSQL implement this interface.
//
// Every method returns copies; mutating a returned batch never changes the
// stored record. UpdateBatch is atomic per batch: concurrent updates of the
// same batch are serialized, so a read-modify-write never loses a write.
type Store interface {
	CreateBatch(ctx context.Context, batch *models.Batch) (*models.Batch, error)
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	// ListBatches returns batches newest first. Records that fail to decode
	// or validate are logged and skipped.
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	UpdateBatch(ctx context.Context, id string, fn UpdateFunc) (*models.Batch, error)
	DeleteBatch(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string

	Logger *logging.Logger
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(config.Logger), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "genbatch.db"
		}
		return NewSQLiteStore(path, config.Logger)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
