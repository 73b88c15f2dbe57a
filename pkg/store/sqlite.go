package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store.
// Each batch is stored as one JSON document next to a few indexed columns.
type SQLiteStore struct {
	db      *sql.DB
	updates *keyedMutex
	logger  *logging.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db, updates: newKeyedMutex(), logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateBatch inserts a new batch
func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	data, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM batches WHERE id = ?`, batch.ID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check batch %s: %w", batch.ID, err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBatchExists, batch.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, batch.ID, batch.Name, string(batch.Status), batch.CreatedAt.UTC(), batch.UpdatedAt.UTC(), string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}

	return batch.Clone(), nil
}

// GetBatch retrieves a batch by ID
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	return s.getBatch(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) getBatch(ctx context.Context, q queryRower, id string) (*models.Batch, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %s: %w", id, err)
	}
	return decodeBatch([]byte(data))
}

// ListBatches returns all valid batches, newest first
func (s *SQLiteStore) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]*models.Batch, 0)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batch, err := decodeBatch([]byte(data))
		if err != nil {
			logDropped(s.logger, id, err)
			continue
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}

	sortNewestFirst(batches)
	return batches, nil
}

// UpdateBatch applies fn inside a transaction
func (s *SQLiteStore) UpdateBatch(ctx context.Context, id string, fn UpdateFunc) (*models.Batch, error) {
	unlock := s.updates.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	batch, err := s.getBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(batch); err != nil {
		return nil, err
	}
	batch.ID = id
	batch.UpdatedAt = time.Now()

	data, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batches SET name = ?, status = ?, updated_at = ?, data = ? WHERE id = ?
	`, batch.Name, string(batch.Status), batch.UpdatedAt.UTC(), string(data), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update batch %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch %s: %w", id, err)
	}
	return batch, nil
}

// DeleteBatch removes a batch
func (s *SQLiteStore) DeleteBatch(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete batch %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space left by deleted batches
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}
