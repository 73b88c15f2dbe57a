package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL. Updates lock the batch
// row with SELECT ... FOR UPDATE, so several processes may share a database.
type PostgreSQLStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateBatch inserts a new batch
func (s *PostgreSQLStore) CreateBatch(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	data, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, status, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, batch.ID, batch.Name, string(batch.Status), batch.CreatedAt, batch.UpdatedAt, data)
	if err != nil {
		return nil, fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBatchExists, batch.ID)
	}

	return batch.Clone(), nil
}

// GetBatch retrieves a batch by ID
func (s *PostgreSQLStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %s: %w", id, err)
	}
	return decodeBatch(data)
}

// ListBatches returns all valid batches, newest first
func (s *PostgreSQLStore) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]*models.Batch, 0)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batch, err := decodeBatch(data)
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

// UpdateBatch applies fn while holding the row lock
func (s *PostgreSQLStore) UpdateBatch(ctx context.Context, id string, fn UpdateFunc) (*models.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", id, err)
	}

	batch, err := decodeBatch(data)
	if err != nil {
		return nil, err
	}
	if err := fn(batch); err != nil {
		return nil, err
	}
	batch.ID = id
	batch.UpdatedAt = time.Now()

	encoded, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batches SET name = $1, status = $2, updated_at = $3, data = $4 WHERE id = $5
	`, batch.Name, string(batch.Status), batch.UpdatedAt, encoded, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update batch %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch %s: %w", id, err)
	}
	return batch, nil
}

// DeleteBatch removes a batch
func (s *PostgreSQLStore) DeleteBatch(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
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
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum runs VACUUM ANALYZE on the batches table
func (s *PostgreSQLStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM ANALYZE batches")
	return err
}
