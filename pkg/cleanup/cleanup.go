package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/genbatch/pkg/logging"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	RetentionDays int           `mapstructure:"retention_days" validate:"gte=0"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	VacuumEvery   time.Duration `mapstructure:"vacuum_interval" validate:"gte=0"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
}

// DefaultConfig returns the defaults used by `genbatch serve`
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RetentionDays: 30,
		Interval:      24 * time.Hour,
		VacuumEvery:   7 * 24 * time.Hour,
		InitialDelay:  5 * time.Minute,
	}
}

// Pruner deletes finished batches older than a number of days
type Pruner interface {
	PruneOlderThan(ctx context.Context, days int) (int, error)
}

// Vacuumer reclaims storage after deletes
type Vacuumer interface {
	Vacuum() error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalPruned         int64         `json:"total_pruned"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastError           string        `json:"last_error,omitempty"`
}

// Manager prunes old batches on a schedule
type Manager struct {
	config   Config
	pruner   Pruner
	vacuumer Vacuumer
	logger   *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager. vacuumer may be nil.
func NewManager(config Config, pruner Pruner, vacuumer Vacuumer, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		config:   config,
		pruner:   pruner,
		vacuumer: vacuumer,
		logger:   logger.WithField("component", "cleanup"),
	}
}

// Start begins the background loops. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention_days": m.config.RetentionDays,
		"interval":       m.config.Interval.String(),
	})

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.cleanupLoop(ctx)

	if m.vacuumer != nil && m.config.VacuumEvery > 0 {
		m.wg.Add(1)
		go m.vacuumLoop(ctx)
	}
}

// Stop ends the loops and waits for a running pass to finish
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.InitialDelay):
		}
	}
	m.RunNow(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunNow(ctx)
		}
	}
}

func (m *Manager) vacuumLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.VacuumNow()
		}
	}
}

// RunNow prunes immediately and returns the number of batches removed
func (m *Manager) RunNow(ctx context.Context) int {
	start := time.Now()
	pruned, err := m.pruner.PruneOlderThan(ctx, m.config.RetentionDays)
	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalPruned += int64(pruned)
	m.stats.LastError = ""
	if err != nil {
		m.stats.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Cleanup failed", map[string]interface{}{
			"error":  err.Error(),
			"pruned": pruned,
		})
		return pruned
	}
	m.logger.Debug("Cleanup complete", map[string]interface{}{
		"pruned":   pruned,
		"duration": duration.String(),
	})
	return pruned
}

// VacuumNow runs storage maintenance immediately
func (m *Manager) VacuumNow() {
	if m.vacuumer == nil {
		return
	}
	if err := m.vacuumer.Vacuum(); err != nil {
		m.logger.Error("Vacuum failed", map[string]interface{}{"error": err.Error()})
		return
	}

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
