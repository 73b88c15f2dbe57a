package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/genbatch/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	hooks   []hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// New creates a shutdown manager whose hooks share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown hook.
// Hooks run in reverse order of registration.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Trigger initiates shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Wait blocks until SIGINT/SIGTERM, Trigger or ctx cancellation, then runs
// every hook
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case <-m.done:
		m.logger.Info("Shutdown requested")
	case <-ctx.Done():
		m.logger.Info("Context cancelled, shutting down")
	}
	m.Trigger()
	m.Shutdown()
}

// Shutdown executes all registered hooks and returns the number that failed
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for i := len(m.hooks) - 1; i >= 0; i-- {
		h := m.hooks[i]
		if err := h.fn(ctx); err != nil {
			failed++
			m.logger.Error("Shutdown hook failed", map[string]interface{}{
				"hook":  h.name,
				"error": err.Error(),
			})
		}
	}

	m.logger.Info("Graceful shutdown complete")
	return failed
}

// StopHTTPServer creates a hook for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a hook for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// WaitFor creates a hook that polls done until it reports true
func WaitFor(done func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
