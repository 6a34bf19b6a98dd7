package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown hooks in reverse registration order
type Manager struct {
	mu       sync.Mutex
	hooks    []hook
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
}

// New creates a manager whose hooks share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger,
		doneChan: make(chan struct{}),
	}
}

// Register adds a hook. Hooks run LIFO, so register in start-up order.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Done is closed once shutdown begins
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then runs the hooks
func (m *Manager) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	if ctx.Err() == nil {
		m.logger.Info("received shutdown signal")
	}
	return m.Shutdown()
}

// Shutdown runs every hook once, even if earlier ones fail, and returns
// their joined errors
func (m *Manager) Shutdown() error {
	m.once.Do(func() { close(m.doneChan) })

	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		m.logger.Info("stopping "+h.name)
		if err := h.fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", map[string]interface{}{"hook": h.name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	m.logger.Info("graceful shutdown complete")
	return errors.Join(errs...)
}

// StopHTTPServer wraps server.Shutdown as a hook
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// StopFunc wraps a blocking stop function as a hook. A stop that outlives
// the shutdown timeout is abandoned.
func StopFunc(stop func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
