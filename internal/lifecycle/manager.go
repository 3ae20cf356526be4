// Package lifecycle orchestrates the runner's own two-step graceful
// shutdown: stop the admin HTTP surface, then let the Supervisor drain
// whatever Pollers are mid-batch within its own grace period (spec §4.6,
// §6.4). Unlike a generic service with an arbitrary hook registry, this
// process has exactly two things that need draining in a fixed order, so
// Manager models that directly instead of a phase-keyed hook list.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// step is one named shutdown action with its own timeout, carved out of
// the overall shutdownTimeout budget.
type step struct {
	name     string
	timeout  time.Duration
	shutdown func(ctx context.Context) error
}

// Manager coordinates admin-server shutdown followed by supervisor drain.
type Manager struct {
	mu sync.Mutex

	httpStep  *step
	queueStep *step

	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager builds a Manager with a 90s overall shutdown budget, wide
// enough to cover the queue step's own 75s allowance plus the HTTP step.
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 90 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout overrides the overall shutdown budget.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHTTPShutdown registers the admin server's Shutdown, run first
// so no new admin traffic arrives while the Supervisor is draining.
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.httpStep = &step{name: name, timeout: 15 * time.Second, shutdown: shutdown}
}

// RegisterQueueShutdown registers the supervisor drain step. The engine
// Supervisor itself owns the actual grace period (spec §4.6); this step's
// own timeout only needs to outlast that grace period so it never cuts
// the Supervisor off before it reports its own exit code.
func (m *Manager) RegisterQueueShutdown(name string, shutdown func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueStep = &step{name: name, timeout: 75 * time.Second, shutdown: shutdown}
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives, or Shutdown is called
// programmatically.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-m.done:
		log.Info().Msg("shutdown triggered programmatically")
	}
}

// Shutdown triggers WaitForSignal to return without an OS signal.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.done) })
}

// Execute runs the admin step, then the queue step, in order. The admin
// step's failure is logged but non-fatal: a stuck HTTP listener shouldn't
// block draining in-flight queue work. The queue step's failure (its
// timeout, or whatever error the registered step returns) is returned to
// the caller; cmd/runner takes its exit code from the Supervisor instead.
func (m *Manager) Execute() error {
	m.mu.Lock()
	httpStep, queueStep, timeout := m.httpStep, m.queueStep, m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Dur("timeout", timeout).Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if httpStep != nil {
		runStep(ctx, *httpStep)
	}

	var queueErr error
	if queueStep != nil {
		queueErr = runStep(ctx, *queueStep)
	}

	if ctx.Err() != nil {
		log.Warn().Msg("shutdown timeout reached, forcing exit")
		return ctx.Err()
	}
	if queueErr != nil {
		return queueErr
	}

	log.Info().Msg("graceful shutdown completed")
	return nil
}

// runStep runs one step under its own timeout, derived from parentCtx.
func runStep(parentCtx context.Context, s step) error {
	ctx, cancel := context.WithTimeout(parentCtx, s.timeout)
	defer cancel()

	log.Debug().Str("step", s.name).Dur("timeout", s.timeout).Msg("running shutdown step")

	errCh := make(chan error, 1)
	go func() { errCh <- s.shutdown(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("step", s.name).Msg("shutdown step failed")
		} else {
			log.Debug().Str("step", s.name).Msg("shutdown step completed")
		}
		return err
	case <-ctx.Done():
		log.Warn().Str("step", s.name).Msg("shutdown step timed out")
		return ctx.Err()
	}
}

// Run combines WaitForSignal and Execute for convenience.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
