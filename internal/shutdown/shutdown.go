// Package shutdown stops the daemon's components in reverse start order
// within a deadline.
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

	"github.com/abakedjoetato/killfeed/internal/logging"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when the sequence outlives its deadline.
var ErrTimeout = errors.New("shutdown timed out")

// Func performs cleanup during shutdown.
type Func func(context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager runs registered steps once, last registered first, so a
// component stops before the things it depends on.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Manager{
		logger:     logger.WithComponent("shutdown"),
		timeout:    cfg.Timeout,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RegisterFunc adds a named step.
func (m *Manager) RegisterFunc(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("step", name).Msg("Registered shutdown step")
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Component can be stopped during shutdown.
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers c.Stop under c.Name().
func (m *Manager) RegisterComponent(c Component) {
	m.RegisterFunc(c.Name(), c.Stop)
}

// RegisterCloser registers a Close method that takes no context.
func (m *Manager) RegisterCloser(name string, close func() error) {
	m.RegisterFunc(name, func(context.Context) error { return close() })
}

// WaitForSignal blocks until a signal arrives or ctx ends, then shuts
// down. It returns the shutdown error.
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
		m.logger.Info().Msg("Context ended, shutting down")
	case <-m.shutdownCh:
	}
	return m.Shutdown()
}

// Shutdown runs every step once. Later calls wait for the first and return
// its result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.err = m.run()
		close(m.done)
	})
	<-m.done
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			m.logger.Warn().Str("step", s.name).Msg("Skipping shutdown step after timeout")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, ErrTimeout))
			continue
		}

		start := time.Now()
		if err := m.runStep(ctx, s); err != nil {
			m.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().Str("step", s.name).Dur("duration", time.Since(start)).Msg("Shutdown step completed")
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed")
	}
	return err
}

// runStep abandons a step that ignores ctx once the deadline passes.
func (m *Manager) runStep(ctx context.Context, s step) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.fn(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Done is closed once shutdown has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ShutdownChannel is closed when shutdown begins.
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// HandlePanic recovers from a panic, shuts down and re-panics.
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().Interface("panic", r).Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}
