package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/logging"
)

// Manager coordinates a graceful stop:
//  1. the first SIGINT/SIGTERM cancels Context so the server stops accepting
//  2. Shutdown refuses new operations and drains running ones within the timeout
//  3. cleanup hooks run in priority order with whatever budget remains
//
// A second signal exits immediately.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	m.Register("database", shutdown.PriorityDatabase, func(ctx context.Context) error { return database.Close() })
//	m.Start()
//	<-m.Context().Done()
//	_ = m.Shutdown()
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration
	exit    func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	inflight InFlight
	hooks    Hooks

	mu       sync.Mutex
	started  bool
	stopping bool
	signals  int
	sigChan  chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds draining plus cleanup. The default is 60 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithExit replaces os.Exit for the forced path.
func WithExit(exit func(code int)) Option {
	return func(m *Manager) { m.exit = exit }
}

// NewManager creates a Manager.
func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logger.Named("shutdown"),
		timeout: 60 * time.Second,
		exit:    os.Exit,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup hook.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.hooks.Add(name, priority, fn)
	m.logger.Debug("Registered shutdown hook", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Repeated calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.onSignal(sig)
		}
	}()
}

func (m *Manager) onSignal(sig os.Signal) {
	m.mu.Lock()
	m.signals++
	count := m.signals
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("Received shutdown signal, draining in-flight renders",
			zap.String("signal", sig.String()),
			zap.Int64("in_flight", m.inflight.Active()),
		)
		m.cancel()
		return
	}

	code := core.ExitCodeSIGINT
	if sig == syscall.SIGTERM {
		code = core.ExitCodeSIGTERM
	}
	m.logger.Warn("Received second signal, exiting without draining", zap.Int("exit_code", code))
	m.exit(code)
}

// Track runs fn as an in-flight operation. Once shutdown has begun, fn is
// not run and ErrClosed is returned. A running fn is never interrupted by
// shutdown; Shutdown waits for it instead.
func (m *Manager) Track(name string, fn func() error) error {
	if !m.inflight.Begin() {
		m.logger.Debug("Operation refused during shutdown", zap.String("operation", name))
		return ErrClosed
	}
	defer m.inflight.End()
	return fn()
}

// Active returns the number of tracked operations still running.
func (m *Manager) Active() int64 {
	return m.inflight.Active()
}

// ShuttingDown reports whether Shutdown has been called.
func (m *Manager) ShuttingDown() bool {
	return m.inflight.Closed()
}

// Hooks returns registered hook names in run order.
func (m *Manager) Hooks() []string {
	return m.hooks.Names()
}

// Shutdown drains tracked operations and runs the hooks. Only the first call
// does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.mu.Unlock()

	start := time.Now()
	m.cancel()
	m.inflight.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if active := m.inflight.Active(); active > 0 {
		m.logger.Info("Waiting for in-flight renders", zap.Int64("active", active))
	}
	if err := m.inflight.Drain(ctx); err != nil {
		m.logger.Warn("Drain timed out",
			zap.Duration("waited", time.Since(start)),
			zap.Int64("remaining", m.inflight.Active()),
		)
	}

	// Hooks always get at least a second, even after a slow drain.
	hookCtx := ctx
	if deadline, _ := ctx.Deadline(); time.Until(deadline) < time.Second {
		var hookCancel context.CancelFunc
		hookCtx, hookCancel = context.WithTimeout(context.Background(), time.Second)
		defer hookCancel()
	}

	m.logger.Info("Running shutdown hooks", zap.Strings("hooks", m.hooks.Names()))
	err := m.hooks.Run(hookCtx)

	m.mu.Lock()
	if m.started {
		signal.Stop(m.sigChan)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Shutdown finished with errors", zap.Error(err), logging.Elapsed(start))
		return err
	}
	m.logger.Info("Shutdown complete", logging.Elapsed(start))
	return nil
}
