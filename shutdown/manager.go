package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Ramkumar137/DesignMate/core"

	"go.uber.org/zap"
)

// Priorities used by the server when registering handlers. Lower runs first.
const (
	PriorityHTTP     = 10
	PriorityWorkers  = 20
	PriorityPipeline = 30
	PriorityDatabase = 40
	PriorityFiles    = 50
	PriorityLogger   = 90
)

// Manager owns the process lifetime: it cancels its context on SIGINT or
// SIGTERM, keeps generations from starting once shutdown begins, and runs
// the registered handlers after in-flight work drains.
//
//	manager := shutdown.NewManager(logger)
//	manager.Register("database", shutdown.PriorityDatabase, func(ctx context.Context) error {
//	    return database.Close()
//	})
//	manager.Start()
//	<-manager.Context().Done()
//	err := manager.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(int)

	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
	signals  *SignalCounter

	sigChan chan os.Signal
	stopSig chan struct{}
	sigDone chan struct{}
}

type ManagerOption func(*Manager)

// WithTimeout bounds the drain plus handler phase. Default 30s.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithExitFunc replaces os.Exit for the forced-exit path.
func WithExitFunc(exit func(int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger,
		timeout:  30 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewShutdownRegistry(),
		sigChan:  make(chan os.Signal, 2),
		stopSig:  make(chan struct{}),
		sigDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("second signal received, exiting without cleanup")
		m.exit(core.ExitCodeError)
	})
	return m
}

// Context is cancelled as soon as shutdown is requested.
func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go m.watchSignals()
}

func (m *Manager) watchSignals() {
	defer close(m.sigDone)
	for {
		select {
		case sig := <-m.sigChan:
			m.handleSignal(sig.String())
		case <-m.stopSig:
			return
		}
	}
}

func (m *Manager) handleSignal(name string) {
	if m.signals.Increment() == 1 {
		m.logger.Info("shutdown signal received", zap.String("signal", name))
		m.cancel()
	}
}

// Trigger requests shutdown without an OS signal, e.g. from a service
// manager stop callback.
func (m *Manager) Trigger(reason string) {
	m.logger.Info("shutdown requested", zap.String("reason", reason))
	m.cancel()
}

// Shutdown rejects new operations, waits for in-flight ones up to the
// timeout and then runs every handler. Only the first call does work.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	begin := time.Now()
	m.logger.Info("shutting down",
		zap.Duration("timeout", m.timeout),
		zap.Int64("in_flight", m.tracker.ActiveCount()),
		zap.Int("handlers", m.registry.Count()),
	)

	m.tracker.Close()
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("in-flight generations still running",
			zap.Int64("remaining", m.tracker.ActiveCount()),
			zap.Duration("waited", time.Since(begin)),
		)
	}

	remaining := m.timeout - time.Since(begin)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown handler failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.stopSig)
		<-m.sigDone
	}

	m.logger.Info("shutdown complete",
		zap.Duration("duration", time.Since(begin)),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// Wait blocks until shutdown is requested.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// WrapOperation runs fn as a tracked operation. It returns ErrTrackerClosed
// without calling fn once shutdown has begun.
func (m *Manager) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown || m.ctx.Err() != nil
}

// RegisteredHandlers lists handler names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}
