package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Async writer defaults.
const (
	DefaultChannelCapacity = 100
	DefaultDrainTimeout    = 30 * time.Second
)

// WriteOperation is one queued write.
type WriteOperation struct {
	Data      interface{}
	Timestamp time.Time
}

// WriteHandler persists one operation. Errors are logged by the writer.
type WriteHandler func(ctx context.Context, op WriteOperation) error

// AsyncWriter moves history inserts off the request path: a buffered channel
// feeds one background goroutine, and Stop drains what is left.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	logger    *zap.Logger

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	stopped bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewAsyncWriter creates a writer with a buffer of capacity operations.
func NewAsyncWriter(handler WriteHandler, capacity int, logger *zap.Logger) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, capacity),
		handler:   handler,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopped {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.writeChan:
			w.handle(op)
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.writeChan:
			w.handle(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) handle(op WriteOperation) {
	// Queued writes must land even while the writer is draining.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.handler(ctx, op); err != nil {
		w.failed.Add(1)
		w.logger.Warn("async write failed", zap.Error(err))
		return
	}
	w.written.Add(1)
}

// Write queues data without blocking. It returns false when the buffer is
// full or the writer has stopped. The send happens under mu so nothing is
// queued after Stop has begun its final drain.
func (w *AsyncWriter) Write(data interface{}) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.dropped.Add(1)
		return false
	}

	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Pending returns the number of queued operations.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// IsStarted reports whether the background goroutine is running.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

// Stats returns written, failed and dropped counts.
func (w *AsyncWriter) Stats() (written, failed, dropped int64) {
	return w.written.Load(), w.failed.Load(), w.dropped.Load()
}

// Stop drains pending writes and waits for the goroutine, bounded by ctx.
func (w *AsyncWriter) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
