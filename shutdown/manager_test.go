package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManager_RunsHandlersInPriorityOrder(t *testing.T) {
	m := NewManager(zap.NewNop())
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	m.Register("database", PriorityDatabase, record("database"))
	m.Register("http", PriorityHTTP, record("http"))
	m.Register("logger", PriorityLogger, record("logger"))
	m.Register("pipeline", PriorityPipeline, record("pipeline"))

	want := []string{"http", "pipeline", "database", "logger"}
	if diff := cmp.Diff(want, m.RegisteredHandlers()); diff != "" {
		t.Errorf("RegisteredHandlers() mismatch (-want +got):\n%s", diff)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	if m.Context().Err() == nil {
		t.Error("context should be cancelled after Shutdown")
	}

	// Second call is a no-op.
	if err := m.Shutdown(); err != nil || len(order) != 4 {
		t.Errorf("second Shutdown() = %v, handlers ran %d times", err, len(order))
	}
}

func TestManager_JoinsHandlerErrors(t *testing.T) {
	m := NewManager(zap.NewNop())
	boom := errors.New("boom")
	ran := false
	m.Register("fails", 1, func(context.Context) error { return boom })
	m.Register("still-runs", 2, func(context.Context) error { ran = true; return nil })

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("Shutdown() = %v, want wrapped boom", err)
	}
	if !ran {
		t.Error("later handlers must run after a failure")
	}
}

func TestManager_WaitsForInFlightOperations(t *testing.T) {
	m := NewManager(zap.NewNop(), WithTimeout(5*time.Second))
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	go func() {
		_ = m.WrapOperation(context.Background(), "generate", func(context.Context) error {
			close(started)
			<-release
			finished.Store(true)
			return nil
		})
	}()
	<-started
	if m.ActiveOperations() != 1 {
		t.Fatalf("ActiveOperations() = %d, want 1", m.ActiveOperations())
	}

	var sawFinished atomic.Bool
	m.Register("pipeline", PriorityPipeline, func(context.Context) error {
		sawFinished.Store(finished.Load())
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	if err := m.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !sawFinished.Load() {
		t.Error("handlers ran before the in-flight operation finished")
	}

	err := m.WrapOperation(context.Background(), "late", func(context.Context) error {
		t.Error("operation should not run after shutdown")
		return nil
	})
	if !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("WrapOperation() after shutdown = %v, want ErrTrackerClosed", err)
	}
}

func TestManager_DrainTimeout(t *testing.T) {
	m := NewManager(zap.NewNop(), WithTimeout(20*time.Millisecond))
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.WrapOperation(context.Background(), "stuck", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	handlerRan := false
	m.Register("db", PriorityDatabase, func(context.Context) error { handlerRan = true; return nil })
	if err := m.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !handlerRan {
		t.Error("handlers should still run after the drain times out")
	}
	close(release)
	<-done
}

func TestManager_SignalsAndForceExit(t *testing.T) {
	var exitCode atomic.Int32
	exitCode.Store(-1)
	m := NewManager(zap.NewNop(), WithExitFunc(func(code int) { exitCode.Store(int32(code)) }))
	m.Start()
	m.Start()

	m.handleSignal("interrupt")
	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("first signal should cancel the context")
	}
	if !m.IsShuttingDown() {
		t.Error("IsShuttingDown() should be true after a signal")
	}
	if exitCode.Load() != -1 {
		t.Error("first signal must not force exit")
	}

	m.handleSignal("interrupt")
	if exitCode.Load() != 1 {
		t.Errorf("exit code = %d, want 1", exitCode.Load())
	}

	if err := m.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestManager_Trigger(t *testing.T) {
	m := NewManager(nil)
	m.Trigger("service stop")
	m.Wait()
	if err := m.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveTempFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sd_control_1.png", "sd_out_2.png", "keep.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if err := RemoveTempFiles(zap.NewNop(), dir, "sd_*")(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "keep.png" {
		t.Errorf("remaining files = %v", entries)
	}
}

func TestRemoveWorkDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	fn := RemoveWorkDir(zap.NewNop(), dir)
	if err := fn(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}
	if err := fn(context.Background()); err != nil {
		t.Errorf("missing dir should not be an error: %v", err)
	}
}
