package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) (*Database, *Repository) {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, NewRepository(database, nil)
}

func TestOpen_AppliesMigrations(t *testing.T) {
	database, _ := openTestDB(t)

	version, dirty, err := MigrationVersion(database.Path())
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", version, dirty)
	}

	for _, table := range []string{"users", "generations"} {
		var name string
		err := database.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Reopening an up-to-date database is not an error.
	if err := MigrateUp(database.Path()); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	database, _ := openTestDB(t)
	path := database.Path()
	database.Close()

	if err := MigrateDown(path, -1); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	version, _, err := MigrationVersion(path)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("version after down = %d, want 0", version)
	}
}

func TestDatabase_CloseIsIdempotent(t *testing.T) {
	database, repo := openTestDB(t)
	if err := database.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := database.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() after close = %v, want ErrClosed", err)
	}
	if _, err := repo.GetUserByID(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("GetUserByID() after close = %v, want ErrClosed", err)
	}
}

func TestRepository_Users(t *testing.T) {
	_, repo := openTestDB(t)
	ctx := context.Background()

	created, err := repo.CreateUser(ctx, User{Email: "ada@example.com", Username: "ada", HashedPassword: "hash"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if created.ID == 0 || !created.IsActive || created.CreatedAt.IsZero() {
		t.Errorf("created = %+v", created)
	}

	byEmail, err := repo.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if diff := cmp.Diff(created, byEmail, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("GetUserByEmail() mismatch (-want +got):\n%s", diff)
	}

	if _, err := repo.GetUserByID(ctx, created.ID); err != nil {
		t.Errorf("GetUserByID() error = %v", err)
	}
	if _, err := repo.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}

	_, err = repo.CreateUser(ctx, User{Email: "ada@example.com", Username: "other", HashedPassword: "h"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate email error = %v", err)
	}
	_, err = repo.CreateUser(ctx, User{Email: "new@example.com", Username: "ada", HashedPassword: "h"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("duplicate username error = %v", err)
	}

	taken, err := repo.UsernameTaken(ctx, "ada")
	if err != nil || !taken {
		t.Errorf("UsernameTaken(ada) = %v, %v", taken, err)
	}
	taken, err = repo.UsernameTaken(ctx, "grace")
	if err != nil || taken {
		t.Errorf("UsernameTaken(grace) = %v, %v", taken, err)
	}
}

func TestRepository_Generations(t *testing.T) {
	_, repo := openTestDB(t)
	ctx := context.Background()

	user, err := repo.CreateUser(ctx, User{Email: "u@example.com", Username: "u", HashedPassword: "h"})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	rows := []Generation{
		{RequestID: "r1", Prompt: "login page", Backend: "local", Device: "cpu", Guidance: 7.5, Steps: 30, Status: StatusSuccess, ImagePath: "/static/outputs/a.png", CreatedAt: base},
		{RequestID: "r2", UserID: &user.ID, Prompt: "dashboard", Backend: "hf", Enhanced: true, Guidance: 7.5, Steps: 30, Status: StatusSuccess, CreatedAt: base.Add(time.Minute)},
		{RequestID: "r3", UserID: &user.ID, Prompt: "settings", Backend: "local", Fallback: true, Guidance: 5, Steps: 20, Status: StatusError, ErrorMessage: "boom", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, g := range rows {
		if _, err := repo.InsertGeneration(ctx, g); err != nil {
			t.Fatalf("InsertGeneration(%s) error = %v", g.RequestID, err)
		}
	}

	all, err := repo.RecentGenerations(ctx, nil, 10)
	if err != nil {
		t.Fatalf("RecentGenerations() error = %v", err)
	}
	var ids []string
	for _, g := range all {
		ids = append(ids, g.RequestID)
	}
	if diff := cmp.Diff([]string{"r3", "r2", "r1"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if !all[0].Fallback || all[0].ErrorMessage != "boom" || all[1].Enhanced != true {
		t.Errorf("flags not round-tripped: %+v", all[:2])
	}
	if all[2].UserID != nil || all[2].Device != "cpu" {
		t.Errorf("anonymous row = %+v", all[2])
	}

	mine, err := repo.RecentGenerations(ctx, &user.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].RequestID != "r3" {
		t.Errorf("user-filtered history = %+v", mine)
	}

	n, err := repo.CountGenerations(ctx)
	if err != nil || n != 3 {
		t.Errorf("CountGenerations() = %d, %v", n, err)
	}
}

func TestCleanup_DeletesOnlyOldHistory(t *testing.T) {
	database, repo := openTestDB(t)
	ctx := context.Background()

	old := Generation{RequestID: "old", Prompt: "p", Backend: "local", Status: StatusSuccess, CreatedAt: time.Now().AddDate(0, 0, -40)}
	fresh := Generation{RequestID: "fresh", Prompt: "p", Backend: "local", Status: StatusSuccess, CreatedAt: time.Now()}
	for _, g := range []Generation{old, fresh} {
		if _, err := repo.InsertGeneration(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	result, err := database.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.GenerationsDeleted != 1 {
		t.Errorf("GenerationsDeleted = %d, want 1", result.GenerationsDeleted)
	}

	left, _ := repo.RecentGenerations(ctx, nil, 10)
	if len(left) != 1 || left[0].RequestID != "fresh" {
		t.Errorf("remaining = %+v", left)
	}

	if _, err := database.Cleanup(ctx, -1); err == nil {
		t.Error("negative retention should fail")
	}
	if result, err := database.Cleanup(ctx, 0); err != nil || result.GenerationsDeleted != 0 {
		t.Errorf("retention 0 should be a no-op, got %+v %v", result, err)
	}
}

func TestCleanupScheduler_RunsImmediately(t *testing.T) {
	database, _ := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan CleanupResult, 1)
	database.StartCleanupScheduler(ctx, 30, time.Hour, func(r CleanupResult, err error) {
		if err != nil {
			t.Errorf("scheduled cleanup error = %v", err)
		}
		select {
		case done <- r:
		default:
		}
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run the initial cleanup")
	}
}

func TestAsyncWriter_RecordsAndDrains(t *testing.T) {
	database, _ := openTestDB(t)
	// database/sql keeps its own goroutines until Close runs in Cleanup.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	repo := NewRepository(database, nil)
	writer := NewAsyncWriter(repo.GenerationWriteHandler(), 10, zap.NewNop())
	asyncRepo := NewRepository(database, writer)
	writer.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id, err := asyncRepo.RecordGeneration(ctx, Generation{RequestID: "async", Prompt: "p", Backend: "local", Status: StatusSuccess})
		if err != nil || id != 0 {
			t.Fatalf("RecordGeneration() = %d, %v; want queued", id, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := writer.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	n, err := repo.CountGenerations(ctx)
	if err != nil || n != 5 {
		t.Errorf("CountGenerations() = %d, %v; want 5", n, err)
	}
	written, failed, _ := writer.Stats()
	if written != 5 || failed != 0 {
		t.Errorf("Stats() written=%d failed=%d", written, failed)
	}

	// After Stop the repository writes synchronously.
	id, err := asyncRepo.RecordGeneration(ctx, Generation{RequestID: "sync", Prompt: "p", Backend: "local", Status: StatusSuccess})
	if err != nil || id == 0 {
		t.Errorf("RecordGeneration() after stop = %d, %v", id, err)
	}
}

func TestAsyncWriter_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	writer := NewAsyncWriter(func(ctx context.Context, op WriteOperation) error {
		<-block
		return nil
	}, 1, nil)

	// Not started: the buffer fills after one item.
	if !writer.Write(1) {
		t.Fatal("first Write should be queued")
	}
	if writer.Write(2) {
		t.Error("second Write should be dropped")
	}
	if _, _, dropped := writer.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	writer.Start()
	close(block)
	if err := writer.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if writer.Write(3) {
		t.Error("Write after Stop should be rejected")
	}
}

func TestAsyncWriter_NoWriteLostAcrossStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var handled atomic.Int64
	writer := NewAsyncWriter(func(ctx context.Context, op WriteOperation) error {
		handled.Add(1)
		return nil
	}, 1000, zap.NewNop())
	writer.Start()

	const writers, perWriter = 8, 50
	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perWriter; j++ {
				if writer.Write(j) {
					accepted.Add(1)
				}
			}
		}()
	}
	close(start)
	if err := writer.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	written, failed, dropped := writer.Stats()
	if written+failed != accepted.Load() || handled.Load() != accepted.Load() {
		t.Errorf("accepted %d but handled %d (written %d failed %d)", accepted.Load(), handled.Load(), written, failed)
	}
	if accepted.Load()+dropped != writers*perWriter {
		t.Errorf("accepted %d + dropped %d != %d", accepted.Load(), dropped, writers*perWriter)
	}
	if writer.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop", writer.Pending())
	}
}
