package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports one retention pass.
type CleanupResult struct {
	GenerationsDeleted int64
	Duration           time.Duration
}

// Cleanup deletes generation history older than retentionDays and vacuums
// the file. Users are never deleted. A retention of 0 disables cleanup.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if retentionDays == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	conn, err := d.conn()
	if err != nil {
		return result, err
	}

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := conn.ExecContext(ctx, "DELETE FROM generations WHERE created_at < ?", cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete old generations: %w", err)
	}
	result.GenerationsDeleted, _ = res.RowsAffected()

	if result.GenerationsDeleted > 0 {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// StartCleanupScheduler runs Cleanup now and then every interval until ctx
// is cancelled. onCleanup, if set, receives each result.
func (d *Database) StartCleanupScheduler(ctx context.Context, retentionDays int, interval time.Duration, onCleanup func(CleanupResult, error)) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go func() {
		run := func() {
			result, err := d.Cleanup(ctx, retentionDays)
			if onCleanup != nil {
				onCleanup(result, err)
			}
		}
		run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
