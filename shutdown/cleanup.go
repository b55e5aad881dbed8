package shutdown

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Ramkumar137/DesignMate/core"

	"go.uber.org/zap"
)

// RemoveTempFiles returns a handler that deletes files in dir matching
// pattern, such as control images and partial outputs left by an
// interrupted sd run. Failures are logged and never block shutdown.
func RemoveTempFiles(logger *zap.Logger, dir, pattern string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		removed, failed := removeMatching(ctx, logger, dir, pattern)
		if removed+failed > 0 {
			logger.Info("removed temporary files",
				zap.String("dir", dir),
				zap.Int("removed", removed),
				zap.Int("failed", failed),
			)
		}
		return nil
	}
}

// RemoveWorkDir returns a handler that deletes dir and everything in it.
// A missing directory is not an error.
func RemoveWorkDir(logger *zap.Logger, dir string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			logger.Warn("skipping work dir removal", zap.String("dir", dir), zap.Error(err))
			return nil
		}
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil || !info.IsDir() {
			logger.Warn("work dir not removable", zap.String("dir", dir), zap.Error(err))
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.Error("failed to remove work dir", zap.String("dir", dir), zap.Error(err))
			return nil
		}
		logger.Debug("removed work dir", zap.String("dir", dir))
		return nil
	}
}

func removeMatching(ctx context.Context, logger *zap.Logger, dir, pattern string) (removed, failed int) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		logger.Error("bad temp file pattern", zap.String("pattern", pattern), zap.Error(err))
		return 0, 0
	}
	for _, match := range matches {
		if ctx.Err() != nil {
			logger.Warn("cleanup interrupted", zap.Int("remaining", len(matches)-removed-failed))
			return removed, failed
		}
		if err := os.Remove(match); err != nil {
			failed++
			logger.Warn("failed to remove temp file", zap.String("file", filepath.Base(match)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, failed
}
