// Package cache stores short-lived string values in Redis when REDIS_URL is
// set and in process memory otherwise.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cache is a TTL key/value store. A miss is ok=false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New connects to redisURL, or returns a Memory cache when it is empty.
// A Redis that cannot be reached falls back to memory with a warning.
func New(ctx context.Context, redisURL string, logger *zap.Logger) Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if redisURL == "" {
		logger.Info("assistant cache: in-memory")
		return NewMemory()
	}
	r, err := NewRedis(ctx, redisURL, "designmate:")
	if err != nil {
		logger.Warn("redis unavailable, using in-memory cache", zap.Error(err))
		return NewMemory()
	}
	logger.Info("assistant cache: redis", zap.String("addr", r.Addr()))
	return r
}
