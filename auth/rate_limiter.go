package auth

import (
	"context"
	"sync"
	"time"

	"github.com/Ramkumar137/DesignMate/core"
)

// RateLimiter counts signin attempts per client IP. Reaching maxAttempts
// inside the window blocks the IP for the block period.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]core.AttemptRecord
	maxAttempts int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

func NewRateLimiter(maxAttempts int, window, block time.Duration) *RateLimiter {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &RateLimiter{
		attempts:    make(map[string]core.AttemptRecord),
		maxAttempts: maxAttempts,
		window:      window,
		block:       block,
		now:         time.Now,
	}
}

// Allow records an attempt for ip. It returns false and the remaining block
// time once the ip is blocked.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	record, ok := r.attempts[ip]
	if ok && record.IsBlocked(now) {
		return false, record.RetryAfter(now)
	}
	if !ok {
		record = core.NewAttemptRecord(now, r.window)
	} else {
		record = record.Increment(now, r.window, r.block, r.maxAttempts)
	}
	r.attempts[ip] = record

	if record.Count > r.maxAttempts {
		return false, record.RetryAfter(now)
	}
	return true, 0
}

// Cleanup drops records whose window elapsed and returns how many went.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for ip, record := range r.attempts {
		if record.ShouldReset(now) {
			delete(r.attempts, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (r *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}

func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
