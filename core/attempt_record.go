package core

import (
	"time"
)

// AttemptRecord counts signin attempts from one client inside a window. Once
// the limit is reached the client stays blocked until BlockedUntil.
type AttemptRecord struct {
	Count        int
	ResetAt      time.Time
	BlockedUntil time.Time
}

// NewAttemptRecord starts a window of the given length holding one attempt.
func NewAttemptRecord(now time.Time, window time.Duration) AttemptRecord {
	return AttemptRecord{
		Count:   1,
		ResetAt: now.Add(window),
	}
}

// ShouldReset reports whether the counting window has elapsed and the record
// is not blocked.
func (a AttemptRecord) ShouldReset(now time.Time) bool {
	return now.After(a.ResetAt) && !a.IsBlocked(now)
}

// IsBlocked reports whether a block is in force at now.
func (a AttemptRecord) IsBlocked(now time.Time) bool {
	return now.Before(a.BlockedUntil)
}

// RetryAfter is the remaining block time, zero when unblocked.
func (a AttemptRecord) RetryAfter(now time.Time) time.Duration {
	if !a.IsBlocked(now) {
		return 0
	}
	return a.BlockedUntil.Sub(now)
}

// Increment records one more attempt. Reaching maxAttempts inside the window
// blocks the record for blockFor.
func (a AttemptRecord) Increment(now time.Time, window, blockFor time.Duration, maxAttempts int) AttemptRecord {
	if a.ShouldReset(now) {
		return NewAttemptRecord(now, window)
	}
	next := AttemptRecord{
		Count:        a.Count + 1,
		ResetAt:      a.ResetAt,
		BlockedUntil: a.BlockedUntil,
	}
	if next.Count >= maxAttempts && !next.IsBlocked(now) {
		next.BlockedUntil = now.Add(blockFor)
	}
	return next
}
