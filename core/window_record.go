package core

import (
	"time"
)

// DefaultRateLimitWindow is the fixed window the API request limiter counts in.
const DefaultRateLimitWindow = time.Minute

// WindowRecord counts requests from one client inside a fixed window.
type WindowRecord struct {
	// Count is the number of requests within the current window
	Count int

	// ResetAt is when the window closes and Count starts over
	ResetAt time.Time
}

// NewWindowRecord opens a window at now with a count of one.
func NewWindowRecord(now time.Time, window time.Duration) WindowRecord {
	return WindowRecord{
		Count:   1,
		ResetAt: now.Add(window),
	}
}

// Expired reports whether the window closed before now.
func (w WindowRecord) Expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

// Exceeds reports whether the window holds more than limit requests.
func (w WindowRecord) Exceeds(limit int) bool {
	return w.Count > limit
}

// RetryAfter returns how long until the window resets, never negative.
func (w WindowRecord) RetryAfter(now time.Time) time.Duration {
	remaining := w.ResetAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Increment counts one more request, starting a new window if the current
// one has expired.
func (w WindowRecord) Increment(now time.Time, window time.Duration) WindowRecord {
	if w.Expired(now) {
		return NewWindowRecord(now, window)
	}
	return WindowRecord{
		Count:   w.Count + 1,
		ResetAt: w.ResetAt,
	}
}
