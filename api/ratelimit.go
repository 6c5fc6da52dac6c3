package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"rugcomposer/core"
)

// CodeRateLimited is returned when a client exceeds its request window.
const CodeRateLimited = "RATE_LIMITED"

// RateLimiter admits at most limit requests per client per fixed window.
// Windows start at a client's first request and are kept in memory.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]core.WindowRecord
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter. window falls back to one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = core.DefaultRateLimitWindow
	}
	return &RateLimiter{
		windows: make(map[string]core.WindowRecord),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow counts one request from key and reports whether it is admitted.
// When refused it also returns how long until the window resets.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.windows[key]
	if !ok {
		record = core.NewWindowRecord(now, r.window)
	} else {
		record = record.Increment(now, r.window)
	}
	r.windows[key] = record

	if record.Exceeds(r.limit) {
		return false, record.RetryAfter(now)
	}
	return true, 0
}

// Cleanup drops expired windows and returns how many were removed.
func (r *RateLimiter) Cleanup() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.windows {
		if record.Expired(now) {
			delete(r.windows, key)
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

// Count returns the number of tracked clients.
func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Middleware refuses over-limit clients with 429 and a Retry-After header.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := r.Allow(c.ClientIP())
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			c.Header("Retry-After", strconv.Itoa(max(seconds, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "too many requests",
				Code:  CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}
