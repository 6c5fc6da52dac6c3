// Package shutdown drains in-flight renders and runs ordered cleanup when
// the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when work is offered after draining began.
var ErrClosed = errors.New("shutdown: no longer accepting work")

// InFlight counts running operations and lets shutdown wait for them.
type InFlight struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active atomic.Int64
	closed bool
}

// Begin registers one operation. It returns false once Close was called;
// callers that get true must call End exactly once.
func (f *InFlight) Begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	f.active.Add(1)
	return true
}

// End marks one operation finished.
func (f *InFlight) End() {
	f.active.Add(-1)
	f.wg.Done()
}

// Close stops Begin from admitting new operations.
func (f *InFlight) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Closed reports whether Close was called.
func (f *InFlight) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Active returns the number of running operations.
func (f *InFlight) Active() int64 {
	return f.active.Load()
}

// Drain waits for running operations until ctx is done.
func (f *InFlight) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
