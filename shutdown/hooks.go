package shutdown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"rugcomposer/core"
)

// Hook priorities used by the server. Lower runs first.
const (
	PriorityHTTP     = 10
	PriorityDatabase = 30
	PriorityLogger   = 90
)

type hook struct {
	name     string
	priority int
	fn       core.ShutdownFunc
}

// Hooks is an ordered set of cleanup functions that runs once.
type Hooks struct {
	mu    sync.Mutex
	hooks []hook
	ran   bool
}

// Add registers fn. Hooks added after Run are ignored.
func (h *Hooks) Add(name string, priority int, fn core.ShutdownFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ran {
		return
	}
	h.hooks = append(h.hooks, hook{name: name, priority: priority, fn: fn})
}

// Names returns hook names in run order.
func (h *Hooks) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sorted := h.sortedLocked()
	names := make([]string, len(sorted))
	for i, hk := range sorted {
		names[i] = hk.name
	}
	return names
}

// Run calls every hook in priority order, registration order breaking
// ties, and joins their errors. Only the first call does anything.
func (h *Hooks) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return nil
	}
	h.ran = true
	sorted := h.sortedLocked()
	h.mu.Unlock()

	var errs []error
	for _, hk := range sorted {
		if err := hk.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hooks) sortedLocked() []hook {
	sorted := slices.Clone(h.hooks)
	slices.SortStableFunc(sorted, func(a, b hook) int { return a.priority - b.priority })
	return sorted
}
