package tracker

import (
	"sync/atomic"
	"time"
)

type entry struct {
	name      string
	budget    time.Duration
	createdAt time.Time
	lastTouch atomic.Int64 // nanoseconds since the registry epoch
}

// Handle is the monitored task's reference to its tracker. Touch is the only
// operation intended for hot paths; it performs a single atomic store and never
// takes the registry mutex.
type Handle struct {
	registry *Registry
	entry    *entry
	closed   atomic.Bool
}

// Name returns the tracker's registered name, including any unique suffix.
func (h *Handle) Name() string {
	return h.entry.name
}

// Budget returns the tracker's maximum allowed silence duration.
func (h *Handle) Budget() time.Duration {
	return h.entry.budget
}

// Touch records the current instant as the tracker's last observed progress.
// Touching a closed handle is a no-op.
func (h *Handle) Touch() {
	if h == nil || h.closed.Load() {
		return
	}
	h.entry.lastTouch.Store(int64(h.registry.Now()))
}

// Alive reports whether the tracker is within its silence budget.
func (h *Handle) Alive() bool {
	if h == nil || h.closed.Load() {
		return false
	}
	elapsed := h.registry.Now() - time.Duration(h.entry.lastTouch.Load())
	return elapsed <= h.entry.budget
}

// Close unregisters the tracker. It is idempotent; closing twice is a no-op.
func (h *Handle) Close() {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.registry.remove(h.entry)
}
