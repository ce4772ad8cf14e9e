package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateName indicates that a tracker with the same name is already registered.
	ErrDuplicateName = errors.New("tracker: duplicate name")
)

// State is an immutable copy of a tracker's registry entry taken at snapshot time.
type State struct {
	Name      string
	Budget    time.Duration
	LastTouch time.Duration
	CreatedAt time.Time
}

// Alive reports whether the tracker was within its silence budget at the provided
// registry-relative instant. A tracker exactly at its budget boundary is still alive.
func (s State) Alive(now time.Duration) bool {
	return now-s.LastTouch <= s.Budget
}

// Registry owns the set of active liveness trackers. All mutations are serialized
// under a single mutex; touches bypass the mutex entirely via per-entry atomics so
// monitored goroutines never contend with registrations or health scans.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	epoch   time.Time
	now     func() time.Time
}

// RegistryOption customises registry behaviour.
type RegistryOption func(*Registry)

// WithClock injects a custom time source, enabling deterministic tests.
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs an empty tracker registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	reg := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	reg.epoch = reg.now()
	return reg
}

// Now returns the current instant relative to the registry epoch. States returned
// by Snapshot use the same reference, so the two compose directly.
func (r *Registry) Now() time.Duration {
	return r.now().Sub(r.epoch)
}

// RegisterOption customises a single registration.
type RegisterOption func(*registration)

type registration struct {
	uniqueSuffix bool
}

// WithUniqueSuffix appends a random suffix to the tracker name so several
// instances of the same task can register without colliding.
func WithUniqueSuffix() RegisterOption {
	return func(reg *registration) {
		reg.uniqueSuffix = true
	}
}

// Register adds a tracker for a monitored execution path and records an initial
// touch. It fails with ErrDuplicateName when the name is already active;
// registering again after a prior Close succeeds.
func (r *Registry) Register(name string, budget time.Duration, opts ...RegisterOption) (*Handle, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errors.New("tracker name must not be empty")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("tracker %q requires a positive budget", trimmed)
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.uniqueSuffix {
		trimmed = trimmed + "." + uuid.NewString()
	}

	e := &entry{
		name:      trimmed,
		budget:    budget,
		createdAt: r.now(),
	}
	e.lastTouch.Store(int64(r.Now()))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[trimmed]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, trimmed)
	}
	r.entries[trimmed] = e

	return &Handle{registry: r, entry: e}, nil
}

// Snapshot copies the current registry contents, ordered by name. The copy is
// taken under the mutex; evaluation happens on the copy so health scans never
// hold the lock while deciding liveness.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	states := make([]State, 0, len(r.entries))
	for _, e := range r.entries {
		states = append(states, State{
			Name:      e.name,
			Budget:    e.budget,
			LastTouch: time.Duration(e.lastTouch.Load()),
			CreatedAt: e.createdAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// Len returns the number of active trackers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Names returns the active tracker names, ordered.
func (r *Registry) Names() []string {
	states := r.Snapshot()
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, s.Name)
	}
	return names
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[e.name]; ok && current == e {
		delete(r.entries, e.name)
	}
}
