package health

import (
	"context"
	"errors"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/tracker"
)

// Source provides tracker snapshots for evaluation. *tracker.Registry satisfies it.
type Source interface {
	Snapshot() []tracker.State
	Now() time.Duration
}

// Result captures the liveness evaluation of a single tracker.
type Result struct {
	Name    string
	Alive   bool
	Silence time.Duration
	Budget  time.Duration
}

// Snapshot is the outcome of one aggregation cycle. It is never mutated after
// creation; each cycle produces a fresh value.
type Snapshot struct {
	Healthy     bool
	Stalled     []string
	Trackers    []Result
	EvaluatedAt time.Time
}

// Evaluator computes overall health from the tracker registry. Overall health is
// healthy iff every registered tracker is within its silence budget; an empty
// registry is healthy, since absence of monitored work is not failure.
type Evaluator struct {
	source Source
	now    func() time.Time
}

// EvaluatorOption customises evaluator behaviour.
type EvaluatorOption func(*Evaluator)

// WithTimeSource injects a custom wall clock used to stamp snapshots.
func WithTimeSource(fn func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEvaluator constructs an Evaluator over the provided tracker source.
func NewEvaluator(source Source, opts ...EvaluatorOption) (*Evaluator, error) {
	if source == nil {
		return nil, errors.New("health evaluator requires a tracker source")
	}
	eval := &Evaluator{
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(eval)
	}
	return eval, nil
}

// Evaluate takes a registry snapshot and evaluates every tracker against a single
// observation instant. The copy is taken first so evaluation never holds the
// registry lock and cannot starve concurrent touches.
func (e *Evaluator) Evaluate(ctx context.Context) (Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	states := e.source.Snapshot()
	observed := e.source.Now()

	snapshot := Snapshot{
		Healthy:     true,
		Trackers:    make([]Result, 0, len(states)),
		EvaluatedAt: e.now(),
	}

	for _, state := range states {
		silence := observed - state.LastTouch
		if silence < 0 {
			silence = 0
		}
		res := Result{
			Name:    state.Name,
			Alive:   state.Alive(observed),
			Silence: silence,
			Budget:  state.Budget,
		}
		snapshot.Trackers = append(snapshot.Trackers, res)
		if !res.Alive {
			snapshot.Healthy = false
			snapshot.Stalled = append(snapshot.Stalled, res.Name)
		}
	}

	return snapshot, nil
}
