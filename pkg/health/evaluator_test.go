package health

import (
	"context"
	"testing"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/tracker"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) (*manualClock, *tracker.Registry, *Evaluator) {
	t.Helper()
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	reg := tracker.NewRegistry(tracker.WithClock(clock.Now))
	eval, err := NewEvaluator(reg, WithTimeSource(clock.Now))
	if err != nil {
		t.Fatalf("unexpected error constructing evaluator: %v", err)
	}
	return clock, reg, eval
}

func TestNewEvaluatorRequiresSource(t *testing.T) {
	if _, err := NewEvaluator(nil); err == nil {
		t.Fatal("expected error when source is nil")
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	_, _, eval := newFixture(t)

	snapshot, err := eval.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snapshot.Healthy {
		t.Fatal("expected empty registry to evaluate healthy")
	}
	if len(snapshot.Stalled) != 0 {
		t.Fatalf("expected no stalled trackers, got %v", snapshot.Stalled)
	}
}

func TestSingleStalledTrackerMakesOverallUnhealthy(t *testing.T) {
	clock, reg, eval := newFixture(t)

	healthy, err := reg.Register("healthy", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Register("stalled", 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(3 * time.Second)
	healthy.Touch()

	snapshot, err := eval.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Healthy {
		t.Fatal("expected unhealthy snapshot when one tracker is stalled")
	}
	if len(snapshot.Stalled) != 1 || snapshot.Stalled[0] != "stalled" {
		t.Fatalf("unexpected stalled set: %v", snapshot.Stalled)
	}
	if len(snapshot.Trackers) != 2 {
		t.Fatalf("expected two tracker results, got %d", len(snapshot.Trackers))
	}
}

func TestRecoveredTrackerEvaluatesHealthyAgain(t *testing.T) {
	clock, reg, eval := newFixture(t)

	handle, err := reg.Register("worker", 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(2100 * time.Millisecond)
	snapshot, err := eval.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Healthy {
		t.Fatal("expected stalled tracker at 2.1s of a 2s budget")
	}

	handle.Touch()
	snapshot, err = eval.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snapshot.Healthy {
		t.Fatal("expected recovery after touch; each cycle re-evaluates independently")
	}
}

func TestScenarioTimeline(t *testing.T) {
	clock, reg, eval := newFixture(t)

	handle, err := reg.Register("worker", 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(1500 * time.Millisecond)
	if !handle.Alive() {
		t.Fatal("expected worker alive at t=1.5s")
	}

	clock.Advance(600 * time.Millisecond)
	if handle.Alive() {
		t.Fatal("expected worker stalled at t=2.1s")
	}

	clock.Advance(900 * time.Millisecond)
	snapshot, err := eval.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Healthy {
		t.Fatal("expected aggregator cycle at t=3s to report unhealthy")
	}
	if snapshot.Trackers[0].Silence != 3*time.Second {
		t.Fatalf("unexpected silence duration: %s", snapshot.Trackers[0].Silence)
	}
}

func TestEvaluateHonoursContextCancellation(t *testing.T) {
	_, _, eval := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eval.Evaluate(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
