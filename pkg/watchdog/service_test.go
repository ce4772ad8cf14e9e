package watchdog

import (
	"testing"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/health"
)

func newTestService(t *testing.T, evaluator *fakeEvaluator, signaler *fakeSignaler) *Service {
	t.Helper()
	runner, err := NewRunner("svc", evaluator, signaler)
	if err != nil {
		t.Fatalf("unexpected error building runner: %v", err)
	}
	service, err := NewService(runner, 5*time.Millisecond, 5*time.Millisecond,
		WithServiceLoopOptions(WithLoopSleepFunc(func(time.Duration) { time.Sleep(time.Millisecond) })),
		WithServicePublisherOptions(WithPublisherSleepFunc(func(time.Duration) { time.Sleep(time.Millisecond) })),
	)
	if err != nil {
		t.Fatalf("unexpected error building service: %v", err)
	}
	return service
}

func TestNewServiceRequiresRunner(t *testing.T) {
	if _, err := NewService(nil, time.Second, time.Second); err == nil {
		t.Fatal("expected error when runner is nil")
	}
}

func TestNewServiceValidatesIntervals(t *testing.T) {
	runner, err := NewRunner("svc", &fakeEvaluator{}, &fakeSignaler{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewService(runner, 0, time.Second); err == nil {
		t.Fatal("expected error for zero aggregation interval")
	}
	if _, err := NewService(runner, time.Second, 0); err == nil {
		t.Fatal("expected error for zero heartbeat interval")
	}
}

func TestServiceLifecycle(t *testing.T) {
	evaluator := &fakeEvaluator{snapshots: []health.Snapshot{healthySnapshot()}}
	signaler := &fakeSignaler{}
	service := newTestService(t, evaluator, signaler)

	if got := service.State(); got != StateStopped {
		t.Fatalf("expected stopped state before start, got %s", got)
	}

	if err := service.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if got := service.State(); got != StateRunning {
		t.Fatalf("expected running state, got %s", got)
	}

	deadline := time.After(time.Second)
	for signaler.signalCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for first heartbeat")
		case <-time.After(time.Millisecond):
		}
	}

	if err := service.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if got := service.State(); got != StateStopped {
		t.Fatalf("expected stopped state after stop, got %s", got)
	}
	if signaler.closeCount() != 1 {
		t.Fatalf("expected signaler closed once, got %d", signaler.closeCount())
	}

	// Once stopped no further heartbeats are emitted.
	final := signaler.signalCount()
	time.Sleep(20 * time.Millisecond)
	if got := signaler.signalCount(); got != final {
		t.Fatalf("heartbeats continued after stop: %d -> %d", final, got)
	}
}

func TestServiceStartIsIdempotent(t *testing.T) {
	evaluator := &fakeEvaluator{snapshots: []health.Snapshot{healthySnapshot()}}
	signaler := &fakeSignaler{}
	service := newTestService(t, evaluator, signaler)

	if err := service.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	if got := service.State(); got != StateRunning {
		t.Fatalf("expected running state, got %s", got)
	}

	if err := service.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestServiceStopWithoutStart(t *testing.T) {
	evaluator := &fakeEvaluator{}
	signaler := &fakeSignaler{}
	service := newTestService(t, evaluator, signaler)

	if err := service.Stop(); err != nil {
		t.Fatalf("stop without start must succeed, got %v", err)
	}
	if signaler.closeCount() != 1 {
		t.Fatalf("expected signaler released, got %d closes", signaler.closeCount())
	}
	if evaluator.callCount() != 0 {
		t.Fatal("stop without start must not evaluate health")
	}
}

func TestServiceFirstHeartbeatIsImmediate(t *testing.T) {
	evaluator := &fakeEvaluator{snapshots: []health.Snapshot{healthySnapshot()}}
	signaler := &fakeSignaler{}

	runner, err := NewRunner("svc", evaluator, signaler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Long intervals: any signal observed below must come from the immediate
	// first iteration, not from a timer firing.
	service, err := NewService(runner, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() {
		if err := service.Stop(); err != nil {
			t.Fatalf("unexpected stop error: %v", err)
		}
	}()

	deadline := time.After(time.Second)
	for signaler.signalCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first heartbeat was not immediate")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestServiceWithholdsAfterLatchedTimeout(t *testing.T) {
	evaluator := &fakeEvaluator{snapshots: []health.Snapshot{stalledSnapshot("ingest")}}
	signaler := &fakeSignaler{}
	service := newTestService(t, evaluator, signaler)

	if err := service.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	deadline := time.After(time.Second)
	for !service.Runner().TimedOut() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for latch")
		case <-time.After(time.Millisecond):
		}
	}

	if err := service.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if signaler.signalCount() != 0 {
		t.Fatalf("stalled service must never signal, got %d", signaler.signalCount())
	}
}

var (
	_ HealthEvaluator  = (*fakeEvaluator)(nil)
	_ SinglePassRunner = (*Runner)(nil)
	_ heartbeatRunner  = (*Runner)(nil)
)
