// Package worker provides a periodic task loop wired to a liveness tracker. It
// exists so deployments can exercise the watchdog end to end: each completed
// iteration touches the tracker, and a worker configured with pings disabled
// behaves exactly like a wedged task.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LivenessHandle is the tracker surface a worker needs. *tracker.Handle
// satisfies it.
type LivenessHandle interface {
	Touch()
}

// Worker runs a unit of work in a loop and reports liveness after every
// completed iteration.
type Worker struct {
	name         string
	handle       LivenessHandle
	delay        time.Duration
	pingEnabled  bool
	work         func(context.Context) error
	sleep        func(time.Duration)
	errorHandler func(error)
}

// Option customises worker behaviour.
type Option func(*Worker)

// WithWork sets the unit of work executed each iteration. Without it the
// worker only sleeps and pings, which is enough for smoke deployments.
func WithWork(fn func(context.Context) error) Option {
	return func(w *Worker) {
		w.work = fn
	}
}

// WithPingEnabled controls whether the worker touches its tracker. Disabling
// pings simulates a hang: the loop keeps running but the watchdog sees silence.
func WithPingEnabled(enabled bool) Option {
	return func(w *Worker) {
		w.pingEnabled = enabled
	}
}

// WithSleepFunc overrides the sleep implementation between iterations.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// WithErrorHandler registers a callback for work errors. The loop continues
// after an error; only context cancellation stops it.
func WithErrorHandler(fn func(error)) Option {
	return func(w *Worker) {
		w.errorHandler = fn
	}
}

// New constructs a worker bound to the given liveness handle.
func New(name string, handle LivenessHandle, delay time.Duration, opts ...Option) (*Worker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("worker name must not be empty")
	}
	if handle == nil {
		return nil, errors.New("liveness handle must not be nil")
	}
	if delay <= 0 {
		return nil, errors.New("loop delay must be greater than zero")
	}

	worker := &Worker{
		name:        name,
		handle:      handle,
		delay:       delay,
		pingEnabled: true,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(worker)
	}
	if worker.sleep == nil {
		worker.sleep = time.Sleep
	}
	return worker, nil
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Run executes the worker loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if w.work != nil {
			if err := w.work(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if w.errorHandler != nil {
					w.errorHandler(err)
				}
				// A failed iteration is not a hang; the loop is still alive.
			}
		}

		if w.pingEnabled {
			w.handle.Touch()
		}

		if err := w.sleepWithContext(ctx, w.delay); err != nil {
			return err
		}
	}
}

func (w *Worker) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		w.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
