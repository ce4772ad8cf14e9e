package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/health"
)

// SinglePassRunner abstracts the single-pass aggregation runner for reuse in the loop.
type SinglePassRunner interface {
	RunOnce(ctx context.Context) (health.Snapshot, error)
}

// Loop drives repeated health aggregation passes until the context is cancelled.
type Loop struct {
	runner        SinglePassRunner
	interval      time.Duration
	sleep         func(time.Duration)
	iterationHook func(health.Snapshot)
	errorHandler  func(error)
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each successful iteration.
func WithLoopIterationHook(fn func(health.Snapshot)) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopErrorHandler registers a callback for retryable aggregation errors.
func WithLoopErrorHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.errorHandler = fn
	}
}

// WithLoopErrorBackoff overrides the retry backoff window applied after errors.
func WithLoopErrorBackoff(min, max time.Duration) LoopOption {
	return func(l *Loop) {
		l.errorMinDelay = min
		l.errorMaxDelay = max
	}
}

// NewLoop constructs a Loop backed by the provided runner.
func NewLoop(runner SinglePassRunner, interval time.Duration, opts ...LoopOption) (*Loop, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("aggregation interval must be greater than zero")
	}

	loop := &Loop{
		runner:        runner,
		interval:      interval,
		sleep:         time.Sleep,
		errorMinDelay: time.Second,
		errorMaxDelay: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(loop)
	}

	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	if loop.errorMinDelay <= 0 {
		loop.errorMinDelay = time.Second
	}
	if loop.errorMaxDelay < loop.errorMinDelay {
		loop.errorMaxDelay = loop.errorMinDelay
	}

	return loop, nil
}

// Run executes the aggregation loop until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		snapshot, err := l.runner.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
			if delay := l.nextErrorDelay(); delay > 0 {
				if sleepErr := l.sleepWithContext(ctx, delay); sleepErr != nil {
					return sleepErr
				}
			}
			continue
		}
		l.resetErrorBackoff()

		if l.iterationHook != nil {
			l.iterationHook(snapshot)
		}

		if err := l.sleepWithContext(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) nextErrorDelay() time.Duration {
	if l.errorMinDelay <= 0 {
		return 0
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = l.errorMinDelay
	} else {
		l.errorBackoff *= 2
		if l.errorBackoff < l.errorMinDelay {
			l.errorBackoff = l.errorMinDelay
		}
	}
	if l.errorBackoff > l.errorMaxDelay {
		l.errorBackoff = l.errorMaxDelay
	}
	return l.errorBackoff
}

func (l *Loop) resetErrorBackoff() {
	l.errorBackoff = 0
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
