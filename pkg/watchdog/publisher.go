package watchdog

import (
	"context"
	"errors"
	"time"
)

type heartbeatRunner interface {
	HeartbeatEnabled() bool
	Heartbeat(ctx context.Context) (bool, error)
}

// Publisher drives a lightweight loop that periodically emits the external
// liveness signal on behalf of the monitored service.
//
// It executes alongside the aggregation loop so the watchdog observes a fresh
// signal even when an aggregation pass is still in flight. The first heartbeat
// fires immediately; the supervisor must never see a silent startup window.
// heartbeatRunner is intentionally minimal so tests can provide fakes.
type Publisher struct {
	runner       heartbeatRunner
	interval     time.Duration
	sleep        func(time.Duration)
	errorHandler func(error)
}

// PublisherOption customises the behaviour of the heartbeat loop.
type PublisherOption func(*Publisher)

// WithPublisherSleepFunc overrides the sleep implementation between heartbeats.
func WithPublisherSleepFunc(fn func(time.Duration)) PublisherOption {
	return func(p *Publisher) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithPublisherErrorHandler registers a callback for heartbeat errors.
func WithPublisherErrorHandler(fn func(error)) PublisherOption {
	return func(p *Publisher) {
		p.errorHandler = fn
	}
}

// NewPublisher constructs a background heartbeat loop.
func NewPublisher(runner heartbeatRunner, interval time.Duration, opts ...PublisherOption) (*Publisher, error) {
	if runner == nil {
		return nil, errors.New("heartbeat publisher requires a runner")
	}
	if interval <= 0 {
		return nil, errors.New("heartbeat interval must be greater than zero")
	}

	publisher := &Publisher{
		runner:   runner,
		interval: interval,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(publisher)
	}
	if publisher.sleep == nil {
		publisher.sleep = time.Sleep
	}
	return publisher, nil
}

// Run executes the heartbeat loop until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !p.runner.HeartbeatEnabled() {
			if err := p.sleepWithContext(ctx, p.interval); err != nil {
				return err
			}
			continue
		}

		if _, err := p.runner.Heartbeat(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
		}

		if err := p.sleepWithContext(ctx, p.interval); err != nil {
			return err
		}
	}
}

func (p *Publisher) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
