package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/signal"
)

// State describes the lifecycle of the watchdog client service.
type State string

const (
	// StateStopped means no background loops are running.
	StateStopped State = "stopped"
	// StateStarting means the background loops are being launched.
	StateStarting State = "starting"
	// StateRunning means aggregation and heartbeat loops are active.
	StateRunning State = "running"
	// StateStopping means a shutdown has been requested and loops are draining.
	StateStopping State = "stopping"
)

// Service owns the watchdog client lifecycle: it launches the aggregation loop
// and the heartbeat publisher on Start and tears both down on Stop. Start is
// idempotent; Stop is safe to call from a shutdown hook even when Start never
// ran.
type Service struct {
	runner    *Runner
	loop      *Loop
	publisher *Publisher
	signaler  signal.Signaler

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// ServiceOption customises service construction.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	loopOpts      []LoopOption
	publisherOpts []PublisherOption
}

// WithServiceLoopOptions forwards options to the aggregation loop.
func WithServiceLoopOptions(opts ...LoopOption) ServiceOption {
	return func(c *serviceConfig) {
		c.loopOpts = append(c.loopOpts, opts...)
	}
}

// WithServicePublisherOptions forwards options to the heartbeat publisher.
func WithServicePublisherOptions(opts ...PublisherOption) ServiceOption {
	return func(c *serviceConfig) {
		c.publisherOpts = append(c.publisherOpts, opts...)
	}
}

// NewService wires a runner into the two background loops. The signaler is the
// one owned by the runner; the service closes it exactly once during Stop so
// the watchdog side observes a clean teardown.
func NewService(runner *Runner, aggregationInterval, heartbeatInterval time.Duration, opts ...ServiceOption) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	cfg := &serviceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	loop, err := NewLoop(runner, aggregationInterval, cfg.loopOpts...)
	if err != nil {
		return nil, err
	}
	publisher, err := NewPublisher(runner, heartbeatInterval, cfg.publisherOpts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		runner:    runner,
		loop:      loop,
		publisher: publisher,
		signaler:  runner.signaler,
		state:     StateStopped,
	}, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Runner exposes the underlying runner for registration and inspection.
func (s *Service) Runner() *Runner {
	return s.runner
}

// TimedOut reports whether any tracker has ever exceeded its silence budget.
// The condition latches until the process restarts.
func (s *Service) TimedOut() bool {
	return s.runner.TimedOut()
}

// Start launches the aggregation and heartbeat loops. Calling Start while the
// service is already running is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning, StateStarting:
		return nil
	case StateStopping:
		return errors.New("watchdog service is stopping")
	}

	s.state = StateStarting

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.publisher.Run(ctx)
	}()

	done := s.done
	go func() {
		wg.Wait()
		close(done)
	}()

	s.state = StateRunning
	return nil
}

// Stop cancels the background loops, waits for them to drain, and closes the
// signaler. It is idempotent and safe to call when the service never started;
// in that case it still releases the signal transport.
func (s *Service) Stop() error {
	s.mu.Lock()

	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return s.closeSignaler()
	case StateStopping:
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}

	s.state = StateStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	err := s.closeSignaler()

	s.mu.Lock()
	s.state = StateStopped
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	return err
}

func (s *Service) closeSignaler() error {
	if s.signaler == nil {
		return nil
	}
	// Signaler implementations are idempotent on Close, so repeated Stop calls
	// stay safe.
	return s.signaler.Close()
}
