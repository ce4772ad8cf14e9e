// Package signal implements the external-facing heartbeat primitive. A Signaler
// asserts "all tracked work is within budget" to an independent watchdog process;
// withholding the signal is the failure indicator, so Signal is only invoked when
// the service is healthy.
package signal

import (
	"context"
	"errors"
)

// ErrUnavailable indicates that the external signal primitive could not be
// created or opened. It is fatal at startup: without the primitive the whole
// subsystem is useless.
var ErrUnavailable = errors.New("signal: primitive unavailable")

// Signaler emits one heartbeat per call. Implementations must be safe to call
// from a periodic loop without blocking on the watchdog being present.
type Signaler interface {
	// Signal emits a single heartbeat. Each call stands alone; failures do not
	// affect subsequent cycles.
	Signal(ctx context.Context) error
	// Close releases the primitive explicitly rather than relying on process
	// exit. It must be safe to call multiple times.
	Close() error
}

// NoopSignaler discards all heartbeats. It backs the disabled configuration and
// tests.
type NoopSignaler struct{}

// Signal implements Signaler.
func (NoopSignaler) Signal(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// Close implements Signaler.
func (NoopSignaler) Close() error { return nil }

var _ Signaler = NoopSignaler{}
