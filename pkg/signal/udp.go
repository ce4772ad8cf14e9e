package signal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
)

// UDPOptions configures the datagram-based heartbeat signaler.
type UDPOptions struct {
	// Address is the watchdog's listening address in host:port form. The
	// supervisor typically provides the port via the WATCHDOG_PORT environment
	// variable.
	Address string
	// Secret is echoed verbatim as the datagram payload so the watchdog can
	// discard stray traffic. Provided via WATCHDOG_SECRET by the supervisor.
	Secret string
}

// UDPSignaler emits heartbeats as single datagrams carrying a shared secret.
// Datagram sends are fire-and-forget: they succeed whether or not the watchdog
// is currently listening, and they cannot block on a wedged peer, which is
// exactly the property the heartbeat channel requires.
type UDPSignaler struct {
	conn    *net.UDPConn
	payload []byte
	once    sync.Once
}

// NewUDPSignaler opens a connected UDP socket towards the watchdog address.
func NewUDPSignaler(opts UDPOptions) (*UDPSignaler, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: udp signaler requires an address", ErrUnavailable)
	}

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrUnavailable, address, err)
	}
	if addr.Port == 0 {
		return nil, fmt.Errorf("%w: udp signaler requires a non-zero port", ErrUnavailable)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, address, err)
	}

	return &UDPSignaler{
		conn:    conn,
		payload: []byte(opts.Secret),
	}, nil
}

// Signal implements Signaler by sending one datagram.
func (s *UDPSignaler) Signal(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(s.payload); err != nil {
		return fmt.Errorf("send heartbeat datagram: %w", err)
	}
	return nil
}

// Close implements Signaler.
func (s *UDPSignaler) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close heartbeat socket: %w", err)
	}
	return nil
}

// RemoteAddr returns the watchdog address the signaler targets.
func (s *UDPSignaler) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

var _ Signaler = (*UDPSignaler)(nil)
