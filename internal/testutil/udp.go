package testutil

import (
	"net"
	"testing"
)

// UDPCapture is a loopback UDP listener that collects received datagrams for
// assertions in heartbeat tests.
type UDPCapture struct {
	conn      *net.UDPConn
	Addr      string
	Datagrams <-chan []byte
}

// StartUDPCapture listens on an ephemeral loopback port and forwards every
// received datagram payload onto the Datagrams channel.
func StartUDPCapture(t testing.TB) *UDPCapture {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to open udp capture socket: %v", err)
	}

	datagrams := make(chan []byte, 32)
	go func() {
		defer close(datagrams)
		buf := make([]byte, 2048)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case datagrams <- payload:
			default:
			}
		}
	}()

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return &UDPCapture{
		conn:      conn,
		Addr:      conn.LocalAddr().String(),
		Datagrams: datagrams,
	}
}
