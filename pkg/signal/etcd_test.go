package signal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/svcwatchdogd/svcwatchdogd/internal/testutil"
)

func TestNewEtcdSignalerValidatesOptions(t *testing.T) {
	cases := []struct {
		name string
		opts EtcdOptions
	}{
		{name: "no endpoints", opts: EtcdOptions{Key: "hb", LeaseTTL: time.Second, ServiceName: "svc"}},
		{name: "no key", opts: EtcdOptions{Endpoints: []string{"127.0.0.1:2379"}, LeaseTTL: time.Second, ServiceName: "svc"}},
		{name: "no ttl", opts: EtcdOptions{Endpoints: []string{"127.0.0.1:2379"}, Key: "hb", ServiceName: "svc"}},
		{name: "no service name", opts: EtcdOptions{Endpoints: []string{"127.0.0.1:2379"}, Key: "hb", LeaseTTL: time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEtcdSignaler(tc.opts); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestEtcdSignalerWritesLeasedHeartbeat(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	signaler, err := NewEtcdSignaler(EtcdOptions{
		Endpoints:   cluster.Endpoints,
		Namespace:   "watchdog",
		Key:         "heartbeat",
		LeaseTTL:    5 * time.Second,
		ServiceName: "demo-service",
		ProcessID:   1234,
	})
	if err != nil {
		t.Fatalf("failed to create etcd signaler: %v", err)
	}
	defer signaler.Close()

	if signaler.Key() != "/watchdog/heartbeat" {
		t.Fatalf("unexpected namespaced key %q", signaler.Key())
	}

	if err := signaler.Signal(context.Background()); err != nil {
		t.Fatalf("unexpected signal error: %v", err)
	}

	client, err := clientv3.New(clientv3.Config{Endpoints: cluster.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create verification client: %v", err)
	}
	defer client.Close()

	resp, err := client.Get(context.Background(), signaler.Key())
	if err != nil {
		t.Fatalf("failed to read heartbeat key: %v", err)
	}
	if len(resp.Kvs) != 1 {
		t.Fatalf("expected one heartbeat record, got %d", len(resp.Kvs))
	}
	if resp.Kvs[0].Lease == 0 {
		t.Fatal("expected heartbeat record to be bound to a lease")
	}

	var payload struct {
		Service    string `json:"service"`
		PID        int    `json:"pid"`
		SignaledAt string `json:"signaled_at"`
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &payload); err != nil {
		t.Fatalf("failed to decode heartbeat payload: %v", err)
	}
	if payload.Service != "demo-service" || payload.PID != 1234 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.SignaledAt); err != nil {
		t.Fatalf("unexpected signaled_at format: %v", err)
	}
}

func TestEtcdSignalerRepeatedSignalsKeepSingleLease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	signaler, err := NewEtcdSignaler(EtcdOptions{
		Endpoints:   cluster.Endpoints,
		Key:         "heartbeat",
		LeaseTTL:    5 * time.Second,
		ServiceName: "demo-service",
	})
	if err != nil {
		t.Fatalf("failed to create etcd signaler: %v", err)
	}
	defer signaler.Close()

	for i := 0; i < 3; i++ {
		if err := signaler.Signal(context.Background()); err != nil {
			t.Fatalf("unexpected signal error on cycle %d: %v", i, err)
		}
	}

	client, err := clientv3.New(clientv3.Config{Endpoints: cluster.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create verification client: %v", err)
	}
	defer client.Close()

	leases, err := client.Leases(context.Background())
	if err != nil {
		t.Fatalf("failed to list leases: %v", err)
	}
	if len(leases.Leases) != 1 {
		t.Fatalf("expected exactly one live lease after repeated signals, got %d", len(leases.Leases))
	}
}

func TestEtcdSignalerCloseDeletesHeartbeatKey(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	signaler, err := NewEtcdSignaler(EtcdOptions{
		Endpoints:   cluster.Endpoints,
		Key:         "heartbeat",
		LeaseTTL:    5 * time.Second,
		ServiceName: "demo-service",
	})
	if err != nil {
		t.Fatalf("failed to create etcd signaler: %v", err)
	}

	if err := signaler.Signal(context.Background()); err != nil {
		t.Fatalf("unexpected signal error: %v", err)
	}
	key := signaler.Key()
	if err := signaler.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	client, err := clientv3.New(clientv3.Config{Endpoints: cluster.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create verification client: %v", err)
	}
	defer client.Close()

	resp, err := client.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to read heartbeat key: %v", err)
	}
	if len(resp.Kvs) != 0 {
		t.Fatal("expected heartbeat key to be deleted on close")
	}
}
