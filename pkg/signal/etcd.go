package signal

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdOptions configures the etcd-backed heartbeat signaler.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Key         string
	LeaseTTL    time.Duration
	TLS         *tls.Config
	ServiceName string
	ProcessID   int
	Clock       func() time.Time
}

// EtcdSignaler records heartbeats as a leased key in etcd. The lease TTL is the
// watchdog's observation window: as long as heartbeats arrive the key stays
// alive, and once they stop the key expires, which is what an etcd-watching
// supervisor treats as the missed-heartbeat condition.
type EtcdSignaler struct {
	client     *clientv3.Client
	key        string
	ttlSeconds int64
	service    string
	pid        int
	now        func() time.Time

	mu    sync.Mutex
	lease clientv3.LeaseID
}

type heartbeatPayload struct {
	Service    string `json:"service"`
	PID        int    `json:"pid"`
	SignaledAt string `json:"signaled_at"`
}

// NewEtcdSignaler builds a heartbeat signaler backed by etcd.
func NewEtcdSignaler(opts EtcdOptions) (*EtcdSignaler, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: etcd signaler requires at least one endpoint", ErrUnavailable)
	}
	trimmedKey := strings.TrimSpace(opts.Key)
	if trimmedKey == "" {
		return nil, fmt.Errorf("%w: etcd signaler requires a non-empty key", ErrUnavailable)
	}
	if opts.LeaseTTL <= 0 {
		return nil, fmt.Errorf("%w: etcd signaler requires a positive lease TTL", ErrUnavailable)
	}
	service := strings.TrimSpace(opts.ServiceName)
	if service == "" {
		return nil, fmt.Errorf("%w: etcd signaler requires a service name", ErrUnavailable)
	}

	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	ttlSeconds := int64(math.Ceil(opts.LeaseTTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, fmt.Errorf("%w: etcd signaler lease TTL must be at least 1 second", ErrUnavailable)
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create etcd client: %v", ErrUnavailable, err)
	}

	return &EtcdSignaler{
		client:     client,
		key:        applyNamespace(opts.Namespace, trimmedKey),
		ttlSeconds: ttlSeconds,
		service:    service,
		pid:        pid,
		now:        clock,
	}, nil
}

// Signal implements Signaler. Every call grants a fresh lease and writes the
// heartbeat record under it, so a stall simply lets the previous lease expire.
func (s *EtcdSignaler) Signal(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = clientv3.WithRequireLeader(ctx)

	grant, err := s.client.Grant(ctx, s.ttlSeconds)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("grant heartbeat lease: %w", err)
	}

	payload := heartbeatPayload{
		Service:    s.service,
		PID:        s.pid,
		SignaledAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := s.client.Put(ctx, s.key, string(encoded), clientv3.WithLease(grant.ID)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("put heartbeat record: %w", err)
	}

	s.retireLease(ctx, grant.ID)
	return nil
}

// retireLease revokes the lease of the previous heartbeat once a newer one is in
// place, keeping at most one live lease per signaler.
func (s *EtcdSignaler) retireLease(ctx context.Context, current clientv3.LeaseID) {
	s.mu.Lock()
	previous := s.lease
	s.lease = current
	s.mu.Unlock()

	if previous != clientv3.NoLease {
		_, _ = s.client.Revoke(ctx, previous)
	}
}

// Close implements Signaler. The heartbeat key is deleted explicitly so the
// watchdog can distinguish a clean shutdown from a missed heartbeat.
func (s *EtcdSignaler) Close() error {
	if s == nil || s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, delErr := s.client.Delete(ctx, s.key)

	s.mu.Lock()
	lease := s.lease
	s.lease = clientv3.NoLease
	s.mu.Unlock()
	if lease != clientv3.NoLease {
		_, _ = s.client.Revoke(ctx, lease)
	}

	closeErr := s.client.Close()

	if delErr != nil && !errors.Is(delErr, context.Canceled) && !errors.Is(delErr, context.DeadlineExceeded) {
		return fmt.Errorf("delete heartbeat key: %w", delErr)
	}
	if closeErr != nil && !errors.Is(closeErr, context.Canceled) {
		return fmt.Errorf("close etcd client: %w", closeErr)
	}
	return nil
}

// Key returns the fully namespaced heartbeat key.
func (s *EtcdSignaler) Key() string {
	return s.key
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return path.Join("/"+trimmedNamespace, normalizedKey)
}

var _ Signaler = (*EtcdSignaler)(nil)
