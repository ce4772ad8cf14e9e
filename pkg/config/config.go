package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/watchdog-client/config.yaml"

// Environment variables the external supervisor uses to hand the client its
// signaling parameters. They take precedence over the configuration file, since
// the supervisor owns the channel.
const (
	EnvWatchdogPort   = "WATCHDOG_PORT"
	EnvWatchdogSecret = "WATCHDOG_SECRET"
	EnvShutdownEvent  = "SHUTDOWN_EVENT"
)

// Config represents the runtime configuration for the watchdog client.
type Config struct {
	ServiceName  string            `yaml:"service_name"`
	Enabled      *bool             `yaml:"enabled"`
	Heartbeat    HeartbeatConfig   `yaml:"heartbeat"`
	Aggregation  AggregationConfig `yaml:"aggregation"`
	Signal       SignalConfig      `yaml:"signal"`
	ShutdownFile string            `yaml:"shutdown_file"`
	Workers      []WorkerConfig    `yaml:"workers"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// HeartbeatConfig controls the cadence of the external heartbeat signal.
type HeartbeatConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	IntervalSec int    `yaml:"interval_sec"`
	DisableFile string `yaml:"disable_file"`
}

// AggregationConfig controls the health scan cadence.
type AggregationConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// SignalConfig selects and configures the external signal primitive.
type SignalConfig struct {
	Type string           `yaml:"type"`
	UDP  UDPSignalConfig  `yaml:"udp"`
	Etcd EtcdSignalConfig `yaml:"etcd"`
}

// UDPSignalConfig configures the datagram heartbeat channel.
type UDPSignalConfig struct {
	Address string `yaml:"address"`
	Secret  string `yaml:"secret"`
}

// EtcdSignalConfig configures the etcd-backed heartbeat channel.
type EtcdSignalConfig struct {
	Endpoints   []string       `yaml:"endpoints"`
	Namespace   string         `yaml:"namespace"`
	Key         string         `yaml:"key"`
	LeaseTTLSec int            `yaml:"lease_ttl_sec"`
	TLS         *EtcdTLSConfig `yaml:"tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// WorkerConfig describes one demo monitored task. The ping_enabled flag exists
// so a test harness can make a worker stop touching its tracker, simulating a
// hang without blocking any goroutine.
type WorkerConfig struct {
	Name         string `yaml:"name"`
	LoopDelaySec int    `yaml:"loop_delay_sec"`
	BudgetSec    int    `yaml:"budget_sec"`
	Ping         *bool  `yaml:"ping_enabled"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Signal type names accepted in signal.type.
const (
	SignalTypeUDP  = "udp"
	SignalTypeEtcd = "etcd"
	SignalTypeNone = "none"
)

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk, applying
// supervisor-provided environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f, os.Getenv)
}

func decode(r io.Reader, getenv func(string) string) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnvironment(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.ServiceName) == "" {
		problems = append(problems, "service_name is required")
	}
	if c.Heartbeat.IntervalSec <= 0 {
		problems = append(problems, "heartbeat.interval_sec must be greater than zero")
	}
	if c.Aggregation.IntervalSec <= 0 {
		problems = append(problems, "aggregation.interval_sec must be greater than zero")
	}
	if c.Heartbeat.IntervalSec > 0 && c.Aggregation.IntervalSec > c.Heartbeat.IntervalSec {
		problems = append(problems, "aggregation.interval_sec must not exceed heartbeat.interval_sec, otherwise heartbeats would be based on stale health snapshots")
	}

	switch c.Signal.Type {
	case SignalTypeUDP:
		problems = append(problems, c.Signal.UDP.validate()...)
	case SignalTypeEtcd:
		problems = append(problems, c.Signal.Etcd.validate()...)
	case SignalTypeNone:
	default:
		problems = append(problems, fmt.Sprintf("signal.type %q is not supported (expected udp, etcd or none)", c.Signal.Type))
	}

	for i, worker := range c.Workers {
		if strings.TrimSpace(worker.Name) == "" {
			problems = append(problems, fmt.Sprintf("workers[%d]: name is required", i))
		}
		if worker.LoopDelaySec <= 0 {
			problems = append(problems, fmt.Sprintf("workers[%d]: loop_delay_sec must be greater than zero", i))
		}
		if worker.BudgetSec > 0 && worker.BudgetSec <= worker.LoopDelaySec {
			problems = append(problems, fmt.Sprintf("workers[%d]: budget_sec must exceed loop_delay_sec or the worker would always look stalled", i))
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (u UDPSignalConfig) validate() []string {
	address := strings.TrimSpace(u.Address)
	if address == "" {
		return []string{"signal.udp.address is required (or provide WATCHDOG_PORT)"}
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return []string{fmt.Sprintf("signal.udp.address %q is not a host:port pair", address)}
	}
	problems := make([]string, 0)
	if strings.TrimSpace(host) == "" {
		problems = append(problems, "signal.udp.address must include a host")
	}
	if parsed, err := strconv.Atoi(port); err != nil || parsed <= 0 || parsed > 65535 {
		problems = append(problems, fmt.Sprintf("signal.udp.address port %q must be within 1-65535", port))
	}
	return problems
}

func (e EtcdSignalConfig) validate() []string {
	problems := make([]string, 0)
	if len(e.Endpoints) == 0 {
		problems = append(problems, "signal.etcd.endpoints must contain at least one endpoint")
	}
	if strings.TrimSpace(e.Key) == "" {
		problems = append(problems, "signal.etcd.key is required")
	}
	if e.LeaseTTLSec <= 0 {
		problems = append(problems, "signal.etcd.lease_ttl_sec must be greater than zero")
	}
	if e.TLS != nil && e.TLS.Enabled {
		if strings.TrimSpace(e.TLS.CAFile) == "" {
			problems = append(problems, "signal.etcd.tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(e.TLS.CertFile) == "" {
			problems = append(problems, "signal.etcd.tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(e.TLS.KeyFile) == "" {
			problems = append(problems, "signal.etcd.tls.key_file is required when TLS is enabled")
		}
	}
	return problems
}

func (c *Config) applyDefaults() {
	if c.Heartbeat.IntervalSec == 0 {
		c.Heartbeat.IntervalSec = 10
	}
	if c.Aggregation.IntervalSec == 0 {
		c.Aggregation.IntervalSec = 5
	}
	if strings.TrimSpace(c.Signal.Type) == "" {
		c.Signal.Type = SignalTypeUDP
	}
	if strings.TrimSpace(c.Signal.Etcd.Key) == "" {
		c.Signal.Etcd.Key = "heartbeat"
	}
	if c.Signal.Etcd.LeaseTTLSec == 0 {
		c.Signal.Etcd.LeaseTTLSec = 30
	}
	if c.Heartbeat.DisableFile == "" {
		c.Heartbeat.DisableFile = "/etc/watchdog-client/disable-heartbeat"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	for i := range c.Workers {
		if c.Workers[i].LoopDelaySec == 0 {
			c.Workers[i].LoopDelaySec = 10
		}
		if c.Workers[i].BudgetSec == 0 {
			c.Workers[i].BudgetSec = 3 * c.Workers[i].LoopDelaySec
		}
	}
}

// applyEnvironment folds supervisor-provided settings over the file values.
func (c *Config) applyEnvironment(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if port := strings.TrimSpace(getenv(EnvWatchdogPort)); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return &ValidationError{Problems: []string{fmt.Sprintf("%s value %q is not a valid port", EnvWatchdogPort, port)}}
		}
		c.Signal.UDP.Address = net.JoinHostPort("127.0.0.1", strconv.Itoa(parsed))
	}
	if secret := getenv(EnvWatchdogSecret); secret != "" {
		c.Signal.UDP.Secret = secret
	}
	if shutdown := strings.TrimSpace(getenv(EnvShutdownEvent)); shutdown != "" {
		c.ShutdownFile = shutdown
	}
	return nil
}

// IsEnabled reports whether the watchdog client subsystem is enabled at all.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HeartbeatEnabled reports whether heartbeats should be emitted when healthy.
func (c *Config) HeartbeatEnabled() bool {
	return c.Heartbeat.Enabled == nil || *c.Heartbeat.Enabled
}

// HeartbeatInterval returns the signaler cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSec) * time.Second
}

// AggregationInterval returns the health scan cadence as a duration.
func (c *Config) AggregationInterval() time.Duration {
	return time.Duration(c.Aggregation.IntervalSec) * time.Second
}

// EtcdLeaseTTL returns the etcd heartbeat lease TTL as a duration.
func (c *Config) EtcdLeaseTTL() time.Duration {
	return time.Duration(c.Signal.Etcd.LeaseTTLSec) * time.Second
}

// PingEnabled reports whether the worker should touch its tracker.
func (w WorkerConfig) PingEnabled() bool {
	return w.Ping == nil || *w.Ping
}

// LoopDelay returns the worker's iteration delay as a duration.
func (w WorkerConfig) LoopDelay() time.Duration {
	return time.Duration(w.LoopDelaySec) * time.Second
}

// Budget returns the worker's silence budget as a duration.
func (w WorkerConfig) Budget() time.Duration {
	return time.Duration(w.BudgetSec) * time.Second
}
