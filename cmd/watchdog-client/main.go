package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/config"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/health"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/observability"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/shutdown"
	wsignal "github.com/svcwatchdogd/svcwatchdogd/pkg/signal"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/tracker"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/version"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/watchdog"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/worker"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitSignalError = 67
	exitRunError    = 68
	exitTimedOut    = 69
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: watchdog-client <command> [options]
Commands:
  run                Start the watchdog client daemon
  validate-config    Validate the configuration file
  simulate           Validate the signal transport and show configuration summary
  version            Print build version
`)
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if !cfg.IsEnabled() {
		fmt.Fprintf(stdout, "watchdog client is disabled for service %s; nothing to do\n", cfg.ServiceName)
		return exitOK
	}

	logger := observability.NewJSONLogger(stdout)
	collector := observability.NewPrometheusCollector()
	reporter := watchdog.NewStructuredReporter(cfg.ServiceName, logger, collector)

	signaler, err := buildSignaler(cfg)
	if err != nil {
		// A missing signal primitive at startup is fatal: running without it
		// would silently disable supervision.
		fmt.Fprintf(stderr, "failed to initialise signal transport: %v\n", err)
		return exitSignalError
	}

	registry := tracker.NewRegistry()
	evaluator, err := health.NewEvaluator(registry)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise health evaluator: %v\n", err)
		return exitRunError
	}

	runner, err := watchdog.NewRunner(cfg.ServiceName, evaluator, signaler,
		watchdog.WithReporter(reporter),
		watchdog.WithHeartbeatToggle(cfg.HeartbeatEnabled),
		watchdog.WithDisableFile(cfg.Heartbeat.DisableFile),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise runner: %v\n", err)
		return exitRunError
	}

	service, err := watchdog.NewService(runner, cfg.AggregationInterval(), cfg.HeartbeatInterval())
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise watchdog service: %v\n", err)
		return exitRunError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Listen, collector, stderr)
	}

	var wg sync.WaitGroup
	workerCancel, err := startWorkers(ctx, cfg, registry, &wg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to start workers: %v\n", err)
		return exitRunError
	}

	if err := service.Start(); err != nil {
		fmt.Fprintf(stderr, "failed to start watchdog service: %v\n", err)
		return exitRunError
	}

	exitCode := waitForShutdown(ctx, cfg, runner, stdout, stderr)

	workerCancel()
	wg.Wait()
	if err := service.Stop(); err != nil {
		fmt.Fprintf(stderr, "error during shutdown: %v\n", err)
		if exitCode == exitOK {
			exitCode = exitRunError
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return exitCode
}

// waitForShutdown blocks until a termination condition: OS signal, the
// shutdown sentinel appearing, or a latched tracker timeout. A latched timeout
// terminates the process so the supervisor can restart it; the wedged path
// itself cannot be recovered in-process.
func waitForShutdown(ctx context.Context, cfg *config.Config, runner *watchdog.Runner, stdout, stderr io.Writer) int {
	sentinel := make(chan string, 1)
	if path := strings.TrimSpace(cfg.ShutdownFile); path != "" {
		watcher, err := shutdown.NewWatcher(path)
		if err != nil {
			fmt.Fprintf(stderr, "failed to watch shutdown sentinel: %v\n", err)
		} else {
			go func() {
				if watcher.Wait(ctx) == nil {
					sentinel <- watcher.Path()
				}
			}()
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout, "shutdown signal received")
			return exitOK
		case path := <-sentinel:
			fmt.Fprintf(stdout, "shutdown sentinel %s observed\n", path)
			return exitOK
		case <-ticker.C:
			if runner.TimedOut() {
				fmt.Fprintf(stderr, "tracker timeout detected (%s); exiting for supervisor restart\n", strings.Join(runner.TimedOutTrackers(), ", "))
				return exitTimedOut
			}
		}
	}
}

func startWorkers(ctx context.Context, cfg *config.Config, registry *tracker.Registry, wg *sync.WaitGroup, stderr io.Writer) (context.CancelFunc, error) {
	workerCtx, cancel := context.WithCancel(ctx)

	for _, wc := range cfg.Workers {
		handle, err := registry.Register(wc.Name, wc.Budget())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("register tracker for worker %s: %w", wc.Name, err)
		}

		name := wc.Name
		w, err := worker.New(wc.Name, handle, wc.LoopDelay(),
			worker.WithPingEnabled(wc.PingEnabled()),
			worker.WithErrorHandler(func(err error) {
				fmt.Fprintf(stderr, "worker %s: %v\n", name, err)
			}),
		)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build worker %s: %w", wc.Name, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(workerCtx)
		}()
	}

	return cancel, nil
}

func buildSignaler(cfg *config.Config) (wsignal.Signaler, error) {
	switch cfg.Signal.Type {
	case config.SignalTypeUDP:
		return wsignal.NewUDPSignaler(wsignal.UDPOptions{
			Address: cfg.Signal.UDP.Address,
			Secret:  cfg.Signal.UDP.Secret,
		})
	case config.SignalTypeEtcd:
		tlsConfig, err := cfg.Signal.Etcd.TLS.Build()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wsignal.ErrUnavailable, err)
		}
		return wsignal.NewEtcdSignaler(wsignal.EtcdOptions{
			Endpoints:   cfg.Signal.Etcd.Endpoints,
			Namespace:   cfg.Signal.Etcd.Namespace,
			Key:         cfg.Signal.Etcd.Key,
			LeaseTTL:    cfg.EtcdLeaseTTL(),
			TLS:         tlsConfig,
			ServiceName: cfg.ServiceName,
			ProcessID:   os.Getpid(),
		})
	case config.SignalTypeNone:
		return wsignal.NoopSignaler{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported signal type %q", wsignal.ErrUnavailable, cfg.Signal.Type)
	}
}

func serveMetrics(listen string, collector *observability.PrometheusCollector, stderr io.Writer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "metrics server: %v\n", err)
		}
	}()
	return server
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "service %s configuration summary:\n", cfg.ServiceName)
	fmt.Fprintf(stdout, "  heartbeat interval: %s\n", cfg.HeartbeatInterval())
	fmt.Fprintf(stdout, "  aggregation interval: %s\n", cfg.AggregationInterval())
	fmt.Fprintf(stdout, "  signal type: %s\n", cfg.Signal.Type)
	switch cfg.Signal.Type {
	case config.SignalTypeUDP:
		fmt.Fprintf(stdout, "  udp address: %s\n", cfg.Signal.UDP.Address)
	case config.SignalTypeEtcd:
		fmt.Fprintf(stdout, "  etcd endpoints: %s\n", strings.Join(cfg.Signal.Etcd.Endpoints, ", "))
		fmt.Fprintf(stdout, "  etcd key: %s\n", cfg.Signal.Etcd.Key)
	}
	workers := make([]string, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		workers = append(workers, wc.Name)
	}
	fmt.Fprintf(stdout, "  workers: %s\n", strings.Join(workers, ", "))

	signaler, err := buildSignaler(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "signal transport unavailable: %v\n", err)
		return exitSignalError
	}
	if err := signaler.Close(); err != nil {
		fmt.Fprintf(stderr, "failed to release signal transport: %v\n", err)
		return exitSignalError
	}

	fmt.Fprintln(stdout, "no heartbeats emitted in simulation mode")
	return exitOK
}
