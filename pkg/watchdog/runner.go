package watchdog

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/svcwatchdogd/svcwatchdogd/pkg/health"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/observability"
	"github.com/svcwatchdogd/svcwatchdogd/pkg/signal"
)

// HealthEvaluator abstracts the health aggregation for orchestration.
type HealthEvaluator interface {
	Evaluate(ctx context.Context) (health.Snapshot, error)
}

// Runner executes the watchdog client's domain operations: one health
// aggregation pass, and one heartbeat decision. Scheduling is owned by Loop and
// Publisher so that a stall in either cadence never delays the other.
type Runner struct {
	serviceName  string
	evaluator    HealthEvaluator
	signaler     signal.Signaler
	reporter     Reporter
	heartbeatOn  func() bool
	disablePath  string
	checkDisable func(string) (bool, error)
	now          func() time.Time

	mu          sync.Mutex
	latest      health.Snapshot
	hasSnapshot bool
	timedOut    map[string]struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithHeartbeatToggle injects the configuration-level heartbeat enable flag.
func WithHeartbeatToggle(fn func() bool) Option {
	return func(r *Runner) {
		if fn != nil {
			r.heartbeatOn = fn
		}
	}
}

// WithDisableFile configures the runtime heartbeat disable file. When the file
// exists the heartbeat is withheld, simulating a hang without blocking anything.
func WithDisableFile(path string) Option {
	return func(r *Runner) {
		r.disablePath = strings.TrimSpace(path)
	}
}

// WithDisableFileChecker overrides the function used to probe the disable file.
func WithDisableFileChecker(fn func(string) (bool, error)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.checkDisable = fn
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRunner constructs a Runner with the provided dependencies.
func NewRunner(serviceName string, evaluator HealthEvaluator, signaler signal.Signaler, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(serviceName) == "" {
		return nil, errors.New("service name must not be empty")
	}
	if evaluator == nil {
		return nil, errors.New("health evaluator must not be nil")
	}
	if signaler == nil {
		return nil, errors.New("signaler must not be nil")
	}

	runner := &Runner{
		serviceName:  serviceName,
		evaluator:    evaluator,
		signaler:     signaler,
		reporter:     NoopReporter{},
		heartbeatOn:  func() bool { return true },
		checkDisable: defaultDisableFileCheck,
		now:          time.Now,
		timedOut:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(runner)
	}
	if runner.reporter == nil {
		runner.reporter = NoopReporter{}
	}
	if runner.checkDisable == nil {
		runner.checkDisable = defaultDisableFileCheck
	}
	if runner.now == nil {
		runner.now = time.Now
	}

	return runner, nil
}

// RunOnce executes a single aggregation pass: take a snapshot of all trackers,
// evaluate liveness, latch any newly stalled trackers, and publish the result
// for the heartbeat loop to consume.
func (r *Runner) RunOnce(ctx context.Context) (health.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := r.now()
	snapshot, err := r.evaluator.Evaluate(ctx)
	duration := r.now().Sub(start)
	if err != nil {
		r.recordScan(ctx, snapshot, duration, err)
		return snapshot, err
	}

	newlyStalled := r.latchStalled(snapshot)
	r.recordScan(ctx, snapshot, duration, nil)
	for _, name := range newlyStalled {
		r.recordStaleTracker(ctx, name, snapshot)
	}

	return snapshot, nil
}

func (r *Runner) latchStalled(snapshot health.Snapshot) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latest = snapshot
	r.hasSnapshot = true

	var newly []string
	for _, name := range snapshot.Stalled {
		if _, seen := r.timedOut[name]; !seen {
			r.timedOut[name] = struct{}{}
			newly = append(newly, name)
		}
	}
	return newly
}

// Latest returns the most recent health snapshot, if any pass has completed.
func (r *Runner) Latest() (health.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.hasSnapshot
}

// TimedOut reports whether any tracker has ever been observed past its budget.
// Once set it stays set until the process restarts; the supervisor's restart is
// the only recovery path for a wedged execution path.
func (r *Runner) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timedOut) > 0
}

// TimedOutTrackers returns the names of all trackers ever observed stalled.
func (r *Runner) TimedOutTrackers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.timedOut))
	for name := range r.timedOut {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HeartbeatEnabled reports whether heartbeats should be emitted at all. It
// combines the configuration flag with the runtime disable file.
func (r *Runner) HeartbeatEnabled() bool {
	if !r.heartbeatOn() {
		return false
	}
	if r.disablePath == "" {
		return true
	}
	disabled, err := r.checkDisable(r.disablePath)
	if err != nil {
		// The disable file is advisory; a probe failure must not silence an
		// otherwise healthy service.
		r.recordDisableCheckError(err)
		return true
	}
	return !disabled
}

// Heartbeat performs one signal decision: emit the external signal iff the
// latest snapshot is healthy and no tracker has ever timed out. Unhealthy state
// is communicated purely by withholding; the runner never pushes a failure
// message across the process boundary.
func (r *Runner) Heartbeat(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	snapshot, ok := r.Latest()
	if !ok {
		// First heartbeat can fire before the aggregation loop's first pass.
		var err error
		snapshot, err = r.RunOnce(ctx)
		if err != nil {
			return false, err
		}
	}

	if r.TimedOut() {
		r.recordHeartbeat(ctx, "withheld_timed_out", 0, nil)
		return false, nil
	}
	if !snapshot.Healthy {
		r.recordHeartbeat(ctx, "withheld_unhealthy", 0, nil)
		return false, nil
	}

	start := r.now()
	err := r.signaler.Signal(ctx)
	duration := r.now().Sub(start)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		r.recordHeartbeat(ctx, "error", duration, err)
		return false, err
	}

	r.recordHeartbeat(ctx, "sent", duration, nil)
	return true, nil
}

func defaultDisableFileCheck(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Runner) recordScan(ctx context.Context, snapshot health.Snapshot, duration time.Duration, scanErr error) {
	result := "healthy"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"trackers":    len(snapshot.Trackers),
	}

	if scanErr != nil {
		result = "error"
		level = observability.LevelError
		fields["error"] = scanErr.Error()
	} else if !snapshot.Healthy {
		result = "unhealthy"
		level = observability.LevelWarn
		fields["stalled"] = snapshot.Stalled
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "health_scans_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of health aggregation passes grouped by result.",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "health_scan_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Latency of health aggregation passes.",
		Unit:        "seconds",
	})
	if scanErr == nil {
		healthyValue := 0.0
		if snapshot.Healthy {
			healthyValue = 1.0
		}
		r.reporter.RecordMetric(observability.Metric{
			Name:        "healthy",
			Type:        observability.MetricGauge,
			Value:       healthyValue,
			Description: "Overall health state: 1 when every tracker is within budget.",
		})
		r.reporter.RecordMetric(observability.Metric{
			Name:        "tracked_tasks",
			Type:        observability.MetricGauge,
			Value:       float64(len(snapshot.Trackers)),
			Description: "Number of currently registered liveness trackers.",
		})
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Service: r.serviceName,
		Event:   "health_scan",
		Fields:  fields,
	})
}

func (r *Runner) recordStaleTracker(ctx context.Context, name string, snapshot health.Snapshot) {
	fields := map[string]interface{}{
		"tracker": name,
	}
	for _, res := range snapshot.Trackers {
		if res.Name == name {
			fields["silence_ms"] = res.Silence.Milliseconds()
			fields["budget_ms"] = res.Budget.Milliseconds()
			break
		}
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "stale_trackers_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"tracker": name},
		Description: "Number of trackers first observed past their silence budget.",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Service: r.serviceName,
		Event:   "stale_tracker",
		Message: "tracker exceeded its silence budget; heartbeats stop until restart",
		Fields:  fields,
	})
}

func (r *Runner) recordHeartbeat(ctx context.Context, result string, duration time.Duration, hbErr error) {
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"result": result,
	}
	switch result {
	case "withheld_unhealthy", "withheld_timed_out":
		level = observability.LevelWarn
	case "error":
		level = observability.LevelError
	}
	if hbErr != nil {
		fields["error"] = hbErr.Error()
	}
	if result == "sent" || result == "error" {
		fields["duration_ms"] = duration.Milliseconds()
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "heartbeats_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of heartbeat cycles grouped by result.",
	})
	if result == "sent" {
		r.reporter.RecordMetric(observability.Metric{
			Name:        "heartbeat_signal_seconds",
			Type:        observability.MetricHistogram,
			Value:       duration.Seconds(),
			Labels:      nil,
			Description: "Latency of external signal emission.",
			Unit:        "seconds",
		})
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Service: r.serviceName,
		Event:   "heartbeat",
		Fields:  fields,
	})
}

func (r *Runner) recordDisableCheckError(err error) {
	r.reporter.RecordEvent(context.Background(), observability.Event{
		Level:   observability.LevelError,
		Service: r.serviceName,
		Event:   "disable_file_check_failed",
		Fields:  map[string]interface{}{"path": r.disablePath, "error": err.Error()},
	})
}
