package observability

// MetricType enumerates the supported measurement kinds.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricGauge records a value that can move in both directions, such as the
	// current overall health state.
	MetricGauge MetricType = "gauge"
	// MetricHistogram records observations into distribution buckets.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement emitted by the watchdog client components.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector consumes measurements for aggregation and exposure.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}
