// Package metrics provides Prometheus metrics collection for Gatekeep.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for Gatekeep.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Admission metrics
	AdmissionChecks     *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	AdmissionFailOpen   prometheus.Counter

	// Alert metrics
	AlertsRaised     *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertFailures    prometheus.Counter

	// Credit metrics
	CreditOutcomes *prometheus.CounterVec
	CreditRetries  *prometheus.CounterVec
	CreditBypasses *prometheus.CounterVec

	// Usage recorder metrics
	RecordsQueued  prometheus.Counter
	RecordsDropped prometheus.Counter
	RecordsFlushed prometheus.Counter
	FlushErrors    prometheus.Counter

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "endpoint", "status", "tenant_id"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatekeep",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatekeep",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		// Admission metrics
		AdmissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "admission_checks_total",
				Help:      "Total number of admission checks by outcome",
			},
			[]string{"outcome"},
		),
		AdmissionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "admission_rejections_total",
				Help:      "Total number of rejections by window period",
			},
			[]string{"period", "tenant_id"},
		),
		AdmissionFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "admission_fail_open_total",
				Help:      "Total number of requests allowed because a usage count failed",
			},
		),

		// Alert metrics
		AlertsRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "alerts_raised_total",
				Help:      "Total number of quota alerts raised",
			},
			[]string{"kind", "period"},
		),
		AlertsSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "alerts_suppressed_total",
				Help:      "Total number of quota alerts suppressed by deduplication",
			},
			[]string{"kind", "period"},
		),
		AlertFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "alert_failures_total",
				Help:      "Total number of alert persistence failures",
			},
		),

		// Credit metrics
		CreditOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "credit_outcomes_total",
				Help:      "Total credit guard outcomes by terminal state",
			},
			[]string{"state"},
		),
		CreditRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "credit_retries_total",
				Help:      "Total credit store retry attempts by operation",
			},
			[]string{"operation"},
		),
		CreditBypasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "credit_bypasses_total",
				Help:      "Total credit checks bypassed by reason",
			},
			[]string{"reason"},
		),

		// Usage recorder metrics
		RecordsQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "usage_records_queued_total",
				Help:      "Total usage records accepted for async persistence",
			},
		),
		RecordsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "usage_records_dropped_total",
				Help:      "Total usage records dropped due to a full queue",
			},
		),
		RecordsFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "usage_records_flushed_total",
				Help:      "Total usage records written to the store",
			},
		),
		FlushErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "usage_flush_errors_total",
				Help:      "Total usage record flush failures",
			},
		),

		// Upstream metrics
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatekeep",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"type"},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeep",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatekeep",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// NormalizeEndpoint reduces label cardinality for long dynamic paths.
func NormalizeEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50] + "..."
	}
	return endpoint
}
