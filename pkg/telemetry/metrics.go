package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardrail"

// Metrics holds the Prometheus collectors for both pipelines. A nil *Metrics
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	sqlRequests    *prometheus.CounterVec
	sqlVerdicts    *prometheus.CounterVec
	sqlRetries     prometheus.Counter
	sqlTruncations *prometheus.CounterVec
	sqlDuration    *prometheus.HistogramVec

	sandboxOutcomes *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
	chartFallbacks  prometheus.Counter

	auditRecords *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a fresh
// private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return newMetrics(reg, reg)
}

var defaultMetrics = newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

// DefaultMetrics returns the collectors registered with the process-wide
// Prometheus registry.
func DefaultMetrics() *Metrics { return defaultMetrics }

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		sqlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_requests_total",
			Help:      "SQL requests by terminal governor state.",
		}, []string{"state"}),
		sqlVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_verdicts_total",
			Help:      "Classifier verdicts by reason code.",
		}, []string{"verdict", "reason"}),
		sqlRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_retries_total",
			Help:      "Retries spent on transient execution failures.",
		}),
		sqlTruncations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_truncations_total",
			Help:      "Results trimmed to the configured ceilings.",
		}, []string{"kind"}),
		sqlDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sql_duration_seconds",
			Help:      "Wall-clock time of SQL requests including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"state"}),
		sandboxOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_outcomes_total",
			Help:      "Sandbox jobs by outcome kind.",
		}, []string{"outcome"}),
		sandboxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_duration_seconds",
			Help:      "Wall-clock time of sandbox jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		chartFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chart_fallbacks_total",
			Help:      "Charts rendered from a hint after the sandbox did not succeed.",
		}),
		auditRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records emitted by pipeline.",
		}, []string{"pipeline"}),
		inflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently executing by pipeline.",
		}, []string{"pipeline"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

// SQLObservation is one finished SQL request.
type SQLObservation struct {
	State            string
	Approved         bool
	Reason           string
	Retries          int
	TruncatedRows    bool
	TruncatedColumns bool
	Elapsed          time.Duration
}

// ObserveSQL records a finished SQL request.
func (m *Metrics) ObserveSQL(o SQLObservation) {
	if m == nil {
		return
	}
	verdict := "rejected"
	if o.Approved {
		verdict = "approved"
	}
	m.sqlVerdicts.WithLabelValues(verdict, o.Reason).Inc()
	m.sqlRequests.WithLabelValues(o.State).Inc()
	if o.Retries > 0 {
		m.sqlRetries.Add(float64(o.Retries))
	}
	if o.TruncatedRows {
		m.sqlTruncations.WithLabelValues("rows").Inc()
	}
	if o.TruncatedColumns {
		m.sqlTruncations.WithLabelValues("columns").Inc()
	}
	m.sqlDuration.WithLabelValues(o.State).Observe(o.Elapsed.Seconds())
}

// ObserveSandbox records a finished sandbox job.
func (m *Metrics) ObserveSandbox(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sandboxOutcomes.WithLabelValues(outcome).Inc()
	m.sandboxDuration.Observe(elapsed.Seconds())
}

// ChartFallback counts a hint-rendered chart.
func (m *Metrics) ChartFallback() {
	if m == nil {
		return
	}
	m.chartFallbacks.Inc()
}

// AuditRecorded counts an emitted audit record.
func (m *Metrics) AuditRecorded(pipeline string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(pipeline).Inc()
}

// TrackInflight marks a request as running until the returned func is called.
func (m *Metrics) TrackInflight(pipeline string) func() {
	if m == nil {
		return func() {}
	}
	g := m.inflight.WithLabelValues(pipeline)
	g.Inc()
	return g.Dec
}
