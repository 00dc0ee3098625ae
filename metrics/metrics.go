package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/wlmreply/gateway"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "wlmreply"

// Metrics records gateway selection and request correlation metrics on its
// own registry. It satisfies both correlator.MetricsCollector and
// gateway.MetricsCollector.
type Metrics struct {
	registry *prometheus.Registry

	GatewayAttempts        *prometheus.CounterVec
	GatewayAttemptDuration *prometheus.HistogramVec
	GatewaySkips           *prometheus.CounterVec
	GatewayHealthy         *prometheus.GaugeVec
	RetryRounds            prometheus.Counter

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	Dispatches      *prometheus.CounterVec

	Handled         *prometheus.CounterVec
	HandledDuration prometheus.Histogram
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, on a fresh registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		GatewayAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "attempts_total",
				Help:      "Connection attempts against a gateway by outcome",
			},
			[]string{"gateway", "outcome"},
		),

		GatewayAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "attempt_duration_seconds",
				Help:      "Time to open a connection and channel on a gateway",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"gateway"},
		),

		GatewaySkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "skips_total",
				Help:      "Gateways skipped because they failed recently",
			},
			[]string{"gateway"},
		),

		GatewayHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "healthy",
				Help:      "Gateway health (0=failed recently, 1=healthy)",
			},
			[]string{"pool", "gateway"},
		),

		RetryRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "retry_rounds_total",
				Help:      "Passes of the selection retry loop",
			},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "total",
				Help:      "Finished request-reply exchanges by outcome",
			},
			[]string{"outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Request-reply latency by outcome",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "in_flight",
				Help:      "Requests currently waiting for a reply",
			},
		),

		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replies",
				Name:      "dispatched_total",
				Help:      "Inbound replies by how they were matched (fast, slow, orphan)",
			},
			[]string{"outcome"},
		),

		Handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "handled_total",
				Help:      "Requests handled by responders by outcome (replied, no_reply, error)",
			},
			[]string{"outcome"},
		),

		HandledDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "handle_duration_seconds",
				Help:      "Time spent in responder request handlers",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GatewayAttempts,
		m.GatewayAttemptDuration,
		m.GatewaySkips,
		m.GatewayHealthy,
		m.RetryRounds,
		m.Requests,
		m.RequestDuration,
		m.InFlight,
		m.Dispatches,
		m.Handled,
		m.HandledDuration,
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordAttempt implements gateway.MetricsCollector
func (m *Metrics) RecordAttempt(gw int, success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	label := strconv.Itoa(gw)
	m.GatewayAttempts.WithLabelValues(label, outcome).Inc()
	m.GatewayAttemptDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordSkip implements gateway.MetricsCollector
func (m *Metrics) RecordSkip(gw int) {
	m.GatewaySkips.WithLabelValues(strconv.Itoa(gw)).Inc()
}

// RecordRetryRound implements gateway.MetricsCollector
func (m *Metrics) RecordRetryRound() {
	m.RetryRounds.Inc()
}

// RecordRequest implements correlator.MetricsCollector
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDispatch implements correlator.MetricsCollector
func (m *Metrics) RecordDispatch(outcome string) {
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// SetInFlight implements correlator.MetricsCollector
func (m *Metrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

// RecordHandled implements interceptors.MetricsCollector
func (m *Metrics) RecordHandled(outcome string, duration time.Duration) {
	m.Handled.WithLabelValues(outcome).Inc()
	m.HandledDuration.Observe(duration.Seconds())
}

// ObserveHealth publishes the health of every gateway in a pool
func (m *Metrics) ObserveHealth(pool string, state *gateway.HealthState) {
	for _, s := range state.Snapshot() {
		v := 0.0
		if s.Healthy {
			v = 1
		}
		m.GatewayHealthy.WithLabelValues(pool, strconv.Itoa(s.Index)).Set(v)
	}
}
