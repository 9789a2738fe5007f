// Package metrics exposes gateway collectors on a dedicated Prometheus registry.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsgw"

// Connection outcomes.
const (
	OutcomeAdmitted   = "admitted"
	OutcomeRejected   = "rejected"
	OutcomeThrottled  = "throttled"
	OutcomeOverloaded = "overloaded"
	OutcomeSuperseded = "superseded"
)

// Correlation outcomes.
const (
	CorrelationResolved  = "resolved"
	CorrelationRejected  = "rejected"
	CorrelationTimeout   = "timeout"
	CorrelationCancelled = "cancelled"
)

type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	rateLimited       prometheus.Counter
	heartbeatClosures prometheus.Counter
	correlations      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently registered.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Queries denied by the sliding-window limiter.",
		}),
		heartbeatClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_closures_total",
			Help:      "Connections closed after exhausting missed pongs.",
		}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Server-initiated requests by outcome.",
		}, []string{"outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.connectionsTotal,
		m.framesReceived,
		m.rateLimited,
		m.heartbeatClosures,
		m.correlations,
		m.queryDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.WithLabelValues(OutcomeAdmitted).Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ConnectionOutcome counts an attempt that did not end in admission, or a supersede.
func (m *Metrics) ConnectionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	if frameType == "" {
		frameType = "unknown"
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) HeartbeatClosure() {
	if m == nil {
		return
	}
	m.heartbeatClosures.Inc()
}

func (m *Metrics) Correlation(outcome string) {
	if m == nil {
		return
	}
	m.correlations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueryHandled(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}
