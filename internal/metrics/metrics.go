// Package metrics exposes the Prometheus collectors for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service records to, backed by its
// own registry so tests never collide on the global default.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	retriesTotal     prometheus.Counter
	queueDepth       prometheus.Gauge
	queueInflight    prometheus.Gauge
	breakerState     prometheus.Gauge
	agentRestarts    prometheus.Counter

	registry *prometheus.Registry
}

// New builds and registers all collectors under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "agentlink"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	m.dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of agent request round trips",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	m.retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Retryable failures that were requeued with backoff",
		},
	)

	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the queue",
		},
	)

	m.queueInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_inflight",
			Help:      "Messages currently being dispatched",
		},
	)

	m.breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
	)

	m.agentRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_restarts_total",
			Help:      "Agent process restart cycles",
		},
	)

	m.registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.retriesTotal,
		m.queueDepth,
		m.queueInflight,
		m.breakerState,
		m.agentRestarts,
	)

	return m
}

// DispatchOutcome counts one terminal outcome: completed, failed,
// expired or cancelled.
func (m *Metrics) DispatchOutcome(outcome string) {
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

// DispatchDuration records the round-trip time of one agent request.
func (m *Metrics) DispatchDuration(d time.Duration) {
	m.dispatchDuration.Observe(d.Seconds())
}

// DispatchRetry counts a requeue after a retryable failure.
func (m *Metrics) DispatchRetry() {
	m.retriesTotal.Inc()
}

// QueueStats records the queue gauges from a Stats() snapshot.
func (m *Metrics) QueueStats(queued, inflight int) {
	m.queueDepth.Set(float64(queued))
	m.queueInflight.Set(float64(inflight))
}

// BreakerState records the breaker gauge.
func (m *Metrics) BreakerState(state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.Set(v)
}

// AgentRestart counts one restart cycle of the agent process.
func (m *Metrics) AgentRestart() {
	m.agentRestarts.Inc()
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
