package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels recorded for a remote call.
const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation"
	OutcomeApplication = "application"
	OutcomeTransport   = "transport"
	OutcomeState       = "state"
)

// Metrics groups the daemon's collectors on a private registry so tests can
// build as many as they like without tripping duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	sends          *prometheus.CounterVec
	chatRefreshes  *prometheus.CounterVec
	staleLoads     prometheus.Counter
}

// New creates the collectors and registers them with process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizchat",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote function calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bizchat",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote function call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizchat",
			Subsystem: "outbox",
			Name:      "sends_total",
			Help:      "Send attempts by message type and final stage.",
		}, []string{"type", "stage"}),
		chatRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizchat",
			Subsystem: "sync",
			Name:      "chat_refreshes_total",
			Help:      "Chat list refreshes by outcome.",
		}, []string{"outcome"}),
		staleLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bizchat",
			Subsystem: "sync",
			Name:      "stale_message_loads_total",
			Help:      "Message loads discarded because the user switched chats.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.remoteCalls,
		m.remoteDuration,
		m.sends,
		m.chatRefreshes,
		m.staleLoads,
	)
	return m
}

// ObserveRemote records one remote call. Safe on a nil receiver.
func (m *Metrics) ObserveRemote(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(op, outcome).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveSend records the terminal stage of a send attempt.
func (m *Metrics) ObserveSend(msgType, stage string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(msgType, stage).Inc()
}

// ObserveRefresh records a chat list refresh.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.chatRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveStale counts a discarded message load.
func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.staleLoads.Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
