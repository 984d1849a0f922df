// ABOUTME: Prometheus metrics for the relay: appended messages, automation outcomes, connections
// ABOUTME: Each Metrics owns its registry so tests and multiple servers do not collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Automation outcomes
const (
	OutcomeReply     = "reply"
	OutcomeFallback  = "fallback"
	OutcomeDiscarded = "discarded"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal      *prometheus.CounterVec
	duplicatesTotal    prometheus.Counter
	automationTotal    *prometheus.CounterVec
	responderDuration  prometheus.Histogram
	connections        *prometheus.GaugeVec
	droppedDeliveries  prometheus.Counter
	handoffTransitions *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "messages_appended_total",
				Help:      "Messages durably appended, by sender",
			},
			[]string{"sender"},
		),
		duplicatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "duplicate_messages_total",
				Help:      "Resent messages answered from an earlier append",
			},
		),
		automationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "automation_outcomes_total",
				Help:      "Automated responder outcomes",
			},
			[]string{"outcome"},
		),
		responderDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "responder_duration_seconds",
				Help:      "Automated responder call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
			},
		),
		connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "connections",
				Help:      "Live websocket connections, by role",
			},
			[]string{"role"},
		),
		droppedDeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "dropped_deliveries_total",
				Help:      "Envelopes dropped because a connection's send buffer was full",
			},
		),
		handoffTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coven",
				Subsystem: "relay",
				Name:      "handoff_events_total",
				Help:      "Handoff state events applied, by resulting state",
			},
			[]string{"state"},
		),
	}
}

// Handler returns the Prometheus metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordMessage counts an appended message.
func (m *Metrics) RecordMessage(sender string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(sender).Inc()
}

// RecordDuplicate counts a resend answered from an earlier append.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

// RecordAutomation counts an automation outcome.
func (m *Metrics) RecordAutomation(outcome string) {
	if m == nil {
		return
	}
	m.automationTotal.WithLabelValues(outcome).Inc()
}

// ObserveResponder records how long a responder call took.
func (m *Metrics) ObserveResponder(d time.Duration) {
	if m == nil {
		return
	}
	m.responderDuration.Observe(d.Seconds())
}

// ConnectionOpened increments the live connection gauge for role.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// ConnectionClosed decrements the live connection gauge for role.
func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

// RecordDroppedDelivery counts an envelope a slow connection missed.
func (m *Metrics) RecordDroppedDelivery() {
	if m == nil {
		return
	}
	m.droppedDeliveries.Inc()
}

// RecordHandoff counts a handoff event by resulting state.
func (m *Metrics) RecordHandoff(state string) {
	if m == nil {
		return
	}
	m.handoffTransitions.WithLabelValues(state).Inc()
}
