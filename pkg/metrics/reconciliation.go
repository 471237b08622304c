package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconciliationMetrics tracks how payment notifications are folded into
// intent state and how the provider gateway behaves.
type ReconciliationMetrics struct {
	observations   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
}

func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	if reg == nil {
		return &ReconciliationMetrics{}
	}
	observations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "observations_total",
		Help:      "Provider status observations by source and ledger disposition.",
	}, []string{"source", "disposition"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "transitions_total",
		Help:      "Applied payment state transitions.",
	}, []string{"from", "to"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "consistency_alerts_total",
		Help:      "Contradictory provider reports raised for manual review.",
	}, []string{"reason"})
	gatewayCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "attempts_total",
		Help:      "Payment provider call attempts by operation and outcome.",
	}, []string{"operation", "outcome"})
	gatewayLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of individual payment provider attempts.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"operation"})
	reg.MustRegister(observations, transitions, alerts, gatewayCalls, gatewayLatency)
	return &ReconciliationMetrics{
		observations:   observations,
		transitions:    transitions,
		alerts:         alerts,
		gatewayCalls:   gatewayCalls,
		gatewayLatency: gatewayLatency,
	}
}

func (m *ReconciliationMetrics) IncObservation(source, disposition string) {
	if m == nil || m.observations == nil {
		return
	}
	m.observations.WithLabelValues(normalizeLabel(source), normalizeLabel(disposition)).Inc()
}

func (m *ReconciliationMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *ReconciliationMetrics) IncAlert(reason string) {
	if m == nil || m.alerts == nil {
		return
	}
	m.alerts.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveGatewayAttempt records a single provider attempt; outcome is one of
// ok, retryable or fatal.
func (m *ReconciliationMetrics) ObserveGatewayAttempt(operation, outcome string, duration time.Duration) {
	if m == nil || m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	m.gatewayLatency.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}
