package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcomes recorded by the outbox publisher.
const (
	OutcomePublished    = "published"
	OutcomeRetry        = "retry"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDeferred     = "deferred"
)

// OutboxMetrics tracks delivery of outbox rows to Pub/Sub.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	lag     prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return nil
	}
	m := &OutboxMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox rows handled by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "publish_duration_seconds",
			Help:      "Time to get a Pub/Sub ack, by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivery_lag_seconds",
			Help:      "Time from commit of the outbox row to its publish ack.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		}),
	}
	reg.MustRegister(m.events, m.latency, m.lag)
	return m
}

func (m *OutboxMetrics) Outcome(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

// Published records a successful ack and how long the row waited.
func (m *OutboxMetrics) Published(eventType, topic string, publish time.Duration, createdAt time.Time) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), OutcomePublished).Inc()
	m.latency.WithLabelValues(normalizeLabel(topic)).Observe(publish.Seconds())
	if !createdAt.IsZero() {
		m.lag.Observe(time.Since(createdAt).Seconds())
	}
}
