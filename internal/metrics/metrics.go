// Package metrics holds the Prometheus metric set for the collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collector-side Prometheus metrics.
type Metrics struct {
	EventsTotal          prometheus.Counter
	EventsDuplicateTotal prometheus.Counter
	EventsInvalidTotal   prometheus.Counter
	EventsRejectedTotal  prometheus.Counter
	AlertsTotal          prometheus.Counter
	ProtocolViolations   prometheus.Counter
	SessionsActive       prometheus.Gauge
	PersistQueueDepth    prometheus.Gauge
	PersistErrorsTotal   prometheus.Counter
	PublishDropsTotal    prometheus.Counter
	EvalDuration         prometheus.Histogram
}

// New creates the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in main; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_events_total",
			Help: "Total number of events accepted from agents",
		}),
		EventsDuplicateTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_events_duplicate_total",
			Help: "Total number of replayed events dropped by sequence dedupe",
		}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_events_invalid_total",
			Help: "Total number of events rejected by schema validation",
		}),
		EventsRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_events_rejected_total",
			Help: "Total number of events rejected due to backpressure",
		}),
		AlertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_alerts_total",
			Help: "Total number of alerts produced by the detection engine",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_protocol_violations_total",
			Help: "Total number of sessions closed for protocol violations",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collector_sessions_active",
			Help: "Number of currently connected agent sessions",
		}),
		PersistQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collector_persist_queue_depth",
			Help: "Number of batches waiting in the persist queue",
		}),
		PersistErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_persist_errors_total",
			Help: "Total number of failed persist attempts",
		}),
		PublishDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_publish_drops_total",
			Help: "Total number of batches dropped by best-effort subscribers",
		}),
		EvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_evaluation_duration_seconds",
			Help:    "Detection engine evaluation latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
