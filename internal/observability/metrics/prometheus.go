// Package metrics provides Prometheus metrics for the PRO engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	TimelinesRebuilt      prometheus.Counter
	TimelinesInvalidated  prometheus.Counter
	TimelineRebuildTime   prometheus.Histogram
	TimelineRows          prometheus.Histogram
	ResponsesSubmitted    *prometheus.CounterVec
	TriggersFired         *prometheus.CounterVec
	EmailsSent            *prometheus.CounterVec
	AdherenceRows         prometheus.Counter
	LockTimeouts          prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		TimelinesRebuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timelines_rebuilt_total",
			Help: "Total questionnaire bank timelines rebuilt",
		}),
		TimelinesInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timelines_invalidated_total",
			Help: "Total timeline invalidations",
		}),
		TimelineRebuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeline_rebuild_duration_seconds",
			Help:    "Timeline materialization duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		TimelineRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeline_rows_per_rebuild",
			Help:    "Rows written per timeline rebuild",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		ResponsesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questionnaire_responses_submitted_total",
			Help: "Total questionnaire responses accepted",
		}, []string{"status"}),
		TriggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggers_fired_total",
			Help: "Total trigger states fired, by worst severity",
		}, []string{"severity"}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total notification emails dispatched, by template variant",
		}, []string{"variant"}),
		AdherenceRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_rows_built_total",
			Help: "Total adherence cache rows written",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_timeouts_total",
			Help: "Total distributed lock acquisition timeouts",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.TimelinesRebuilt,
		m.TimelinesInvalidated,
		m.TimelineRebuildTime,
		m.TimelineRows,
		m.ResponsesSubmitted,
		m.TriggersFired,
		m.EmailsSent,
		m.AdherenceRows,
		m.LockTimeouts,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// TimelineRebuilt satisfies the timeline observer.
func (m *Metrics) TimelineRebuilt(userID, studyID int64, rows int, elapsed time.Duration) {
	m.TimelinesRebuilt.Inc()
	m.TimelineRebuildTime.Observe(elapsed.Seconds())
	m.TimelineRows.Observe(float64(rows))
}

// TimelineInvalidated satisfies the timeline observer.
func (m *Metrics) TimelineInvalidated(userID, studyID int64) {
	m.TimelinesInvalidated.Inc()
}

// TriggerFired satisfies the trigger fire-job observer.
func (m *Metrics) TriggerFired(severity string) {
	m.TriggersFired.WithLabelValues(severity).Inc()
}

// TriggerEmailSent satisfies the trigger fire-job observer.
func (m *Metrics) TriggerEmailSent(variant string) {
	m.EmailsSent.WithLabelValues(variant).Inc()
}

// AdherenceRowsBuilt satisfies the adherence builder observer.
func (m *Metrics) AdherenceRowsBuilt(n int) {
	m.AdherenceRows.Add(float64(n))
}

// ResponseSubmitted satisfies the submission observer.
func (m *Metrics) ResponseSubmitted(status string) {
	m.ResponsesSubmitted.WithLabelValues(status).Inc()
}

// OutboxDepth satisfies the outbox relay observer.
func (m *Metrics) OutboxDepth(pending int64) {
	m.OutboxPending.Set(float64(pending))
}

// EventRelayed satisfies the outbox relay observer.
func (m *Metrics) EventRelayed() {
	m.KafkaMessagesProduced.Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
