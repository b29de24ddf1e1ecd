package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CloseMetrics: метрики саги закрытия накладной.
type CloseMetrics struct {
	started         prometheus.Counter
	completed       prometheus.Counter
	replayed        prometheus.Counter
	failed          *prometheus.CounterVec
	reconciliations prometheus.Counter
	outboxEvents    prometheus.Counter
	duration        prometheus.Histogram
	inFlight        prometheus.Gauge
}

// NewCloseMetricsWithRegisterer регистрирует метрики саги в заданном реестре.
func NewCloseMetricsWithRegisterer(registerer prometheus.Registerer) *CloseMetrics {
	registerer = orDefault(registerer)

	return &CloseMetrics{
		started: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_close_started_total",
			Help: "Total number of invoice close attempts",
		}),
		completed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_close_completed_total",
			Help: "Total number of invoices closed by this process",
		}),
		replayed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_close_replayed_total",
			Help: "Total number of close requests answered from the idempotency ledger",
		}),
		failed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_close_failed_total",
			Help: "Total number of failed invoice close attempts by outcome",
		}, []string{"reason"}),
		reconciliations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_close_reconciliation_needed_total",
			Help: "Stock was decremented but the invoice could not be closed",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "invoicesaga_close_duration_seconds",
			Help:    "Duration of invoice close operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "invoicesaga_close_in_flight",
			Help: "Number of invoice close operations in progress",
		}),
	}
}

// RecordStarted увеличивает счётчик запусков и число активных операций.
func (m *CloseMetrics) RecordStarted() {
	m.started.Inc()
	m.inFlight.Inc()
}

// RecordFinished фиксирует длительность и уменьшает число активных операций.
func (m *CloseMetrics) RecordFinished(duration time.Duration) {
	m.inFlight.Dec()
	m.duration.Observe(duration.Seconds())
}

func (m *CloseMetrics) RecordCompleted() {
	m.completed.Inc()
}

func (m *CloseMetrics) RecordReplayed() {
	m.replayed.Inc()
}

// RecordFailed увеличивает счётчик неудач с меткой исхода (validation, conflict, unavailable...).
func (m *CloseMetrics) RecordFailed(reason string) {
	m.failed.WithLabelValues(reason).Inc()
}

func (m *CloseMetrics) RecordReconciliationNeeded() {
	m.reconciliations.Inc()
}

func (m *CloseMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
