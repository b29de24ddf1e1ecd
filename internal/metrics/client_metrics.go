package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics: метрики устойчивого клиента склада.
type ClientMetrics struct {
	calls    *prometheus.CounterVec
	attempts *prometheus.CounterVec
}

// NewClientMetricsWithRegisterer регистрирует метрики клиента в заданном реестре.
func NewClientMetricsWithRegisterer(registerer prometheus.Registerer) *ClientMetrics {
	registerer = orDefault(registerer)

	return &ClientMetrics{
		calls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_stock_client_calls_total",
			Help: "Inventory calls by operation and final result",
		}, []string{"operation", "result"}),
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_stock_client_attempts_total",
			Help: "Individual HTTP attempts against inventory by operation and result",
		}, []string{"operation", "result"}),
	}
}

// RecordCall фиксирует итог вызова после всех политик.
func (m *ClientMetrics) RecordCall(operation, result string) {
	m.calls.WithLabelValues(operation, result).Inc()
}

// RecordAttempt фиксирует одну HTTP-попытку.
func (m *ClientMetrics) RecordAttempt(operation, result string) {
	m.attempts.WithLabelValues(operation, result).Inc()
}

// StockMetrics: метрики хранилища остатков на стороне склада.
type StockMetrics struct {
	batches    *prometheus.CounterVec
	linesTotal prometheus.Counter
}

// NewStockMetricsWithRegisterer регистрирует метрики склада в заданном реестре.
func NewStockMetricsWithRegisterer(registerer prometheus.Registerer) *StockMetrics {
	registerer = orDefault(registerer)

	return &StockMetrics{
		batches: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_stock_batches_total",
			Help: "Batch decrements by outcome",
		}, []string{"outcome"}),
		linesTotal: registerCounter(registerer, prometheus.CounterOpts{
			Name: "invoicesaga_stock_lines_decremented_total",
			Help: "Number of batch lines applied",
		}),
	}
}

// RecordBatch фиксирует исход батча и число применённых строк.
func (m *StockMetrics) RecordBatch(outcome string, appliedLines int) {
	m.batches.WithLabelValues(outcome).Inc()
	if appliedLines > 0 {
		m.linesTotal.Add(float64(appliedLines))
	}
}
