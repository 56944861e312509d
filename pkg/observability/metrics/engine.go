package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for engine operations.
const (
	OutcomeSuccess    = "success"
	OutcomeNotFound   = "not_found"
	OutcomeTransport  = "transport_error"
	OutcomeConstraint = "constraint_error"
	OutcomeCanceled   = "canceled"
	OutcomeError      = "error"
)

// EngineMetrics holds the collectors for document engine operations.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	streamDocuments prometheus.Counter
}

// NewEngineMetrics creates engine collectors. Register them with Collectors.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongoengine_operations_total",
				Help: "Total number of engine operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongoengine_operation_duration_seconds",
				Help:    "Engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		streamDocuments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mongoengine_stream_documents_total",
				Help: "Documents delivered to stream consumers",
			},
		),
	}
}

// Collectors returns every collector for registration.
func (m *EngineMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.duration, m.streamDocuments}
}

// ObserveOperation records one finished operation.
func (m *EngineMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// StreamDocument records one document handed to a consumer.
func (m *EngineMetrics) StreamDocument() {
	if m == nil {
		return
	}
	m.streamDocuments.Inc()
}
