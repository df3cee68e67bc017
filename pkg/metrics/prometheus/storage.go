package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/metrics"
)

// storageMetrics is the Prometheus implementation of filestore.Metrics.
type storageMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	lockWaitDuration  prometheus.Histogram
	lockFailures      prometheus.Counter
	allocationsTotal  *prometheus.CounterVec
}

// NewStorageMetrics creates a new Prometheus-backed filestore.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the engine to use its no-op implementation.
func NewStorageMetrics() filestore.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newStorageMetrics(metrics.GetRegistry())
}

func newStorageMetrics(reg prometheus.Registerer) *storageMetrics {
	return &storageMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_storage_operations_total",
				Help: "Total number of storage operations by operation type and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "shardstore_storage_operation_duration_seconds",
				Help: "Duration of storage operations in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"operation"},
		),
		lockWaitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "shardstore_storage_lock_wait_seconds",
				Help: "Time spent waiting for the storage lock",
				Buckets: []float64{
					0.001, // 1ms
					0.02,  // one poll
					0.1,   // 100ms
					1.0,   // 1s
					10.0,  // default timeout
				},
			},
		),
		lockFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shardstore_storage_lock_failures_total",
				Help: "Total number of lock acquisitions that failed or timed out",
			},
		),
		allocationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_storage_allocations_total",
				Help: "Total number of identifiers allocated by source (unused, next, scan)",
			},
			[]string{"source"},
		),
	}
}

func (m *storageMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *storageMetrics) ObserveLockWait(duration time.Duration, err error) {
	m.lockWaitDuration.Observe(duration.Seconds())
	if err != nil {
		m.lockFailures.Inc()
	}
}

func (m *storageMetrics) RecordAllocation(source string) {
	m.allocationsTotal.WithLabelValues(source).Inc()
}
