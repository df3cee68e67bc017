package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/metrics"
)

// quotaMetrics is the Prometheus implementation of quota.Metrics.
type quotaMetrics struct {
	rejectionsTotal    *prometheus.CounterVec
	rejectedBytes      *prometheus.CounterVec
	usageBytes         *prometheus.GaugeVec
	inconsistencyTotal *prometheus.CounterVec
}

// NewQuotaMetrics creates a new Prometheus-backed quota.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewQuotaMetrics() quota.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newQuotaMetrics(metrics.GetRegistry())
}

func newQuotaMetrics(reg prometheus.Registerer) *quotaMetrics {
	return &quotaMetrics{
		rejectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_quota_rejections_total",
				Help: "Total number of saves rejected for exceeding the tenant quota",
			},
			[]string{"tenant"},
		),
		rejectedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_quota_rejected_bytes_total",
				Help: "Total bytes of rejected saves",
			},
			[]string{"tenant"},
		),
		usageBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardstore_quota_usage_bytes",
				Help: "Recorded usage per tenant in bytes",
			},
			[]string{"tenant"},
		),
		inconsistencyTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_quota_inconsistencies_total",
				Help: "Total number of usage decrements clamped at zero",
			},
			[]string{"tenant"},
		),
	}
}

func (m *quotaMetrics) RecordRejection(tenant string, requested int64) {
	m.rejectionsTotal.WithLabelValues(tenant).Inc()
	m.rejectedBytes.WithLabelValues(tenant).Add(float64(requested))
}

func (m *quotaMetrics) SetUsage(tenant string, bytes int64) {
	m.usageBytes.WithLabelValues(tenant).Set(float64(bytes))
}

func (m *quotaMetrics) RecordInconsistency(tenant string) {
	m.inconsistencyTotal.WithLabelValues(tenant).Inc()
}
