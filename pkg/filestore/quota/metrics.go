package quota

// Metrics provides observability for quota enforcement.
//
// This is optional: a Storage created without metrics uses a no-op
// implementation.
type Metrics interface {
	// RecordRejection records a save refused for lack of quota.
	RecordRejection(tenant string, requested int64)

	// SetUsage records the current usage of a tenant.
	SetUsage(tenant string, bytes int64)

	// RecordInconsistency records a usage decrement clamped at zero.
	RecordInconsistency(tenant string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRejection(tenant string, requested int64) {}
func (noopMetrics) SetUsage(tenant string, bytes int64)            {}
func (noopMetrics) RecordInconsistency(tenant string)              {}
