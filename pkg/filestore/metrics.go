package filestore

import "time"

// Metrics provides observability for engine operations.
//
// This is optional: an Engine created without metrics uses a no-op
// implementation. The Prometheus implementation lives in pkg/metrics.
type Metrics interface {
	// ObserveOperation records an engine operation with its duration and outcome.
	// operation is one of: get, save, delete, list, repair.
	ObserveOperation(operation string, duration time.Duration, err error)

	// ObserveLockWait records how long a lock acquisition waited.
	ObserveLockWait(duration time.Duration, err error)

	// RecordAllocation records where an allocated slot came from.
	// source is one of: unused, next, scan.
	RecordAllocation(source string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(operation string, duration time.Duration, err error) {}
func (noopMetrics) ObserveLockWait(duration time.Duration, err error)                    {}
func (noopMetrics) RecordAllocation(source string)                                       {}
