package filestore

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Standard File Storage Errors
// ============================================================================

// These errors classify every failure a storage operation can produce. Callers
// branch on them with errors.Is, for example to tell a quota rejection apart
// from an unavailable medium:
//
//	id, err := storage.SaveNew(ctx, r)
//	switch {
//	case errors.Is(err, filestore.ErrQuotaExceeded):
//	    return http.StatusInsufficientStorage
//	case errors.Is(err, filestore.ErrLockFailure):
//	    return http.StatusServiceUnavailable
//	}
//
// Implementations wrap these errors with additional context:
//
//	return fmt.Errorf("file %s: %w", id, filestore.ErrNotFound)

var (
	// ErrNotFound indicates the requested identifier holds no object.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidParameter indicates a malformed identifier or option.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidDepth indicates a configured depth below 1.
	ErrInvalidDepth = errors.New("invalid depth")

	// ErrInvalidEntries indicates a configured per-level fan-out below 1, or
	// an address space that does not fit in 64 bits.
	ErrInvalidEntries = errors.New("invalid entries")

	// ErrIO indicates a failure of the underlying medium.
	ErrIO = errors.New("i/o error")

	// ErrStoreFull indicates the address space is exhausted.
	//
	// This is terminal: retrying will not help until objects are deleted or
	// the address space is reconfigured.
	ErrStoreFull = errors.New("file store full")

	// ErrLockFailure indicates the storage lock could not be acquired before
	// the deadline. A stale marker left by a crashed holder produces this
	// error forever, until an operator removes the marker.
	ErrLockFailure = errors.New("lock failure")

	// ErrUnlockFailure indicates the storage lock marker could not be removed.
	// The storage is stuck until an operator intervenes.
	ErrUnlockFailure = errors.New("unlock failure")

	// ErrQuotaExceeded indicates a save would push a tenant past its quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrSQL indicates a failure of the usage persistence layer.
	ErrSQL = errors.New("usage persistence error")

	// ErrInconsistentUsage marks a usage computation that would have gone
	// negative and was clamped to zero. It is logged, never returned.
	ErrInconsistentUsage = errors.New("inconsistent usage")
)

// QuotaExceededError carries the numbers behind a quota rejection.
type QuotaExceededError struct {
	Requested int64
	Quota     int64
	Usage     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: requested %d bytes, quota %d bytes, usage %d bytes",
		e.Requested, e.Quota, e.Usage)
}

// Is reports whether target is ErrQuotaExceeded.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// StorageError annotates an error with the storage, tenant and identifier it
// occurred on. It is produced where errors cross the quota/engine boundary.
type StorageError struct {
	Op      string
	Storage string
	Tenant  string
	ID      ID
	Err     error
}

func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Storage != "" {
		b.WriteString(" storage=")
		b.WriteString(e.Storage)
	}
	if e.Tenant != "" {
		b.WriteString(" tenant=")
		b.WriteString(e.Tenant)
	}
	if e.ID != "" {
		b.WriteString(" id=")
		b.WriteString(string(e.ID))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IOError wraps a medium failure so that it matches ErrIO while keeping the
// original cause reachable through errors.Is/As. Backends use it for every
// failure that is not a plain "not found".
func IOError(op string, id ID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, id, err)
}
