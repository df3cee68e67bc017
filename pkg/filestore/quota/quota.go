// Package quota wraps a storage engine with per-tenant byte quotas.
//
// Usage is tracked in a relational counter (see pkg/usage) and checked after
// each write, while the storage lock is held. A save that does not fit is
// rolled back: its bytes are deleted before the error is returned.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
)

// Engine is the subset of *filestore.Engine the decorator needs.
type Engine interface {
	filestore.Storage

	DeleteWithStrategy(ctx context.Context, id filestore.ID, strategy filestore.LockStrategy) (bool, error)
	DeleteAssumingLockHeld(ctx context.Context, id filestore.ID) (bool, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Repair(ctx context.Context) error
	State(ctx context.Context) (*filestore.State, error)
	Name() string
	Close() error
}

// UsageStore persists per-tenant usage counters. Implemented by *usage.Store.
type UsageStore interface {
	Get(ctx context.Context, tenant string) (int64, error)
	GetForWrite(ctx context.Context, tenant string) (int64, error)
	Add(ctx context.Context, tenant string, delta int64) (value int64, clamped bool, err error)
	Set(ctx context.Context, tenant string, value int64) error
}

// Storage enforces the quota of one tenant on top of an Engine.
//
// Write path:
//  1. The inner engine saves the payload under a fresh identifier
//  2. The stored size is measured
//  3. Under the storage lock, usage+size is compared with the quota
//  4. Fits: usage is incremented. Does not fit: the object is deleted
//     (the deletion releases the lock) and *QuotaExceededError is returned
//
// The check happens after the write so that payloads of unknown length can
// be accepted; SaveNewWithHint adds an early rejection for known sizes.
//
// Thread Safety:
// Safe for concurrent use. Usage updates are serialized by the storage lock,
// not by the database.
type Storage struct {
	tenant  string
	engine  Engine
	usage   UsageStore
	limits  Limits
	source  UsageSource
	metrics Metrics
}

// Option configures a Storage.
type Option func(*Storage)

// WithUsageSource sets the source consulted by RecalculateUsage.
func WithUsageSource(source UsageSource) Option {
	return func(s *Storage) { s.source = source }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Storage) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates the quota decorator of tenant.
//
// Parameters:
//   - tenant: Tenant identifier, the key of the usage row
//   - engine: Storage engine holding the tenant's objects
//   - usage: Usage counter persistence
//   - limits: Quota resolution
//
// Returns:
//   - *Storage: Ready decorator
//   - error: ErrInvalidParameter if a dependency is missing
func New(tenant string, engine Engine, usage UsageStore, limits Limits, opts ...Option) (*Storage, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: tenant is required", filestore.ErrInvalidParameter)
	}
	if engine == nil || usage == nil || limits == nil {
		return nil, fmt.Errorf("%w: engine, usage store and limits are required", filestore.ErrInvalidParameter)
	}

	s := &Storage{
		tenant:  tenant,
		engine:  engine,
		usage:   usage,
		limits:  limits,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tenant returns the tenant identifier.
func (s *Storage) Tenant() string { return s.tenant }

// Engine returns the wrapped engine.
func (s *Storage) Engine() Engine { return s.engine }

// Close closes the wrapped engine.
func (s *Storage) Close() error { return s.engine.Close() }

// ============================================================================
// Usage
// ============================================================================

// Usage returns the recorded usage of the tenant.
func (s *Storage) Usage(ctx context.Context) (int64, error) {
	used, err := s.usage.Get(ctx, s.tenant)
	return used, s.wrap("usage", "", err)
}

// UsageForWrite returns the recorded usage, read in the scope of a
// following update.
func (s *Storage) UsageForWrite(ctx context.Context) (int64, error) {
	used, err := s.usage.GetForWrite(ctx, s.tenant)
	return used, s.wrap("usage", "", err)
}

// Quota returns the tenant's quota in bytes, or Unlimited.
func (s *Storage) Quota(ctx context.Context) (int64, error) {
	q, err := s.limits.QuotaBytes(ctx, s.tenant)
	return q, s.wrap("quota", "", err)
}

// RecalculateUsage overwrites the usage counter with the total reported by
// the configured UsageSource and returns it. This is the repair path for
// drift left by crashes or lost upserts.
//
// The total is computed while the storage lock is held, so no save can be
// accounted between the computation and the overwrite. The source must not
// take the storage lock itself.
//
// Returns ErrInvalidParameter if no usage source is configured.
func (s *Storage) RecalculateUsage(ctx context.Context) (total int64, err error) {
	if s.source == nil {
		return 0, s.wrap("recalculate usage", "",
			fmt.Errorf("%w: no usage source configured", filestore.ErrInvalidParameter))
	}

	if err := s.engine.Lock(ctx); err != nil {
		return 0, s.wrap("recalculate usage", "", err)
	}
	defer func() {
		if uerr := s.engine.Unlock(ctx); uerr != nil && err == nil {
			err = s.wrap("recalculate usage", "", uerr)
		}
	}()

	total, err = s.source.TotalBytes(ctx, s.tenant)
	if err != nil {
		return 0, s.wrap("recalculate usage", "", err)
	}

	if err := s.usage.Set(ctx, s.tenant, total); err != nil {
		return 0, s.wrap("recalculate usage", "", err)
	}

	s.metrics.SetUsage(s.tenant, total)
	logger.Info("Recalculated usage of tenant %s: %d bytes", s.tenant, total)
	return total, nil
}

// Repair rebuilds the allocation state of the tenant's storage. Usage is
// not touched; see RecalculateUsage.
func (s *Storage) Repair(ctx context.Context) error {
	return s.wrap("repair", "", s.engine.Repair(ctx))
}

// State returns a snapshot of the allocation state.
func (s *Storage) State(ctx context.Context) (*filestore.State, error) {
	state, err := s.engine.State(ctx)
	return state, s.wrap("state", "", err)
}

// ============================================================================
// Reads
// ============================================================================

// Get opens the object stored under id.
func (s *Storage) Get(ctx context.Context, id filestore.ID) (io.ReadCloser, error) {
	rc, err := s.engine.Get(ctx, id)
	return rc, s.wrap("get", id, err)
}

// Size returns the size of the object stored under id.
func (s *Storage) Size(ctx context.Context, id filestore.ID) (int64, error) {
	size, err := s.engine.Size(ctx, id)
	return size, s.wrap("size", id, err)
}

// MimeType returns the MIME type of the object stored under id.
func (s *Storage) MimeType(ctx context.Context, id filestore.ID) (string, error) {
	mime, err := s.engine.MimeType(ctx, id)
	return mime, s.wrap("mime type", id, err)
}

// List returns every occupied identifier.
func (s *Storage) List(ctx context.Context) ([]filestore.ID, error) {
	ids, err := s.engine.List(ctx)
	return ids, s.wrap("list", "", err)
}

// ============================================================================
// Writes
// ============================================================================

// SaveNew stores the payload if it fits in the tenant's quota.
//
// Any failure after the payload was written, including cancellation of ctx,
// deletes it again before returning. The one exception is a failed unlock
// after the usage was charged: the object is kept and its id is returned
// along with the ErrUnlockFailure.
//
// Returns:
//   - ID: Identifier of the stored object
//   - error: *QuotaExceededError (matches ErrQuotaExceeded) when rejected,
//     or the engine/usage error, wrapped in *StorageError
func (s *Storage) SaveNew(ctx context.Context, r io.Reader) (filestore.ID, error) {
	// ========================================================================
	// Step 1: Let the engine allocate and write
	// ========================================================================

	id, err := s.engine.SaveNew(ctx, r)
	if err != nil {
		return "", s.wrap("save", "", err)
	}

	size, err := s.engine.Size(ctx, id)
	if err != nil {
		s.discard(ctx, id, false)
		return "", s.wrap("save", id, err)
	}

	// ========================================================================
	// Step 2: Check the quota under the lock
	// ========================================================================

	if err := s.engine.Lock(ctx); err != nil {
		s.discard(ctx, id, false)
		return "", s.wrap("save", id, err)
	}

	quota, err := s.limits.QuotaBytes(ctx, s.tenant)
	if err != nil {
		s.discard(ctx, id, true)
		return "", s.wrap("save", id, err)
	}

	used, err := s.usage.GetForWrite(ctx, s.tenant)
	if err != nil {
		s.discard(ctx, id, true)
		return "", s.wrap("save", id, err)
	}

	// ========================================================================
	// Step 3: Reject, rolling back the write
	// ========================================================================

	if !fits(quota, used, size) {
		s.discard(ctx, id, true)
		s.metrics.RecordRejection(s.tenant, size)
		logger.Info("Rejected %d bytes for tenant %s: usage %d, quota %d", size, s.tenant, used, quota)
		return "", s.wrap("save", "", &filestore.QuotaExceededError{
			Requested: size,
			Quota:     quota,
			Usage:     used,
		})
	}

	// ========================================================================
	// Step 4: Account and release
	// ========================================================================

	value, _, err := s.usage.Add(ctx, s.tenant, size)
	if err != nil {
		s.discard(ctx, id, true)
		return "", s.wrap("save", id, err)
	}

	s.metrics.SetUsage(s.tenant, value)

	if err := s.engine.Unlock(ctx); err != nil {
		logger.Error("Stored %s for tenant %s but could not release the lock: %v", id, s.tenant, err)
		return id, s.wrap("save", id, err)
	}

	return id, nil
}

// SaveNewWithHint is SaveNew with an early rejection: when sizeHint is
// known (>= 0) and already exceeds the remaining quota, nothing is written.
// The hint is advisory; the authoritative check still runs after the write.
func (s *Storage) SaveNewWithHint(ctx context.Context, r io.Reader, sizeHint int64) (filestore.ID, error) {
	if sizeHint >= 0 {
		quota, err := s.limits.QuotaBytes(ctx, s.tenant)
		if err != nil {
			return "", s.wrap("save", "", err)
		}
		used, err := s.usage.Get(ctx, s.tenant)
		if err != nil {
			return "", s.wrap("save", "", err)
		}
		if !fits(quota, used, sizeHint) {
			s.metrics.RecordRejection(s.tenant, sizeHint)
			logger.Info("Rejected %d bytes for tenant %s before writing: usage %d, quota %d",
				sizeHint, s.tenant, used, quota)
			return "", s.wrap("save", "", &filestore.QuotaExceededError{
				Requested: sizeHint,
				Quota:     quota,
				Usage:     used,
			})
		}
	}

	return s.SaveNew(ctx, r)
}

// Delete removes the object stored under id and credits its size back to
// the tenant. A decrement below zero is clamped and logged as an
// inconsistency.
func (s *Storage) Delete(ctx context.Context, id filestore.ID) (deleted bool, err error) {
	size, err := s.engine.Size(ctx, id)
	if err != nil {
		if filestore.IsNotFound(err) {
			return false, nil
		}
		return false, s.wrap("delete", id, err)
	}

	if err := s.engine.Lock(ctx); err != nil {
		return false, s.wrap("delete", id, err)
	}
	defer func() {
		if uerr := s.engine.Unlock(ctx); uerr != nil && err == nil {
			err = s.wrap("delete", id, uerr)
		}
	}()

	deleted, err = s.engine.DeleteAssumingLockHeld(ctx, id)
	if err != nil {
		return deleted, s.wrap("delete", id, err)
	}
	if !deleted {
		return false, nil
	}

	value, clamped, err := s.usage.Add(ctx, s.tenant, -size)
	if err != nil {
		return true, s.wrap("delete", id, err)
	}
	if clamped {
		s.metrics.RecordInconsistency(s.tenant)
		logger.Warn("%v: tenant %s usage would go negative after deleting %s (%d bytes), clamped to 0",
			filestore.ErrInconsistentUsage, s.tenant, id, size)
	}

	s.metrics.SetUsage(s.tenant, value)
	return true, nil
}

// discard deletes an object whose save is being rolled back. With
// lockHeld the deletion also releases the storage lock. It ignores
// cancellation of ctx, which is often the reason for the rollback.
func (s *Storage) discard(ctx context.Context, id filestore.ID, lockHeld bool) {
	ctx = context.WithoutCancel(ctx)

	strategy := filestore.LockNormal
	if lockHeld {
		strategy = filestore.LockOnlyUnlock
	}

	if _, err := s.engine.DeleteWithStrategy(ctx, id, strategy); err != nil {
		logger.Error("Failed to roll back %s for tenant %s: %v", id, s.tenant, err)
	}
}

func (s *Storage) wrap(op string, id filestore.ID, err error) error {
	if err == nil {
		return nil
	}
	var se *filestore.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &filestore.StorageError{
		Op:      op,
		Storage: s.engine.Name(),
		Tenant:  s.tenant,
		ID:      id,
		Err:     err,
	}
}
