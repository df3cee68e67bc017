package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/shardstore/internal/logger"
)

// Config contains configuration for opening an Engine.
type Config struct {
	// Name identifies the storage in logs and errors. Defaults to the
	// backend name.
	Name string

	// Depth is the number of shard levels (default: 3).
	Depth int

	// Entries is the fan-out per shard level (default: 256).
	Entries int

	// LockTimeout bounds the wait for the storage lock (default: 10s).
	LockTimeout time.Duration

	// LockPollInterval is the fixed sleep between lock attempts (default: 20ms).
	LockPollInterval time.Duration

	// Metrics receives engine observations. Nil disables collection.
	Metrics Metrics
}

func (c *Config) applyDefaults() {
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
	if c.Entries == 0 {
		c.Entries = DefaultEntries
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.LockPollInterval == 0 {
		c.LockPollInterval = DefaultLockPollInterval
	}
}

type engineStatus int

const (
	statusUnchecked engineStatus = iota
	statusReady
)

// errCorruptState marks a state record that exists but cannot be decoded.
var errCorruptState = errors.New("corrupt state record")

// Engine allocates, recycles and enumerates identifiers on top of a Backend.
//
// Every mutation of the state record happens while the backend lock is held;
// payload writes happen outside of it. A crash between the two leaves either
// an orphaned blob or a consumed slot without bytes. Repair fixes the latter.
//
// Thread Safety:
// Safe for concurrent use. Across processes, correctness depends entirely on
// the backend lock. Within one process, slots reserved but not yet written
// are additionally tracked in memory so that a gap scan cannot hand them out
// twice.
type Engine struct {
	backend      Backend
	layout       Layout
	name         string
	lockTimeout  time.Duration
	pollInterval time.Duration
	metrics      Metrics

	mu       sync.Mutex
	status   engineStatus
	reserved map[ID]struct{}
}

// Open creates an Engine over backend.
//
// The configuration is validated first (ErrInvalidDepth, ErrInvalidEntries,
// ErrInvalidParameter). Then the state record is checked: if it is missing
// the storage is repaired before Open returns.
//
// Parameters:
//   - ctx: Context for cancellation of the initial check
//   - backend: Medium holding the objects and the state record
//   - cfg: Address space and locking configuration
//
// Returns:
//   - *Engine: Ready engine
//   - error: Configuration, lock or I/O error
func Open(ctx context.Context, backend Backend, cfg Config) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidParameter)
	}
	if cfg.LockTimeout < 0 || cfg.LockPollInterval < 0 {
		return nil, fmt.Errorf("%w: lock timings must not be negative", ErrInvalidParameter)
	}

	cfg.applyDefaults()

	layout, err := NewLayout(cfg.Depth, cfg.Entries)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = backend.Name()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	e := &Engine{
		backend:      backend,
		layout:       layout,
		name:         name,
		lockTimeout:  cfg.LockTimeout,
		pollInterval: cfg.LockPollInterval,
		metrics:      metrics,
		reserved:     make(map[ID]struct{}),
	}

	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

// Name returns the storage name.
func (e *Engine) Name() string { return e.name }

// Layout returns the address space of the storage.
func (e *Engine) Layout() Layout { return e.layout }

// Backend returns the underlying backend.
func (e *Engine) Backend() Backend { return e.backend }

// Close closes the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

// ensureReady moves the engine from Unchecked to Ready, repairing the state
// record on the way if it is absent.
func (e *Engine) ensureReady(ctx context.Context) error {
	e.mu.Lock()
	ready := e.status == statusReady
	e.mu.Unlock()
	if ready {
		return nil
	}

	exists, err := e.backend.Exists(ctx, StateID)
	if err != nil {
		return IOError("check state", StateID, err)
	}

	if !exists {
		logger.Info("Storage %s has no state record, repairing", e.name)
		if err := e.Repair(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.status = statusReady
	e.mu.Unlock()
	return nil
}

// ============================================================================
// Locking
// ============================================================================

// Lock acquires the storage lock, waiting up to the configured timeout.
func (e *Engine) Lock(ctx context.Context) error {
	start := time.Now()
	err := AcquireLock(ctx, e.backend, e.lockTimeout, e.pollInterval)
	e.metrics.ObserveLockWait(time.Since(start), err)
	return err
}

// Unlock releases the storage lock.
func (e *Engine) Unlock(ctx context.Context) error {
	return e.backend.Unlock(ctx)
}

// ============================================================================
// Reads
// ============================================================================

// Get opens the object stored under id.
//
// Returns ErrNotFound if absent, ErrInvalidParameter if id is malformed.
func (e *Engine) Get(ctx context.Context, id ID) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := e.get(ctx, id)
	e.metrics.ObserveOperation("get", time.Since(start), err)
	return rc, err
}

func (e *Engine) get(ctx context.Context, id ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.validate(id); err != nil {
		return nil, err
	}
	return e.backend.Load(ctx, id)
}

// Size returns the size in bytes of the object stored under id.
func (e *Engine) Size(ctx context.Context, id ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.validate(id); err != nil {
		return 0, err
	}
	return e.backend.Length(ctx, id)
}

// MimeType returns the MIME type of the object stored under id.
func (e *Engine) MimeType(ctx context.Context, id ID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.validate(id); err != nil {
		return "", err
	}
	return e.backend.MimeType(ctx, id)
}

// List returns every occupied identifier in enumeration order.
//
// The whole address space is walked and each slot is tested for existence,
// so the cost is proportional to entries^depth, not to the number of stored
// objects. This is deliberate: listing needs no index and cannot drift from
// the medium.
func (e *Engine) List(ctx context.Context) ([]ID, error) {
	start := time.Now()
	ids, err := e.list(ctx)
	e.metrics.ObserveOperation("list", time.Since(start), err)
	return ids, err
}

func (e *Engine) list(ctx context.Context) ([]ID, error) {
	var ids []ID

	id := e.layout.First()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		exists, err := e.backend.Exists(ctx, id)
		if err != nil {
			return nil, IOError("list", id, err)
		}
		if exists {
			ids = append(ids, id)
		}

		next, ok, err := e.layout.Increment(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ids, nil
		}
		id = next
	}
}

// State returns a snapshot of the persisted state record.
//
// The record is read without taking the lock, so it may be outdated by the
// time it is returned. Intended for operators.
func (e *Engine) State(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadState(ctx, e.backend)
}

// ============================================================================
// Allocation
// ============================================================================

// SaveNew allocates a fresh identifier and stores the payload under it.
//
// Allocation order:
//  1. Recycled identifiers from the unused list, each re-verified absent
//  2. The next-entry cursor, advanced while the slot is occupied
//  3. A full scan of the address space for any gap
//
// The state record is updated and the lock released before the payload is
// written. If the write fails, any partial artifact is deleted and the slot
// is returned to the unused list.
//
// Returns:
//   - ID: Identifier of the stored object
//   - error: ErrStoreFull, ErrLockFailure, ErrUnlockFailure or ErrIO
func (e *Engine) SaveNew(ctx context.Context, r io.Reader) (ID, error) {
	start := time.Now()
	id, err := e.saveNew(ctx, r)
	e.metrics.ObserveOperation("save", time.Since(start), err)
	return id, err
}

func (e *Engine) saveNew(ctx context.Context, r io.Reader) (ID, error) {
	// ========================================================================
	// Step 1: Check context and readiness
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.ensureReady(ctx); err != nil {
		return "", err
	}

	// ========================================================================
	// Step 2: Reserve a slot under the lock
	// ========================================================================

	id, err := e.reserve(ctx)
	if err != nil {
		return "", err
	}
	defer e.release(id)

	// ========================================================================
	// Step 3: Write the payload outside the lock
	// ========================================================================

	if err := e.backend.Save(ctx, id, r); err != nil {
		e.abandon(ctx, id)
		return "", IOError("save", id, err)
	}

	return id, nil
}

// reserve picks a free slot, persists the advanced state and releases the
// lock. The slot stays in the in-process reservation set until release.
func (e *Engine) reserve(ctx context.Context) (ID, error) {
	if err := e.Lock(ctx); err != nil {
		return "", err
	}

	id, source, err := e.allocateLocked(ctx)

	if uerr := e.Unlock(ctx); uerr != nil {
		if err == nil {
			e.release(id)
		}
		return "", uerr
	}
	if err != nil {
		return "", err
	}

	e.metrics.RecordAllocation(source)
	logger.Debug("Allocated %s on %s (source=%s)", id, e.name, source)
	return id, nil
}

// allocateLocked must be called with the storage lock held.
func (e *Engine) allocateLocked(ctx context.Context) (ID, string, error) {
	state, err := e.loadOrRebuild(ctx)
	if err != nil {
		return "", "", err
	}

	var (
		id     ID
		source string
	)

	// Recycled slots first. The list may be stale relative to the medium,
	// so each candidate is checked again before it is handed out.
	for id == "" && len(state.Unused) > 0 {
		candidate := state.Unused[0]
		state.Unused = state.Unused[1:]

		if !e.layout.Contains(candidate) {
			logger.Warn("Dropping malformed unused entry %q on %s", candidate, e.name)
			continue
		}

		free, err := e.isFree(ctx, candidate)
		if err != nil {
			return "", "", err
		}
		if !free {
			logger.Debug("Skipping stale unused entry %s on %s", candidate, e.name)
			continue
		}

		id, source = candidate, "unused"
	}

	// Then the cursor, walking forward over occupied slots.
	if id == "" && !state.Exhausted {
		candidate := state.Next
		if !e.layout.Contains(candidate) {
			logger.Warn("State cursor %q on %s is outside the address space, restarting from %s",
				candidate, e.name, e.layout.First())
			candidate = e.layout.First()
		}

		for {
			free, err := e.isFree(ctx, candidate)
			if err != nil {
				return "", "", err
			}
			if free {
				id, source = candidate, "next"
				break
			}

			next, ok, err := e.layout.Increment(candidate)
			if err != nil {
				return "", "", err
			}
			if !ok {
				state.Exhausted = true
				state.Next = ""
				break
			}
			candidate = next
		}

		if id != "" {
			next, ok, err := e.layout.Increment(id)
			if err != nil {
				return "", "", err
			}
			if ok {
				state.Next = next
			} else {
				state.Exhausted = true
				state.Next = ""
			}
		}
	}

	// Last resort: look for any gap in the whole space.
	if id == "" {
		gap, err := e.scanForGap(ctx)
		if err != nil {
			return "", "", err
		}
		if gap == "" {
			if err := saveState(ctx, e.backend, state); err != nil {
				return "", "", err
			}
			return "", "", fmt.Errorf("%w: %s holds %d objects", ErrStoreFull, e.name, e.layout.Size())
		}
		id, source = gap, "scan"
	}

	if err := saveState(ctx, e.backend, state); err != nil {
		return "", "", err
	}

	e.mu.Lock()
	e.reserved[id] = struct{}{}
	e.mu.Unlock()

	return id, source, nil
}

// isFree reports whether a slot is neither stored nor reserved in-process.
func (e *Engine) isFree(ctx context.Context, id ID) (bool, error) {
	e.mu.Lock()
	_, reserved := e.reserved[id]
	e.mu.Unlock()
	if reserved {
		return false, nil
	}

	exists, err := e.backend.Exists(ctx, id)
	if err != nil {
		return false, IOError("exists", id, err)
	}
	return !exists, nil
}

// scanForGap walks the whole address space and returns the first free slot,
// or "" if there is none.
func (e *Engine) scanForGap(ctx context.Context) (ID, error) {
	id := e.layout.First()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		free, err := e.isFree(ctx, id)
		if err != nil {
			return "", err
		}
		if free {
			return id, nil
		}

		next, ok, err := e.layout.Increment(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		id = next
	}
}

// release drops id from the in-process reservation set.
func (e *Engine) release(id ID) {
	e.mu.Lock()
	delete(e.reserved, id)
	e.mu.Unlock()
}

// abandon undoes a reservation after a failed payload write. It runs
// detached from ctx cancellation so that a cancelled request still cleans up.
func (e *Engine) abandon(ctx context.Context, id ID) {
	ctx = context.WithoutCancel(ctx)

	if _, err := e.backend.Delete(ctx, id); err != nil {
		logger.Warn("Failed to remove partial artifact %s on %s: %v", id, e.name, err)
	}

	if err := e.Lock(ctx); err != nil {
		e.release(id)
		logger.Error("Slot %s on %s could not be returned to the unused list: %v (run repair)", id, e.name, err)
		return
	}

	// The reservation must be gone before the slot is listed as unused,
	// otherwise the next allocation drops it as a stale entry.
	e.release(id)

	if err := e.recycleLocked(ctx, id); err != nil {
		logger.Error("Slot %s on %s could not be returned to the unused list: %v (run repair)", id, e.name, err)
	}

	if err := e.Unlock(ctx); err != nil {
		logger.Error("Failed to release lock on %s: %v", e.name, err)
	}
}

// recycleLocked adds id to the unused list. The lock must be held.
func (e *Engine) recycleLocked(ctx context.Context, id ID) error {
	state, err := e.loadOrRebuild(ctx)
	if err != nil {
		return err
	}
	state.AddUnused(id)
	return saveState(ctx, e.backend, state)
}

// ============================================================================
// Deletion
// ============================================================================

// Delete removes the object stored under id and recycles the slot.
//
// Returns false, without error, if nothing was stored under id.
func (e *Engine) Delete(ctx context.Context, id ID) (bool, error) {
	return e.DeleteWithStrategy(ctx, id, LockNormal)
}

// DeleteAssumingLockHeld is Delete for callers that already hold the
// storage lock and keep holding it afterwards.
func (e *Engine) DeleteAssumingLockHeld(ctx context.Context, id ID) (bool, error) {
	return e.DeleteWithStrategy(ctx, id, LockNil)
}

// DeleteWithStrategy removes the object stored under id, treating the
// storage lock as strategy dictates.
//
// With LockOnlyUnlock the lock is released on every return path, including
// errors and "nothing to delete".
//
// If the bytes were removed but the slot could not be recycled, deleted is
// true and err describes the recycling failure.
func (e *Engine) DeleteWithStrategy(ctx context.Context, id ID, strategy LockStrategy) (deleted bool, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation("delete", time.Since(start), err) }()

	holding := strategy == LockOnlyUnlock
	defer func() {
		if holding && strategy.releases() {
			if uerr := e.Unlock(ctx); uerr != nil && err == nil {
				err = uerr
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := e.validate(id); err != nil {
		return false, err
	}

	deleted, err = e.backend.Delete(ctx, id)
	if err != nil {
		return false, IOError("delete", id, err)
	}
	if !deleted {
		return false, nil
	}

	if strategy.acquires() {
		if err := e.Lock(ctx); err != nil {
			return true, err
		}
		holding = true
	}

	if err := e.recycleLocked(ctx, id); err != nil {
		return true, err
	}

	return true, nil
}

// ============================================================================
// Repair
// ============================================================================

// Repair rebuilds the state record by scanning the address space.
//
// The cursor is placed on the first gap found from the first identifier on;
// the unused list is cleared. Used when the state record is missing or
// presumed corrupt.
func (e *Engine) Repair(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation("repair", time.Since(start), err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := e.Unlock(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()

	state, err := e.rebuildState(ctx)
	if err != nil {
		return err
	}
	if err := saveState(ctx, e.backend, state); err != nil {
		return err
	}

	logger.Info("Repaired state of %s: next=%q exhausted=%v", e.name, state.Next, state.Exhausted)
	return nil
}

// rebuildState scans from the first identifier up to the first gap.
func (e *Engine) rebuildState(ctx context.Context) (*State, error) {
	state := &State{}

	id := e.layout.First()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		free, err := e.isFree(ctx, id)
		if err != nil {
			return nil, err
		}
		if free {
			state.Next = id
			return state, nil
		}

		next, ok, err := e.layout.Increment(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			state.Exhausted = true
			return state, nil
		}
		id = next
	}
}

// loadOrRebuild loads the state record, rebuilding it in memory when it is
// missing or undecodable. Must be called with the lock held.
func (e *Engine) loadOrRebuild(ctx context.Context) (*State, error) {
	state, err := loadState(ctx, e.backend)
	if err == nil {
		return state, nil
	}

	if IsNotFound(err) || errors.Is(err, errCorruptState) {
		logger.Warn("State record of %s unusable (%v), rebuilding by scan", e.name, err)
		return e.rebuildState(ctx)
	}

	return nil, err
}

// validate rejects identifiers outside the address space, including the
// reserved state identifier.
func (e *Engine) validate(id ID) error {
	if id == StateID {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidParameter, id)
	}
	_, err := e.layout.Parse(id)
	return err
}
