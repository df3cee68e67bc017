package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/shardstore/internal/logger"
)

const (
	// DefaultLockTimeout bounds how long AcquireLock waits for the marker.
	DefaultLockTimeout = 10 * time.Second

	// DefaultLockPollInterval is the fixed sleep between TryLock attempts.
	DefaultLockPollInterval = 20 * time.Millisecond
)

// AcquireLock creates the backend's lock marker, waiting up to timeout.
//
// On contention it sleeps a fixed interval and retries. There is no backoff
// and no lease: once the deadline passes, ErrLockFailure is returned and the
// caller must not retry automatically. A marker that never disappears was
// most likely left behind by a crashed holder and must be removed by hand.
func AcquireLock(ctx context.Context, backend Backend, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if interval <= 0 {
		interval = DefaultLockPollInterval
	}

	deadline := time.Now().Add(timeout)
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLockFailure, backend.Name(), err)
		}

		acquired, err := backend.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLockFailure, backend.Name(), err)
		}
		if acquired {
			if attempts > 0 {
				logger.Debug("Lock acquired on %s after %d attempts", backend.Name(), attempts+1)
			}
			return nil
		}

		attempts++
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s: could not acquire lock within %v; "+
				"if no other process is using this storage, remove the stale %q marker manually",
				ErrLockFailure, backend.Name(), timeout, LockMarker)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrLockFailure, backend.Name(), ctx.Err())
		case <-timer.C:
		}
	}
}

// LockStrategy selects how an engine operation treats the storage lock.
//
// Decorators that already hold the lock call into the engine with LockNil
// or LockOnlyUnlock so that the engine does not try to create the marker a
// second time and deadlock against itself.
type LockStrategy int

const (
	// LockNormal acquires and releases the lock around the operation.
	LockNormal LockStrategy = iota

	// LockNil does neither: the caller holds the lock and keeps it.
	LockNil

	// LockOnlyUnlock does not acquire but releases at the end: the caller
	// holds the lock and hands it over to the operation.
	LockOnlyUnlock
)

func (s LockStrategy) String() string {
	switch s {
	case LockNormal:
		return "normal"
	case LockNil:
		return "nil"
	case LockOnlyUnlock:
		return "only-unlock"
	default:
		return fmt.Sprintf("LockStrategy(%d)", int(s))
	}
}

func (s LockStrategy) acquires() bool { return s == LockNormal }

func (s LockStrategy) releases() bool { return s == LockNormal || s == LockOnlyUnlock }
