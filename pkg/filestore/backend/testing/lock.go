package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// RunLockTests executes the lock marker tests.
func (suite *BackendTestSuite) RunLockTests(t *testing.T) {
	t.Run("TryLock_Exclusive", suite.testTryLockExclusive)
	t.Run("Unlock_Missing", suite.testUnlockMissing)
	t.Run("TryLock_Concurrent", suite.testTryLockConcurrent)
	t.Run("AcquireLock_Timeout", suite.testAcquireLockTimeout)
	t.Run("AcquireLock_WaitsForRelease", suite.testAcquireLockWaits)
}

func (suite *BackendTestSuite) testTryLockExclusive(t *testing.T) {
	backend := suite.newBackend(t)
	ctx := testContext()

	acquired, err := backend.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "first TryLock should acquire")

	acquired, err = backend.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "second TryLock should see the marker")

	require.NoError(t, backend.Unlock(ctx))

	acquired, err = backend.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "TryLock after Unlock should acquire")
	require.NoError(t, backend.Unlock(ctx))
}

func (suite *BackendTestSuite) testUnlockMissing(t *testing.T) {
	backend := suite.newBackend(t)

	assert.NoError(t, backend.Unlock(testContext()), "Unlock without a marker should not fail")
}

func (suite *BackendTestSuite) testTryLockConcurrent(t *testing.T) {
	backend := suite.newBackend(t)
	ctx := testContext()

	const workers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			acquired, err := backend.TryLock(ctx)
			assert.NoError(t, err)
			if acquired {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one TryLock should win")
	require.NoError(t, backend.Unlock(ctx))
}

func (suite *BackendTestSuite) testAcquireLockTimeout(t *testing.T) {
	backend := suite.newBackend(t)
	ctx := testContext()

	acquired, err := backend.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	start := time.Now()
	err = filestore.AcquireLock(ctx, backend, 100*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, filestore.ErrLockFailure)
	assert.Contains(t, err.Error(), filestore.LockMarker, "error should point at the stale marker")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, backend.Unlock(ctx))
}

func (suite *BackendTestSuite) testAcquireLockWaits(t *testing.T) {
	backend := suite.newBackend(t)
	ctx, cancel := context.WithTimeout(testContext(), 5*time.Second)
	defer cancel()

	acquired, err := backend.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = backend.Unlock(ctx)
	}()

	err = filestore.AcquireLock(ctx, backend, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err, "AcquireLock should succeed once the holder releases")
	require.NoError(t, backend.Unlock(ctx))
}
