package quota

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/backend/memory"
	"github.com/marmos91/shardstore/pkg/usage"
)

const testTenant = "42"

type fixture struct {
	backend *memory.Backend
	engine  *filestore.Engine
	usage   *usage.Store
	storage *Storage
}

func newFixture(t *testing.T, quota int64, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	backend := memory.New("tenant-" + testTenant)
	engine, err := filestore.Open(ctx, backend, filestore.Config{Depth: 2, Entries: 16})
	require.NoError(t, err)

	store, err := usage.New(&usage.Config{
		Type:   usage.DatabaseTypeSQLite,
		SQLite: usage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "usage.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storage, err := New(testTenant, engine, store, StaticLimits{Default: quota}, opts...)
	require.NoError(t, err)

	return &fixture{backend: backend, engine: engine, usage: store, storage: storage}
}

func payload(n int) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte("x"), n))
}

func (f *fixture) usedBytes(t *testing.T) int64 {
	t.Helper()
	used, err := f.storage.Usage(context.Background())
	require.NoError(t, err)
	return used
}

func TestNewValidation(t *testing.T) {
	engine, err := filestore.Open(context.Background(), memory.New(""), filestore.Config{})
	require.NoError(t, err)

	_, err = New("", engine, nil, StaticLimits{})
	assert.ErrorIs(t, err, filestore.ErrInvalidParameter)

	_, err = New(testTenant, engine, nil, StaticLimits{})
	assert.ErrorIs(t, err, filestore.ErrInvalidParameter)
}

func TestStaticLimits(t *testing.T) {
	ctx := context.Background()
	limits := StaticLimits{Default: -1, Tenants: map[string]int64{"42": 1024, "7": -5}}

	q, err := limits.QuotaBytes(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), q)

	q, err = limits.QuotaBytes(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, Unlimited, q)

	q, err = limits.QuotaBytes(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, Unlimited, q)
}

func TestFits(t *testing.T) {
	assert.True(t, fits(Unlimited, 1<<40, 1<<40))
	assert.True(t, fits(100, 90, 10))
	assert.False(t, fits(100, 90, 11))
	assert.True(t, fits(0, 0, 0))
	assert.False(t, fits(0, 0, 1))
}

// TestQuotaBoundary walks the quota 100 / usage 90 example: 11 bytes are
// rejected, 10 bytes fill the quota exactly, then 1 more byte is rejected.
func TestQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	_, err := f.storage.SaveNew(ctx, payload(90))
	require.NoError(t, err)
	assert.Equal(t, int64(90), f.usedBytes(t))

	_, err = f.storage.SaveNew(ctx, payload(11))
	require.ErrorIs(t, err, filestore.ErrQuotaExceeded)

	var qe *filestore.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(11), qe.Requested)
	assert.Equal(t, int64(100), qe.Quota)
	assert.Equal(t, int64(90), qe.Usage)
	assert.Equal(t, int64(90), f.usedBytes(t), "a rejected save must not change usage")

	_, err = f.storage.SaveNew(ctx, payload(10))
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.usedBytes(t))

	_, err = f.storage.SaveNew(ctx, payload(1))
	assert.ErrorIs(t, err, filestore.ErrQuotaExceeded)
}

func TestRejectedSaveLeavesNoBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.storage.SaveNew(ctx, payload(11))
	require.ErrorIs(t, err, filestore.ErrQuotaExceeded)

	ids, err := f.storage.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, []filestore.ID{filestore.StateID}, f.backend.IDs())

	acquired, err := f.backend.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "the lock must be released after a rejection")
	require.NoError(t, f.backend.Unlock(ctx))

	// The rolled back slot is reused.
	id, err := f.storage.SaveNew(ctx, payload(5))
	require.NoError(t, err)
	assert.Equal(t, filestore.ID("0/0"), id)
}

// cancelAtEOF cancels its context when the payload has been fully read,
// as a client that disconnects right after sending the body does.
type cancelAtEOF struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelAtEOF) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.cancel()
	}
	return n, err
}

// failingUsage fails GetForWrite and delegates everything else.
type failingUsage struct {
	*usage.Store
	err error
}

func (f failingUsage) GetForWrite(context.Context, string) (int64, error) {
	return 0, f.err
}

// failingUnlock reports an unlock failure after releasing the lock.
type failingUnlock struct {
	*filestore.Engine
}

func (f failingUnlock) Unlock(ctx context.Context) error {
	_ = f.Engine.Unlock(ctx)
	return filestore.ErrUnlockFailure
}

func (f *fixture) assertRolledBack(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	assert.Equal(t, []filestore.ID{filestore.StateID}, f.backend.IDs(), "no payload may remain")

	acquired, err := f.backend.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "the lock must be released after a rollback")
	require.NoError(t, f.backend.Unlock(ctx))
}

func TestCancelledSaveLeavesNoBytes(t *testing.T) {
	for _, quota := range []int64{100, Unlimited} {
		f := newFixture(t, quota)

		ctx, cancel := context.WithCancel(context.Background())
		_, err := f.storage.SaveNew(ctx, &cancelAtEOF{r: payload(500), cancel: cancel})
		cancel()
		require.Error(t, err, "quota=%d", quota)

		f.assertRolledBack(t)
		assert.Equal(t, int64(0), f.usedBytes(t))

		id, err := f.storage.SaveNew(context.Background(), payload(5))
		require.NoError(t, err)
		assert.Equal(t, filestore.ID("0/0"), id, "the rolled back slot is reused")
	}
}

func TestUsageFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	boom := errors.New("database is locked")
	storage, err := New(testTenant, f.engine, failingUsage{Store: f.usage, err: boom}, StaticLimits{Default: 100})
	require.NoError(t, err)

	_, err = storage.SaveNew(ctx, payload(10))
	require.ErrorIs(t, err, boom)

	var se *filestore.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "save", se.Op)

	f.assertRolledBack(t)
	assert.Equal(t, int64(0), f.usedBytes(t))
}

func TestUnlockFailureReturnsID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	storage, err := New(testTenant, failingUnlock{Engine: f.engine}, f.usage, StaticLimits{Default: 100})
	require.NoError(t, err)

	id, err := storage.SaveNew(ctx, payload(10))
	require.ErrorIs(t, err, filestore.ErrUnlockFailure)
	assert.Equal(t, filestore.ID("0/0"), id, "the stored and charged object must be reported")

	size, err := f.engine.Size(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
	assert.Equal(t, int64(10), f.usedBytes(t))
}

func TestUnlimitedQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Unlimited)

	for i := 0; i < 3; i++ {
		_, err := f.storage.SaveNew(ctx, payload(1000))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3000), f.usedBytes(t))
}

func TestSaveNewWithHint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	_, err := f.storage.SaveNewWithHint(ctx, payload(200), 200)
	require.ErrorIs(t, err, filestore.ErrQuotaExceeded)
	assert.Equal(t, []filestore.ID{filestore.StateID}, f.backend.IDs(), "nothing should be written")

	state, err := f.engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, filestore.ID("0/0"), state.Next, "no slot should be consumed")

	t.Run("UnderstatedHint", func(t *testing.T) {
		_, err := f.storage.SaveNewWithHint(ctx, payload(200), 10)
		assert.ErrorIs(t, err, filestore.ErrQuotaExceeded, "the authoritative check still applies")
	})

	t.Run("UnknownSize", func(t *testing.T) {
		id, err := f.storage.SaveNewWithHint(ctx, payload(50), -1)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})
}

func TestDeleteCreditsUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	id, err := f.storage.SaveNew(ctx, payload(60))
	require.NoError(t, err)

	deleted, err := f.storage.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(0), f.usedBytes(t))

	deleted, err = f.storage.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteClampsUsageAtZero(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	f := newFixture(t, 100, WithMetrics(metrics))

	id, err := f.storage.SaveNew(ctx, payload(40))
	require.NoError(t, err)

	// Usage drifted below what is actually stored.
	require.NoError(t, f.usage.Set(ctx, testTenant, 10))

	deleted, err := f.storage.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(0), f.usedBytes(t), "usage is floored at zero")
	assert.Equal(t, 1, metrics.inconsistencies)
}

func TestRecalculateUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("NoSource", func(t *testing.T) {
		f := newFixture(t, 100)
		_, err := f.storage.RecalculateUsage(ctx)
		assert.ErrorIs(t, err, filestore.ErrInvalidParameter)
	})

	t.Run("ExternalSource", func(t *testing.T) {
		source := UsageSourceFunc(func(_ context.Context, tenant string) (int64, error) {
			assert.Equal(t, testTenant, tenant)
			return 77, nil
		})
		f := newFixture(t, 100, WithUsageSource(source))

		total, err := f.storage.RecalculateUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(77), total)
		assert.Equal(t, int64(77), f.usedBytes(t))
	})

	t.Run("ScanSourceIsIdempotent", func(t *testing.T) {
		f := newFixture(t, 1000)
		f.storage.source = ScanSource(f.engine)

		for _, n := range []int{10, 20, 30} {
			_, err := f.storage.SaveNew(ctx, payload(n))
			require.NoError(t, err)
		}
		require.NoError(t, f.usage.Set(ctx, testTenant, 999))

		first, err := f.storage.RecalculateUsage(ctx)
		require.NoError(t, err)
		second, err := f.storage.RecalculateUsage(ctx)
		require.NoError(t, err)

		assert.Equal(t, int64(60), first)
		assert.Equal(t, first, second)
		assert.Equal(t, int64(60), f.usedBytes(t))
	})

	t.Run("SourceRunsUnderLock", func(t *testing.T) {
		var f *fixture
		f = newFixture(t, 100, WithUsageSource(UsageSourceFunc(func(ctx context.Context, _ string) (int64, error) {
			acquired, err := f.backend.TryLock(ctx)
			require.NoError(t, err)
			assert.False(t, acquired, "the storage lock must be held while the total is computed")
			return 3, nil
		})))

		total, err := f.storage.RecalculateUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})

	t.Run("SourceError", func(t *testing.T) {
		boom := errors.New("bookkeeping unavailable")
		f := newFixture(t, 100, WithUsageSource(UsageSourceFunc(func(context.Context, string) (int64, error) {
			return 0, boom
		})))

		_, err := f.storage.RecalculateUsage(ctx)
		assert.ErrorIs(t, err, boom)
	})
}

func TestErrorsCarryContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	_, err := f.storage.Get(ctx, "0/5")
	require.ErrorIs(t, err, filestore.ErrNotFound)

	var se *filestore.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "get", se.Op)
	assert.Equal(t, testTenant, se.Tenant)
	assert.Equal(t, filestore.ID("0/5"), se.ID)
	assert.True(t, strings.Contains(err.Error(), "tenant=42"))
}

func TestReadsDelegate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	id, err := f.storage.SaveNew(ctx, strings.NewReader("hello"))
	require.NoError(t, err)

	size, err := f.storage.Size(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	mime, err := f.storage.MimeType(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, filestore.DefaultMimeType, mime)

	quota, err := f.storage.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), quota)

	used, err := f.storage.UsageForWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
}

func TestConcurrentSavesNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.storage.SaveNew(ctx, payload(10))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, filestore.ErrQuotaExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, int64(50), f.usedBytes(t))

	ids, err := f.storage.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 5, "rejected saves must leave no objects behind")
}

type recordingMetrics struct {
	mu              sync.Mutex
	rejections      int
	inconsistencies int
	usage           map[string]int64
}

func (m *recordingMetrics) RecordRejection(string, int64) {
	m.mu.Lock()
	m.rejections++
	m.mu.Unlock()
}

func (m *recordingMetrics) SetUsage(tenant string, bytes int64) {
	m.mu.Lock()
	if m.usage == nil {
		m.usage = make(map[string]int64)
	}
	m.usage[tenant] = bytes
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordInconsistency(string) {
	m.mu.Lock()
	m.inconsistencies++
	m.mu.Unlock()
}
