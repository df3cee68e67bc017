package reconcile

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/backend/memory"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/registry"
	"github.com/marmos91/shardstore/pkg/usage"
)

func newRegistry(t *testing.T) (*registry.Registry, *usage.Store) {
	t.Helper()

	store, err := usage.New(&usage.Config{
		Type:   usage.DatabaseTypeSQLite,
		SQLite: usage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "usage.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(registry.Config{
		NewBackend: func(_ context.Context, tenant string) (filestore.Backend, error) {
			return memory.New(tenant), nil
		},
		Engine: filestore.Config{Depth: 2, Entries: 16},
		Usage:  store,
		UsageSource: func(_ string, engine quota.Engine) quota.UsageSource {
			return quota.ScanSource(engine)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	return reg, store
}

func TestNewDefaults(t *testing.T) {
	reg, _ := newRegistry(t)

	r, err := New(reg, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, r.config.Interval)

	_, err = New(nil, Config{})
	assert.Error(t, err)
}

func TestRunNowFixesDrift(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	s, err := reg.Storage(ctx, "42")
	require.NoError(t, err)
	_, err = s.SaveNew(ctx, bytes.NewReader(make([]byte, 30)))
	require.NoError(t, err)
	_, err = s.SaveNew(ctx, bytes.NewReader(make([]byte, 12)))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "42", 999))

	r, err := New(reg, Config{})
	require.NoError(t, err)

	stats, err := r.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.ReconciledCount)
	assert.Equal(t, uint64(0), stats.FailedCount)
	assert.Equal(t, int64(42), stats.Usage["42"])

	used, err := store.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), used)

	// A second run with no writes in between changes nothing.
	stats, err = r.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.Usage["42"])
}

func TestRunNowCancelled(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Storage(context.Background(), "42")
	require.NoError(t, err)

	r, err := New(reg, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.RunNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	s, err := reg.Storage(ctx, "42")
	require.NoError(t, err)
	_, err = s.SaveNew(ctx, bytes.NewReader(make([]byte, 7)))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "42", 0))

	r, err := New(reg, Config{Enabled: true, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	r.Start()
	r.Start()

	assert.Eventually(t, func() bool {
		used, err := store.Get(ctx, "42")
		return err == nil && used == 7
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Stop(stopCtx))
}

func TestStopWithoutStart(t *testing.T) {
	reg, _ := newRegistry(t)

	r, err := New(reg, Config{Enabled: false})
	require.NoError(t, err)
	r.Start()
	assert.NoError(t, r.Stop(context.Background()))
}
