package badger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
	backendtesting "github.com/marmos91/shardstore/pkg/filestore/backend/testing"
)

// TestBadgerBackend runs the complete backend test suite against the
// BadgerDB implementation.
func TestBadgerBackend(t *testing.T) {
	suite := &backendtesting.BackendTestSuite{
		NewBackend: func(t *testing.T) filestore.Backend {
			backend, err := New(context.Background(), Config{Path: t.TempDir()})
			if err != nil {
				t.Fatalf("Failed to create badger backend: %v", err)
			}
			return backend
		},
	}

	suite.Run(t)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	backend, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, backend.Save(ctx, "00/00/01", strings.NewReader("persisted")))
	require.NoError(t, backend.Close())

	reopened, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	size, err := reopened.Length(ctx, "00/00/01")
	require.NoError(t, err)
	assert.Equal(t, int64(len("persisted")), size)
}

func TestBadgerInMemory(t *testing.T) {
	backend, err := New(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	assert.Equal(t, "badger://memory", backend.Name())
}
