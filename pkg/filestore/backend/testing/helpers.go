package testing

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// mustSave saves data and fails the test if it errors.
func mustSave(t *testing.T, backend filestore.Backend, id filestore.ID, data []byte) {
	t.Helper()
	err := backend.Save(testContext(), id, bytes.NewReader(data))
	require.NoError(t, err, "Save should succeed")
}

// mustLoad reads an object and fails the test if it errors.
func mustLoad(t *testing.T, backend filestore.Backend, id filestore.ID) []byte {
	t.Helper()
	rc, err := backend.Load(testContext(), id)
	require.NoError(t, err, "Load should succeed")
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err, "Reading object should succeed")
	return data
}

// assertExists checks whether an object exists.
func assertExists(t *testing.T, backend filestore.Backend, id filestore.ID, expected bool) {
	t.Helper()
	exists, err := backend.Exists(testContext(), id)
	require.NoError(t, err, "Exists should succeed")
	assert.Equal(t, expected, exists, "Exists(%s)", id)
}

// mustOpenEngine opens an engine over backend with a small address space
// and a short lock timeout.
func mustOpenEngine(t *testing.T, backend filestore.Backend, depth, entries int) *filestore.Engine {
	t.Helper()
	engine, err := filestore.Open(testContext(), backend, filestore.Config{
		Depth:            depth,
		Entries:          entries,
		LockTimeout:      200 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err, "Open should succeed")
	return engine
}

// mustSaveNew stores data through the engine and returns the new id.
func mustSaveNew(t *testing.T, engine *filestore.Engine, data []byte) filestore.ID {
	t.Helper()
	id, err := engine.SaveNew(testContext(), bytes.NewReader(data))
	require.NoError(t, err, "SaveNew should succeed")
	return id
}
