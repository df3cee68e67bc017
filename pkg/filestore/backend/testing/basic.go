package testing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// RunBasicTests executes the raw primitive tests.
func (suite *BackendTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Save_Load", suite.testSaveLoad)
	t.Run("Save_Overwrite", suite.testSaveOverwrite)
	t.Run("Save_Empty", suite.testSaveEmpty)
	t.Run("Load_NotFound", suite.testLoadNotFound)
	t.Run("Length", suite.testLength)
	t.Run("Length_NotFound", suite.testLengthNotFound)
	t.Run("Delete_Success", suite.testDeleteSuccess)
	t.Run("Delete_Idempotent", suite.testDeleteIdempotent)
	t.Run("StateRecord", suite.testStateRecord)
	t.Run("MimeType", suite.testMimeType)
}

func (suite *BackendTestSuite) testSaveLoad(t *testing.T) {
	backend := suite.newBackend(t)

	data := []byte("Hello, World!")
	mustSave(t, backend, "00/01/02", data)

	assert.Equal(t, data, mustLoad(t, backend, "00/01/02"))
	assertExists(t, backend, "00/01/02", true)
	assertExists(t, backend, "00/01/03", false)
}

func (suite *BackendTestSuite) testSaveOverwrite(t *testing.T) {
	backend := suite.newBackend(t)

	mustSave(t, backend, "0/0", []byte("old data"))
	mustSave(t, backend, "0/0", []byte("new data that is longer"))

	assert.Equal(t, []byte("new data that is longer"), mustLoad(t, backend, "0/0"))
}

func (suite *BackendTestSuite) testSaveEmpty(t *testing.T) {
	backend := suite.newBackend(t)

	mustSave(t, backend, "0/0", nil)

	assertExists(t, backend, "0/0", true)
	size, err := backend.Length(testContext(), "0/0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func (suite *BackendTestSuite) testLoadNotFound(t *testing.T) {
	backend := suite.newBackend(t)

	_, err := backend.Load(testContext(), "ff/ff/ff")
	assert.ErrorIs(t, err, filestore.ErrNotFound)
}

func (suite *BackendTestSuite) testLength(t *testing.T) {
	backend := suite.newBackend(t)

	data := bytes.Repeat([]byte("x"), 4096)
	mustSave(t, backend, "00/00/01", data)

	size, err := backend.Length(testContext(), "00/00/01")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func (suite *BackendTestSuite) testLengthNotFound(t *testing.T) {
	backend := suite.newBackend(t)

	_, err := backend.Length(testContext(), "00/00/01")
	assert.ErrorIs(t, err, filestore.ErrNotFound)
}

func (suite *BackendTestSuite) testDeleteSuccess(t *testing.T) {
	backend := suite.newBackend(t)

	mustSave(t, backend, "00/00/01", []byte("data"))

	deleted, err := backend.Delete(testContext(), "00/00/01")
	require.NoError(t, err)
	assert.True(t, deleted)
	assertExists(t, backend, "00/00/01", false)
}

func (suite *BackendTestSuite) testDeleteIdempotent(t *testing.T) {
	backend := suite.newBackend(t)

	deleted, err := backend.Delete(testContext(), "00/00/01")
	require.NoError(t, err, "Deleting an absent object should not fail")
	assert.False(t, deleted)
}

func (suite *BackendTestSuite) testStateRecord(t *testing.T) {
	backend := suite.newBackend(t)

	mustSave(t, backend, filestore.StateID, []byte{0, 0, 0, 1})
	assertExists(t, backend, filestore.StateID, true)
	assert.Equal(t, []byte{0, 0, 0, 1}, mustLoad(t, backend, filestore.StateID))
}

func (suite *BackendTestSuite) testMimeType(t *testing.T) {
	backend := suite.newBackend(t)

	mime, err := backend.MimeType(testContext(), "00/00/01")
	require.NoError(t, err)
	assert.Equal(t, filestore.DefaultMimeType, mime)
}

// AssertErrorIs checks if the error matches the expected error using errors.Is.
func AssertErrorIs(t *testing.T, expected error, actual error) {
	t.Helper()
	if !errors.Is(actual, expected) {
		t.Errorf("Expected error %v, got %v", expected, actual)
	}
}
