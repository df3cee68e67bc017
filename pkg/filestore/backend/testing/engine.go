package testing

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// RunEngineTests executes allocation engine tests on top of the backend.
func (suite *BackendTestSuite) RunEngineTests(t *testing.T) {
	t.Run("Open_InitializesState", suite.testOpenInitializesState)
	t.Run("SaveNew_RoundTrip", suite.testSaveNewRoundTrip)
	t.Run("SaveNew_FirstIdentifiers", suite.testSaveNewFirstIdentifiers)
	t.Run("Delete_RecyclesIdentifier", suite.testDeleteRecycles)
	t.Run("Delete_Idempotent", suite.testEngineDeleteIdempotent)
	t.Run("List_EnumerationOrder", suite.testListOrder)
	t.Run("Repair_MissingState", suite.testRepairMissingState)
	t.Run("SaveNew_StoreFull", suite.testStoreFull)
	t.Run("SaveNew_Concurrent", suite.testSaveNewConcurrent)
}

func (suite *BackendTestSuite) testOpenInitializesState(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 16)

	assertExists(t, backend, filestore.StateID, true)

	state, err := engine.State(testContext())
	require.NoError(t, err)
	assert.Equal(t, filestore.ID("0/0"), state.Next)
	assert.False(t, state.Exhausted)
	assert.Empty(t, state.Unused)
}

func (suite *BackendTestSuite) testSaveNewRoundTrip(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 3, 256)
	ctx := testContext()

	data := bytes.Repeat([]byte("payload-"), 512)
	id := mustSaveNew(t, engine, data)

	rc, err := engine.Get(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := engine.Size(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func (suite *BackendTestSuite) testSaveNewFirstIdentifiers(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 16)

	assert.Equal(t, filestore.ID("0/0"), mustSaveNew(t, engine, []byte("a")))
	assert.Equal(t, filestore.ID("0/1"), mustSaveNew(t, engine, []byte("b")))
	assert.Equal(t, filestore.ID("0/2"), mustSaveNew(t, engine, []byte("c")))
}

func (suite *BackendTestSuite) testDeleteRecycles(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 16)
	ctx := testContext()

	mustSaveNew(t, engine, []byte("a"))
	middle := mustSaveNew(t, engine, []byte("b"))
	mustSaveNew(t, engine, []byte("c"))

	deleted, err := engine.Delete(ctx, middle)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = engine.Get(ctx, middle)
	assert.ErrorIs(t, err, filestore.ErrNotFound)

	state, err := engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, []filestore.ID{middle}, state.Unused)

	assert.Equal(t, middle, mustSaveNew(t, engine, []byte("d")), "recycled identifier should be reused first")
}

func (suite *BackendTestSuite) testEngineDeleteIdempotent(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 16)
	ctx := testContext()

	id := mustSaveNew(t, engine, []byte("a"))

	deleted, err := engine.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = engine.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete should report nothing removed")
}

func (suite *BackendTestSuite) testListOrder(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 4)
	ctx := testContext()

	var want []filestore.ID
	for i := 0; i < 6; i++ {
		want = append(want, mustSaveNew(t, engine, []byte(fmt.Sprintf("object-%d", i))))
	}

	_, err := engine.Delete(ctx, want[2])
	require.NoError(t, err)
	want = append(want[:2], want[3:]...)

	ids, err := engine.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, ids)
	assert.Equal(t, []filestore.ID{"0/0", "0/1", "0/3", "1/0", "1/1"}, ids)
}

func (suite *BackendTestSuite) testRepairMissingState(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 2, 16)
	ctx := testContext()

	mustSaveNew(t, engine, []byte("a"))
	mustSaveNew(t, engine, []byte("b"))

	_, err := backend.Delete(ctx, filestore.StateID)
	require.NoError(t, err)

	reopened := mustOpenEngine(t, backend, 2, 16)
	state, err := reopened.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, filestore.ID("0/2"), state.Next, "repair should place the cursor on the first gap")

	assert.Equal(t, filestore.ID("0/2"), mustSaveNew(t, reopened, []byte("c")))
}

func (suite *BackendTestSuite) testStoreFull(t *testing.T) {
	backend := suite.newBackend(t)
	engine := mustOpenEngine(t, backend, 1, 2)
	ctx := testContext()

	first := mustSaveNew(t, engine, []byte("a"))
	mustSaveNew(t, engine, []byte("b"))

	_, err := engine.SaveNew(ctx, bytes.NewReader([]byte("c")))
	assert.ErrorIs(t, err, filestore.ErrStoreFull)

	_, err = engine.Delete(ctx, first)
	require.NoError(t, err)

	assert.Equal(t, first, mustSaveNew(t, engine, []byte("d")), "freed slot should be reusable after exhaustion")
}

func (suite *BackendTestSuite) testSaveNewConcurrent(t *testing.T) {
	backend := suite.newBackend(t)
	engine, err := filestore.Open(testContext(), backend, filestore.Config{Depth: 2, Entries: 16})
	require.NoError(t, err)

	const workers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[filestore.ID]int)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := engine.SaveNew(testContext(), bytes.NewReader([]byte(fmt.Sprintf("worker-%d", i))))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, workers, "every save should get a distinct identifier")
	for id, n := range ids {
		assert.Equal(t, 1, n, "identifier %s allocated more than once", id)
	}
}
