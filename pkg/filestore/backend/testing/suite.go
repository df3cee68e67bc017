package testing

import (
	"context"
	"testing"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// BackendTestSuite is a conformance test suite for filestore.Backend
// implementations. It tests the interface contract, not implementation
// details, making it reusable across the memory, filesystem, badger and S3
// backends.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &backendtesting.BackendTestSuite{
//	        NewBackend: func(t *testing.T) filestore.Backend {
//	            return mybackend.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type BackendTestSuite struct {
	// NewBackend is a factory function that creates a fresh, empty Backend
	// for each test. This ensures test isolation. The suite closes it.
	NewBackend func(t *testing.T) filestore.Backend
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("LockOperations", suite.RunLockTests)
	t.Run("EngineOperations", suite.RunEngineTests)
}

// newBackend creates a backend and registers its cleanup.
func (suite *BackendTestSuite) newBackend(t *testing.T) filestore.Backend {
	t.Helper()
	backend := suite.NewBackend(t)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}
