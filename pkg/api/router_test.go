package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/internal/ratelimiter"
	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/backend/memory"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/registry"
	"github.com/marmos91/shardstore/pkg/usage"
)

type recordedRequest struct {
	route  string
	method string
	status int
}

type fakeHTTPMetrics struct {
	requests []recordedRequest
	bytes    map[string]int64
}

func (f *fakeHTTPMetrics) RecordRequest(route, method string, status int, _ time.Duration) {
	f.requests = append(f.requests, recordedRequest{route: route, method: method, status: status})
}

func (f *fakeHTTPMetrics) RecordBytesTransferred(direction string, n int64) {
	if f.bytes == nil {
		f.bytes = make(map[string]int64)
	}
	f.bytes[direction] += n
}

func newTestRegistry(t *testing.T, defaultQuota int64) *registry.Registry {
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
		Limits: quota.StaticLimits{Default: defaultQuota},
		UsageSource: func(_ string, engine quota.Engine) quota.UsageSource {
			return quota.ScanSource(engine)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	h := NewRouter(newTestRegistry(t, quota.Unlimited), nil, nil)

	w := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Equal(t, "shardstore", data["service"])
}

func TestPutGetDelete(t *testing.T) {
	m := &fakeHTTPMetrics{}
	h := NewRouter(newTestRegistry(t, quota.Unlimited), m, nil)

	w := do(t, h, http.MethodPut, "/tenants/42/files", []byte("hello"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/tenants/42/files/0/0", w.Header().Get("Location"))

	resp := decode(t, w)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "0/0", data["id"])
	assert.EqualValues(t, 5, data["size"])

	w = do(t, h, http.MethodGet, "/tenants/42/files/0/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, filestore.DefaultMimeType, w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))

	w = do(t, h, http.MethodDelete, "/tenants/42/files/0/0", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodDelete, "/tenants/42/files/0/0", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/tenants/42/files/0/0", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, int64(5), m.bytes["write"])
	assert.Equal(t, int64(5), m.bytes["read"])
	require.NotEmpty(t, m.requests)
	assert.Equal(t, recordedRequest{"/tenants/{tenant}/files", http.MethodPut, http.StatusCreated}, m.requests[0])
}

func TestListAndUsage(t *testing.T) {
	h := NewRouter(newTestRegistry(t, 100), nil, nil)

	for _, body := range []string{"aaa", "bbbb"} {
		w := do(t, h, http.MethodPut, "/tenants/acme/files", []byte(body))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, h, http.MethodGet, "/tenants/acme/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.ElementsMatch(t, []any{"0/0", "0/1"}, resp.Data)

	w = do(t, h, http.MethodGet, "/tenants/acme/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]any)
	assert.Equal(t, "acme", data["tenant"])
	assert.EqualValues(t, 7, data["used_bytes"])
	assert.EqualValues(t, 100, data["quota_bytes"])
}

func TestQuotaRejection(t *testing.T) {
	h := NewRouter(newTestRegistry(t, 10), nil, nil)

	w := do(t, h, http.MethodPut, "/tenants/42/files", []byte("12345678"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPut, "/tenants/42/files", []byte("12345"))
	require.Equal(t, http.StatusInsufficientStorage, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "quota exceeded")
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 5, data["requested"])
	assert.EqualValues(t, 10, data["quota"])
	assert.EqualValues(t, 8, data["usage"])

	w = do(t, h, http.MethodGet, "/tenants/42/files", nil)
	assert.Equal(t, []any{"0/0"}, decode(t, w).Data)
}

func TestInvalidTenant(t *testing.T) {
	h := NewRouter(newTestRegistry(t, quota.Unlimited), nil, nil)

	w := do(t, h, http.MethodGet, "/tenants/-bad/usage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidID(t *testing.T) {
	h := NewRouter(newTestRegistry(t, quota.Unlimited), nil, nil)

	w := do(t, h, http.MethodGet, "/tenants/42/files/zz/top", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepair(t *testing.T) {
	h := NewRouter(newTestRegistry(t, quota.Unlimited), nil, nil)

	for i := 0; i < 3; i++ {
		w := do(t, h, http.MethodPut, "/tenants/42/files", []byte("x"))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, h, http.MethodPost, "/tenants/42/repair?recalculate=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w).Data.(map[string]any)
	assert.Equal(t, "0/3", data["next"])
	assert.Equal(t, false, data["exhausted"])

	w = do(t, h, http.MethodGet, "/tenants/42/usage", nil)
	assert.EqualValues(t, 3, decode(t, w).Data.(map[string]any)["used_bytes"])
}

func TestRateLimit(t *testing.T) {
	h := NewRouter(newTestRegistry(t, quota.Unlimited), nil, ratelimiter.New(1, 1))

	w := do(t, h, http.MethodGet, "/tenants/42/files", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/tenants/42/files", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{filestore.ErrNotFound, http.StatusNotFound},
		{filestore.ErrInvalidParameter, http.StatusBadRequest},
		{&filestore.QuotaExceededError{Requested: 1}, http.StatusInsufficientStorage},
		{filestore.ErrStoreFull, http.StatusInsufficientStorage},
		{filestore.ErrLockFailure, http.StatusServiceUnavailable},
		{filestore.ErrUnlockFailure, http.StatusServiceUnavailable},
		{&filestore.StorageError{Op: "save", Err: filestore.ErrSQL}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(APIConfig{Port: 0}, newTestRegistry(t, quota.Unlimited), nil)
	assert.Equal(t, 8080, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := srv.Start(ctx)
	if err != nil {
		// Port 8080 may be taken on the test host.
		assert.True(t, strings.Contains(err.Error(), "API server"), err.Error())
	}
	assert.NoError(t, srv.Stop(context.Background()))
}
