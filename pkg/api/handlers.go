package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/shardstore/internal/bufpool"
	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/marmos91/shardstore/pkg/registry"
)

// FileHandler serves the per-tenant object endpoints.
type FileHandler struct {
	registry *registry.Registry
	metrics  metrics.HTTPMetrics
}

// NewFileHandler creates a handler over reg. A nil m disables metrics.
func NewFileHandler(reg *registry.Registry, m metrics.HTTPMetrics) *FileHandler {
	if m == nil {
		m = metrics.NewNoopHTTPMetrics()
	}
	return &FileHandler{registry: reg, metrics: m}
}

// storage resolves the {tenant} URL parameter. On failure the error
// response is already written.
func (h *FileHandler) storage(w http.ResponseWriter, r *http.Request) (*quota.Storage, bool) {
	s, err := h.registry.Storage(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

// Put handles PUT /tenants/{tenant}/files.
//
// The request body is stored under a fresh identifier. A known
// Content-Length lets oversized uploads be refused before any byte is
// written.
func (h *FileHandler) Put(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}

	body := &countingReader{r: r.Body}
	id, err := s.SaveNewWithHint(r.Context(), body, r.ContentLength)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordBytesTransferred("write", body.n)

	w.Header().Set("Location", r.URL.Path+"/"+string(id))
	JSON(w, http.StatusCreated, OKResponse(SaveResult{ID: string(id), Size: body.n}))
}

// Get handles GET /tenants/{tenant}/files/*.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}
	id := filestore.ID(chi.URLParam(r, "*"))

	size, err := s.Size(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	mime, err := s.MimeType(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	buf := bufpool.ForCopy(size)
	defer bufpool.Put(buf)

	n, err := io.CopyBuffer(w, rc, buf)
	h.metrics.RecordBytesTransferred("read", n)
	if err != nil {
		logger.Warn("Download of %s interrupted after %d bytes: %v", id, n, err)
	}
}

// Delete handles DELETE /tenants/{tenant}/files/*.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}
	id := filestore.ID(chi.URLParam(r, "*"))

	deleted, err := s.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		JSON(w, http.StatusNotFound, ErrorResponse("object not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /tenants/{tenant}/files.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}

	ids, err := s.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	JSON(w, http.StatusOK, OKResponse(out))
}

// Usage handles GET /tenants/{tenant}/usage.
func (h *FileHandler) Usage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}

	used, err := s.Usage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.Quota(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	JSON(w, http.StatusOK, OKResponse(UsageResult{
		Tenant:     s.Tenant(),
		UsedBytes:  used,
		QuotaBytes: q,
	}))
}

// Repair handles POST /tenants/{tenant}/repair.
//
// The allocation state is rebuilt from the stored objects. With
// ?recalculate=true the usage counter is recalculated as well.
func (h *FileHandler) Repair(w http.ResponseWriter, r *http.Request) {
	s, ok := h.storage(w, r)
	if !ok {
		return
	}

	if err := s.Repair(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("recalculate") == "true" {
		if _, err := s.RecalculateUsage(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}

	state, err := s.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, OKResponse(NewStateResult(state)))
}

// NewStateResult converts an allocation state for output.
func NewStateResult(state *filestore.State) StateResult {
	unused := make([]string, len(state.Unused))
	for i, id := range state.Unused {
		unused[i] = string(id)
	}
	return StateResult{
		Next:      string(state.Next),
		Exhausted: state.Exhausted,
		Unused:    unused,
	}
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
