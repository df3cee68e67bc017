package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
)

// Response represents a standard API response wrapper.
//
// All JSON responses follow this structure:
//   - Status indicates the overall result ("ok", "error", "healthy")
//   - Timestamp provides response time for debugging
//   - Data contains the response payload (optional)
//   - Error contains error details when Status is "error" (optional)
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SaveResult is returned by a successful upload.
type SaveResult struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// UsageResult reports a tenant's usage and quota.
type UsageResult struct {
	Tenant     string `json:"tenant"`
	UsedBytes  int64  `json:"used_bytes"`
	QuotaBytes int64  `json:"quota_bytes"` // -1 = unlimited
}

// QuotaResult details a quota rejection.
type QuotaResult struct {
	Requested int64 `json:"requested"`
	Quota     int64 `json:"quota"`
	Usage     int64 `json:"usage"`
}

// StateResult is the allocation state of a storage.
type StateResult struct {
	Next      string   `json:"next,omitempty"`
	Exhausted bool     `json:"exhausted"`
	Unused    []string `json:"unused"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode API response: %v", err)
	}
}

// OKResponse creates a generic successful response.
func OKResponse(data any) Response {
	return Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ErrorResponse creates a generic error response.
func ErrorResponse(errMsg string) Response {
	return Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}

// StatusFor maps a storage error to an HTTP status code.
//
//	ErrNotFound                      404
//	ErrInvalidParameter              400
//	ErrQuotaExceeded, ErrStoreFull   507
//	ErrLockFailure, ErrUnlockFailure 503
//	anything else                    500
func StatusFor(err error) int {
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, filestore.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, filestore.ErrQuotaExceeded), errors.Is(err, filestore.ErrStoreFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, filestore.ErrLockFailure), errors.Is(err, filestore.ErrUnlockFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the JSON error response for err. Quota rejections carry
// the requested size, quota and usage in Data.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse(err.Error())

	var qe *filestore.QuotaExceededError
	if errors.As(err, &qe) {
		resp.Data = QuotaResult{Requested: qe.Requested, Quota: qe.Quota, Usage: qe.Usage}
	}

	if status == http.StatusInternalServerError {
		logger.Error("API request failed: %v", err)
	}

	JSON(w, status, resp)
}
