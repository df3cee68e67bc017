package metrics

import "time"

// HTTPMetrics provides observability for the HTTP API.
//
// This interface is optional: if not provided to the API router, a no-op
// implementation is used.
type HTTPMetrics interface {
	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - route: Route pattern (e.g., "/tenants/{tenant}/files")
	//   - method: HTTP method
	//   - status: Response status code
	//   - duration: Time taken to serve the request
	RecordRequest(route, method string, status int, duration time.Duration)

	// RecordBytesTransferred records payload bytes read or written.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)
}

// NewNoopHTTPMetrics returns an HTTPMetrics that records nothing.
func NewNoopHTTPMetrics() HTTPMetrics {
	return noopHTTPMetrics{}
}

type noopHTTPMetrics struct{}

func (noopHTTPMetrics) RecordRequest(route, method string, status int, duration time.Duration) {}
func (noopHTTPMetrics) RecordBytesTransferred(direction string, bytes int64)                   {}
