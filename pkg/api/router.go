package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/internal/ratelimiter"
	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/marmos91/shardstore/pkg/registry"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Request logging and metrics
//   - Panic recovery to prevent server crashes
//   - Rate limiting of tenant routes (when limiter is non-nil)
//
// Routes:
//   - GET    /health                     Liveness probe
//   - PUT    /tenants/{tenant}/files     Store the body under a fresh id
//   - GET    /tenants/{tenant}/files     List stored ids
//   - GET    /tenants/{tenant}/files/*   Download an object
//   - DELETE /tenants/{tenant}/files/*   Delete an object
//   - GET    /tenants/{tenant}/usage     Usage and quota
//   - POST   /tenants/{tenant}/repair    Rebuild allocation state
func NewRouter(reg *registry.Registry, m metrics.HTTPMetrics, limiter *ratelimiter.RateLimiter) http.Handler {
	if m == nil {
		m = metrics.NewNoopHTTPMetrics()
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(m))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, Response{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"service": "shardstore", "tenants": len(reg.Tenants())},
		})
	})

	files := NewFileHandler(reg, m)

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Use(ratelimiter.Middleware(limiter))

		r.Put("/files", files.Put)
		r.Get("/files", files.List)
		r.Get("/files/*", files.Get)
		r.Delete("/files/*", files.Delete)
		r.Get("/usage", files.Usage)
		r.Post("/repair", files.Repair)
	})

	return r
}

// requestLogger logs requests using the internal logger and records them
// in m, labelled with the matched route pattern.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (DEBUG level, WARN for 5xx): method, path, status, duration
func requestLogger(m metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			logger.Debug("API request started: id=%s %s %s from %s",
				requestID, r.Method, r.URL.Path, r.RemoteAddr)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RecordRequest(route, r.Method, status, duration)

			if status >= http.StatusInternalServerError {
				logger.Warn("API request failed: id=%s %s %s status=%d duration=%s",
					requestID, r.Method, r.URL.Path, status, duration)
				return
			}
			logger.Debug("API request completed: id=%s %s %s status=%d bytes=%d duration=%s",
				requestID, r.Method, r.URL.Path, status, ww.BytesWritten(), duration)
		})
	}
}
