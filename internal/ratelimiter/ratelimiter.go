// Package ratelimiter throttles API requests with a token bucket.
package ratelimiter

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// unlimited stands in for "no limit". rate.Inf disables burst accounting,
// which makes Tokens meaningless, so a very large finite rate is used.
const unlimited = 1_000_000_000

// RateLimiter limits the rate of requests accepted by the API.
//
// Tokens are added at RequestsPerSecond and each request consumes one.
// Burst is the bucket capacity. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained and burst at once.
// A zero rate disables limiting. A zero burst defaults to twice the rate.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = requestsPerSecond * 2
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// retryAfter is how long until the next token, rounded up to whole seconds.
func (r *RateLimiter) retryAfter() int {
	res := r.limiter.Reserve()
	delay := res.Delay()
	res.Cancel()

	secs := int((delay + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Middleware rejects requests beyond the limit with 429 Too Many Requests
// and a Retry-After header. A nil limiter lets everything through.
func Middleware(r *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(r.retryAfter()))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
