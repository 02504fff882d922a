package middleware

import (
	"net/http"
	"strconv"

	"github.com/iconidentify/genqueue/internal/ratelimit"
)

// DefaultTenant is assumed when a request carries no tenant header.
const DefaultTenant = "default"

// TenantID extracts the caller's tenant from the request.
func TenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return DefaultTenant
}

// RateLimitHeaders attaches the caller's current dispatch headroom as
// X-RateLimit-* headers on every response. The snapshot does not consume
// budget.
func RateLimitHeaders(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := limiter.Snapshot(TenantID(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(h.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(h.Reset.Unix(), 10))
			w.Header().Set("X-RateLimit-Window", strconv.FormatInt(int64(h.Window.Seconds()), 10))
			next.ServeHTTP(w, r)
		})
	}
}
