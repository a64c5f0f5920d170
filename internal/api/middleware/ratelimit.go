// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"

	"github.com/soraflow/dispatcher/internal/ratelimit"
)

// RateLimit rejects requests that exceed the global/per-IP limits carried by
// limiter, labeling every request under the "api" transport bucket (the
// proxied-api/in-browser transport buckets are reserved for outbound
// upstream calls made from inside jobrunner, not inbound HTTP traffic).
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.GetClientIP(r)
			if !limiter.Allow(ip, "api") {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
