// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// LoginThrottle bounds login attempts per IP with a sliding-window counter,
// a coarser and differently-shaped guard than RateLimit's token bucket:
// this one defends specifically against credential-stuffing against
// /api/v1/auth/login, not general API traffic.
func LoginThrottle(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too_many_login_attempts"}`))
		}),
	)
}
