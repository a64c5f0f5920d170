// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"github.com/go-chi/chi/v5"

	"github.com/soraflow/dispatcher/internal/ratelimit"
)

// StackConfig configures the canonical HTTP ingress middleware applied to
// every route the API exposes.
type StackConfig struct {
	AllowedOrigins       []string
	CORSAllowCredentials bool

	RateLimiter *ratelimit.Limiter
}

// ApplyStack wires the ingress middleware in a fixed order: recovery first
// (outermost safety net), request correlation, CORS, security headers,
// metrics, then global rate limiting. Authenticate is NOT part of this
// stack — it is applied per-route-group since not every route requires it.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins, cfg.CORSAllowCredentials))
	}
	r.Use(SecurityHeaders)
	r.Use(Metrics())
	if cfg.RateLimiter != nil {
		r.Use(RateLimit(cfg.RateLimiter))
	}
}
