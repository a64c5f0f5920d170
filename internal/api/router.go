// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api wires the HTTP surface described by spec §6: job submission
// and lookup, operator login, and the admin event-log/settings endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soraflow/dispatcher/internal/api/handlers"
	"github.com/soraflow/dispatcher/internal/api/middleware"
	"github.com/soraflow/dispatcher/internal/api/openapi"
	"github.com/soraflow/dispatcher/internal/auth"
	"github.com/soraflow/dispatcher/internal/ratelimit"
)

// Dependencies bundles everything the router needs to construct its
// handlers. Every field is a narrow, already-constructed collaborator —
// router.go does no composition-root work itself (that lives in cmd/).
type Dependencies struct {
	Jobs          *handlers.Jobs
	Auth          *handlers.Auth
	AdminLogs     *handlers.AdminLogs
	AdminSettings *handlers.AdminSettings
	AdminSelftest *handlers.AdminSelftest

	Issuer      *auth.Issuer
	RateLimiter *ratelimit.Limiter

	AllowedOrigins       []string
	CORSAllowCredentials bool
}

// NewRouter builds the complete chi.Router for the dispatcher API.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	middleware.ApplyStack(r, middleware.StackConfig{
		AllowedOrigins:       deps.AllowedOrigins,
		CORSAllowCredentials: deps.CORSAllowCredentials,
		RateLimiter:          deps.RateLimiter,
	})

	requireAuth := middleware.Authenticate(deps.Issuer, false)
	requireAuthAllowQuery := middleware.Authenticate(deps.Issuer, true)

	r.Get("/healthz", handleHealthz)

	loginThrottle := middleware.LoginThrottle(20, time.Minute)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(loginThrottle).Post("/auth/login", deps.Auth.Login)
		r.With(requireAuth).Get("/auth/me", deps.Auth.Me)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.With(openapi.ValidateBody).Post("/sora/jobs", deps.Jobs.Create)
			r.Get("/sora/jobs", deps.Jobs.List)
			r.Get("/sora/jobs/{id}", deps.Jobs.Get)
			r.Post("/sora/jobs/{id}/cancel", deps.Jobs.Cancel)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/logs", deps.AdminLogs.List)
				r.Get("/logs/stats", deps.AdminLogs.Stats)

				r.Get("/settings/system", deps.AdminSettings.GetSystem)
				r.With(openapi.ValidateBody).Put("/settings/system", deps.AdminSettings.UpdateSystem)
				r.Get("/settings/scheduler/scan", deps.AdminSettings.GetScanScheduler)
				r.With(openapi.ValidateBody).Put("/settings/scheduler/scan", deps.AdminSettings.UpdateScanScheduler)
				r.Get("/settings/watermark-free", deps.AdminSettings.GetWatermark)
				r.With(openapi.ValidateBody).Put("/settings/watermark-free", deps.AdminSettings.UpdateWatermark)

				r.Get("/selftest", deps.AdminSelftest.Run)
			})

			// The SSE stream is opened by an EventSource, which cannot set an
			// Authorization header — it carries the JWT as ?token= instead.
			r.With(requireAuthAllowQuery).Get("/logs/stream", deps.AdminLogs.Stream)
		})
	})

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
