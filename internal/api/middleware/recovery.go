// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package middleware is the canonical HTTP ingress stack shared by every
// route the dispatcher API exposes, adapted from
// ManuGH-xg2g/internal/control/middleware's stack shape.
package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
)

// Recoverer ensures a panic in any downstream handler does not crash the
// process: it logs the panic with a stack trace and returns a 500 JSON body.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				reqID := w.Header().Get("X-Request-ID")
				dispatcherlog.L().Error().
					Str("event", "panic.recovered").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("request_id", reqID).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":      "Internal server error",
					"request_id": reqID,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
