// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"context"
	"net/http"

	"github.com/soraflow/dispatcher/internal/auth"
)

type usernameKey struct{}

// Authenticate verifies the bearer token (or, when allowQuery, the ?token=
// query parameter — the admin SSE stream has no other way to carry a JWT)
// and stashes the resulting username in the request context. Requests
// without a valid token get 401 and never reach the handler.
func Authenticate(issuer *auth.Issuer, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractToken(r, allowQuery)
			if token == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			username, err := issuer.Verify(token)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), usernameKey{}, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UsernameFromContext returns the authenticated username stashed by
// Authenticate, or "" if the request was never authenticated.
func UsernameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(usernameKey{}).(string)
	return v
}
