// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
)

// writeProblem writes an RFC 7807 problem-details response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string) {
	reqID := w.Header().Get("X-Request-ID")

	res := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
		"code":   code,
	}
	if detail != "" {
		res["detail"] = detail
	}
	if r != nil {
		res["instance"] = r.URL.EscapedPath()
	}
	if reqID != "" {
		res["request_id"] = reqID
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		dispatcherlog.L().Error().Err(err).Str("type", problemType).Msg("api: failed to encode problem response")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
