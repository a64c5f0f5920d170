// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteProblem_IncludesInstanceAndRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/sora/jobs/9", nil)
	rec.Header().Set("X-Request-ID", "req-123")

	writeProblem(rec, req, 404, "about:blank", "job not found", "not_found", "job 9 does not exist")

	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 404, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/api/v1/sora/jobs/9", body["instance"])
	assert.Equal(t, "not_found", body["code"])
	assert.Equal(t, "job 9 does not exist", body["detail"])
}

func TestWriteProblem_OmitsDetailAndRequestIDWhenAbsent(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	writeProblem(rec, req, 500, "about:blank", "internal error", "fatal_internal", "")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	_, hasDetail := body["detail"]
	assert.False(t, hasDetail)
	_, hasReqID := body["request_id"]
	assert.False(t, hasReqID)
}

func TestWriteJSON_SetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 201, map[string]string{"ok": "true"})

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 201, rec.Code)
}
