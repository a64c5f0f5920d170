// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
)

// EventLogService is the narrow surface AdminLogs needs from
// internal/eventlog.Service.
type EventLogService interface {
	List(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error)
	Stats(ctx context.Context, since time.Time) (*model.EventLogStats, error)
	Stream(ctx context.Context, afterID int64) <-chan model.EventLog
}

type AdminLogs struct {
	events EventLogService
}

func NewAdminLogs(events EventLogService) *AdminLogs {
	return &AdminLogs{events: events}
}

// List handles GET /api/v1/admin/logs.
func (h *AdminLogs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EventLogFilter{Limit: 50}
	if v := q.Get("source"); v != "" {
		s := model.EventSource(v)
		filter.Source = &s
	}
	if v := q.Get("status"); v != "" {
		filter.Status = &v
	}
	if v := q.Get("level"); v != "" {
		lv := model.EventLevel(v)
		filter.Level = &lv
	}
	if v := q.Get("keyword"); v != "" {
		filter.Keyword = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Action = &v
	}
	if v := q.Get("path"); v != "" {
		filter.Path = &v
	}
	if v := q.Get("trace_id"); v != "" {
		filter.TraceID = &v
	}
	if v := q.Get("request_id"); v != "" {
		filter.RequestID = &v
	}
	if v := q.Get("operator"); v != "" {
		filter.Operator = &v
	}
	if v := q.Get("resource_type"); v != "" {
		filter.ResourceType = &v
	}
	if v := q.Get("resource_id"); v != "" {
		filter.ResourceID = &v
	}
	if v := q.Get("slow_only"); v == "true" {
		filter.SlowOnly = true
	}
	if v := q.Get("start_at"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartAt = &t
		}
	}
	if v := q.Get("end_at"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndAt = &t
		}
	}
	if v := q.Get("cursor"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.Cursor = &n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	page, err := h.events.List(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to list logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Stats handles GET /api/v1/admin/logs/stats.
func (h *AdminLogs) Stats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}

	stats, err := h.events.Stats(r.Context(), since)
	if err != nil {
		http.Error(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stream handles GET /api/v1/admin/logs/stream (spec §4.7/§6): an SSE feed
// that replays everything after ?after_id= and then follows live appends.
func (h *AdminLogs) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var afterID int64
	if v := r.URL.Query().Get("after_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for ev := range h.events.Stream(ctx, afterID) {
		payload, err := json.Marshal(ev)
		if err != nil {
			dispatcherlog.L().Error().Err(err).Msg("admin_logs: failed to marshal stream event")
			continue
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, payload)
		flusher.Flush()
	}
}
