// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package handlers implements the HTTP handlers behind the routes
// internal/api/router.go wires up (spec §6).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
)

// jobResourceType is the ResourceType an EventLog row carries when it
// describes a sora_job (spec §4.7's JobEvent convention).
const jobResourceType = "sora_job"

// JobStore is the narrow store surface the jobs handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, spec model.JobSpec) (int64, error)
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.Job, error)
	CancelJob(ctx context.Context, jobID int64) error
	ListEventLogs(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error)
}

type Jobs struct {
	store JobStore
}

func NewJobs(store JobStore) *Jobs {
	return &Jobs{store: store}
}

type createJobRequest struct {
	ProfileID   *string `json:"profile_id"`
	Prompt      string  `json:"prompt"`
	ImageURL    *string `json:"image_url"`
	Duration    string  `json:"duration"`
	AspectRatio string  `json:"aspect_ratio"`
	GroupTitle  string  `json:"group_title"`
}

// Create handles POST /api/v1/sora/jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	spec := model.JobSpec{
		ProfileID:   req.ProfileID,
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		Duration:    model.Duration(req.Duration),
		AspectRatio: model.AspectRatio(req.AspectRatio),
		GroupTitle:  req.GroupTitle,
	}

	id, err := h.store.CreateJob(r.Context(), spec)
	if err != nil {
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job created but could not be reloaded", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// List handles GET /api/v1/sora/jobs.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Limit: 50}
	if v := q.Get("status"); v != "" {
		s := model.JobStatus(v)
		filter.Status = &s
	}
	if v := q.Get("phase"); v != "" {
		p := model.Phase(v)
		filter.Phase = &p
	}
	if v := q.Get("profile_id"); v != "" {
		filter.ProfileID = &v
	}
	if v := q.Get("keyword"); v != "" {
		filter.Keyword = &v
	}
	if v := q.Get("group_title"); v != "" {
		filter.GroupTitle = &v
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Get handles GET /api/v1/sora/jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	resourceType := jobResourceType
	resourceID := strconv.FormatInt(id, 10)
	page, err := h.store.ListEventLogs(r.Context(), model.EventLogFilter{
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Limit:        500,
	})
	if err != nil {
		http.Error(w, "failed to load job events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "events": page.Items})
}

// Cancel handles POST /api/v1/sora/jobs/{id}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	if err := h.store.CancelJob(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
