// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
)

type fakeJobStore struct {
	jobs       map[int64]*model.Job
	nextID     int64
	events     []model.EventLog
	lastFilter store.JobFilter
	cancelErr  error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[int64]*model.Job{}, nextID: 1}
}

func (f *fakeJobStore) CreateJob(_ context.Context, spec model.JobSpec) (int64, error) {
	id := f.nextID
	f.nextID++
	f.jobs[id] = &model.Job{JobID: id, Prompt: spec.Prompt, Status: model.StatusQueued}
	return id, nil
}

func (f *fakeJobStore) GetJob(_ context.Context, jobID int64) (*model.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return job, nil
}

func (f *fakeJobStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*model.Job, error) {
	f.lastFilter = filter
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobStore) CancelJob(_ context.Context, jobID int64) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if job, ok := f.jobs[jobID]; ok {
		job.Status = model.StatusCanceled
	}
	return nil
}

func (f *fakeJobStore) ListEventLogs(_ context.Context, filter model.EventLogFilter) (*model.EventLogPage, error) {
	return &model.EventLogPage{Items: f.events}, nil
}

func TestJobs_Create_ReturnsCreatedJob(t *testing.T) {
	fs := newFakeJobStore()
	h := NewJobs(fs)

	body, err := json.Marshal(createJobRequest{Prompt: "a cat riding a bike"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sora/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var got model.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Equal(t, "a cat riding a bike", got.Prompt)
}

func TestJobs_Create_RejectsEmptyPrompt(t *testing.T) {
	fs := newFakeJobStore()
	h := NewJobs(fs)

	body, _ := json.Marshal(createJobRequest{Prompt: ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sora/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobs_List_AppliesQueryFilters(t *testing.T) {
	fs := newFakeJobStore()
	h := NewJobs(fs)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sora/jobs?status=queued&limit=10", nil)
	w := httptest.NewRecorder()
	h.List(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, fs.lastFilter.Status)
	require.Equal(t, model.StatusQueued, *fs.lastFilter.Status)
	require.Equal(t, 10, fs.lastFilter.Limit)
}

func TestJobs_Get_ReturnsJobWithEvents(t *testing.T) {
	fs := newFakeJobStore()
	id, _ := fs.CreateJob(context.Background(), model.JobSpec{Prompt: "x"})
	fs.events = []model.EventLog{{ID: 1, Action: "job.created"}}
	h := NewJobs(fs)

	r := chi.NewRouter()
	r.Get("/jobs/{id}", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+itoa(id), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Contains(t, got, "job")
	require.Contains(t, got, "events")
}

func TestJobs_Get_UnknownIDReturns404(t *testing.T) {
	fs := newFakeJobStore()
	h := NewJobs(fs)

	r := chi.NewRouter()
	r.Get("/jobs/{id}", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs_Cancel_SetsStatusCanceled(t *testing.T) {
	fs := newFakeJobStore()
	id, _ := fs.CreateJob(context.Background(), model.JobSpec{Prompt: "x"})
	h := NewJobs(fs)

	r := chi.NewRouter()
	r.Post("/jobs/{id}/cancel", h.Cancel)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+itoa(id)+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, model.StatusCanceled, fs.jobs[id].Status)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
