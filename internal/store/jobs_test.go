// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateJob_SetsQueuedStatusAndRootJobID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, model.JobSpec{Prompt: "a cat riding a bike", Duration: model.Duration10s, AspectRatio: model.AspectLandscape})
	require.NoError(t, err)
	require.NotZero(t, id)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, model.PhaseQueue, job.Phase)
	assert.Equal(t, id, job.RootJobID)
	assert.Equal(t, 0, job.RunAttempt)
}

func TestGetJob_UnknownIDReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextJob_ClaimsOldestQueuedRowAndSetsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateJob(ctx, model.JobSpec{Prompt: "first"})
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, model.JobSpec{Prompt: "second"})
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.JobID)
	assert.Equal(t, model.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.RunAttempt)
	require.NotNil(t, claimed.LeaseOwner)
	assert.Equal(t, "worker-1", *claimed.LeaseOwner)
}

func TestClaimNextJob_NoQueuedRowsReturnsNilWithoutError(t *testing.T) {
	s := newTestStore(t)
	claimed, err := s.ClaimNextJob(context.Background(), "worker-1", 60)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextJob_SkipsRowsWithUnexpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "only job"})
	require.NoError(t, err)

	first, err := s.ClaimNextJob(ctx, "worker-1", 300)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ClaimNextJob(ctx, "worker-2", 300)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestHeartbeat_OnlyExtendsLeaseForMatchingOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job"})
	require.NoError(t, err)
	claimed, err := s.ClaimNextJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	ok, err := s.Heartbeat(ctx, claimed.JobID, "worker-1", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Heartbeat(ctx, claimed.JobID, "worker-2", 300)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearLease_NullsLeaseFieldsForMatchingOwnerOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job"})
	require.NoError(t, err)
	claimed, err := s.ClaimNextJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	require.NoError(t, s.ClearLease(ctx, claimed.JobID, "wrong-owner"))
	job, err := s.GetJob(ctx, claimed.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.LeaseOwner)

	require.NoError(t, s.ClearLease(ctx, claimed.JobID, "worker-1"))
	job, err = s.GetJob(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Nil(t, job.LeaseOwner)
	assert.Nil(t, job.LeaseUntil)
}

func TestRequeueStaleJobs_RecyclesExpiredLeaseRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job"})
	require.NoError(t, err)
	claimed, err := s.ClaimNextJob(ctx, "worker-1", 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := s.RequeueStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.GetJob(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Nil(t, job.LeaseOwner)
}

func TestCancelJob_IsANoOpOnceTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job"})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, id))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, job.Status)

	_, err = s.UpdateJob(ctx, id, func(j *model.Job) error {
		j.Status = model.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, id))
	job, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
}

func TestIsJobCanceled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job"})
	require.NoError(t, err)

	canceled, err := s.IsJobCanceled(ctx, id)
	require.NoError(t, err)
	assert.False(t, canceled)

	require.NoError(t, s.CancelJob(ctx, id))
	canceled, err = s.IsJobCanceled(ctx, id)
	require.NoError(t, err)
	assert.True(t, canceled)
}

func TestListJobs_FiltersByStatusAndKeyword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "a cat video", GroupTitle: "g1"})
	require.NoError(t, err)
	second, err := s.CreateJob(ctx, model.JobSpec{Prompt: "a dog video", GroupTitle: "g1"})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, second))

	status := model.StatusQueued
	jobs, err := s.ListJobs(ctx, JobFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a cat video", jobs[0].Prompt)

	keyword := "dog"
	jobs, err = s.ListJobs(ctx, JobFilter{Keyword: &keyword})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, second, jobs[0].JobID)
}

func TestReservations_CountsUnstartedQueuedAndRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	profileID := "profile-1"
	_, err := s.CreateJob(ctx, model.JobSpec{Prompt: "job", GroupTitle: "g1", ProfileID: &profileID})
	require.NoError(t, err)

	n, err := s.Reservations(ctx, "g1", profileID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Reservations(ctx, "g1", "other-profile")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
