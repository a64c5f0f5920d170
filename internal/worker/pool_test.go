// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/worker"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        []*model.Job
	nurture     []*model.NurtureBatch
	requeueJobs int
	requeueNB   int
}

func (f *fakeStore) ClaimNextJob(_ context.Context, owner string, leaseSeconds int) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, j := range f.jobs {
		if j.Status == model.StatusQueued && (j.LeaseUntil == nil || j.LeaseUntil.Before(now)) {
			until := now.Add(time.Duration(leaseSeconds) * time.Second)
			j.Status = model.StatusRunning
			j.LeaseOwner = &owner
			j.LeaseUntil = &until
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Heartbeat(_ context.Context, jobID int64, owner string, leaseSeconds int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.JobID == jobID && j.LeaseOwner != nil && *j.LeaseOwner == owner {
			until := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
			j.LeaseUntil = &until
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ClearLease(_ context.Context, jobID int64, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.JobID == jobID && j.LeaseOwner != nil && *j.LeaseOwner == owner {
			j.LeaseOwner = nil
			j.LeaseUntil = nil
		}
	}
	return nil
}

func (f *fakeStore) RequeueStaleJobs(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeueJobs++
	return 0, nil
}

func (f *fakeStore) ClaimNextNurtureBatch(_ context.Context, owner string, leaseSeconds int) (*model.NurtureBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, b := range f.nurture {
		if b.Status == model.StatusQueued {
			until := now.Add(time.Duration(leaseSeconds) * time.Second)
			b.Status = model.StatusRunning
			b.LeaseOwner = &owner
			b.LeaseUntil = &until
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) HeartbeatNurtureBatch(_ context.Context, batchID int64, owner string, leaseSeconds int) (bool, error) {
	return true, nil
}

func (f *fakeStore) ClearNurtureLease(_ context.Context, batchID int64, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.nurture {
		if b.BatchID == batchID {
			b.LeaseOwner = nil
		}
	}
	return nil
}

func (f *fakeStore) RequeueStaleNurtureBatches(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeueNB++
	return 0, nil
}

func (f *fakeStore) TryAcquireSchedulerLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeStore) UpdateJob(_ context.Context, jobID int64, fn func(*model.Job) error) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.JobID == jobID {
			if err := fn(j); err != nil {
				return nil, err
			}
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateNurtureBatch(_ context.Context, batchID int64, fn func(*model.NurtureBatch) error) (*model.NurtureBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.nurture {
		if b.BatchID == batchID {
			if err := fn(b); err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	return nil, nil
}

type countingJobRunner struct {
	ran atomic.Int64
	ch  chan int64
}

func (r *countingJobRunner) Run(_ context.Context, jobID int64) error {
	r.ran.Add(1)
	if r.ch != nil {
		r.ch <- jobID
	}
	return nil
}

// blockingJobRunner signals started once entered, then blocks until ctx is
// canceled, signalling canceled exactly once so a test can assert Stop()
// actually reached the in-flight run.
type blockingJobRunner struct {
	started  chan struct{}
	canceled chan struct{}
}

func (r *blockingJobRunner) Run(ctx context.Context, _ int64) error {
	close(r.started)
	<-ctx.Done()
	close(r.canceled)
	return ctx.Err()
}

type countingNurtureRunner struct {
	ran atomic.Int64
}

func (r *countingNurtureRunner) Run(context.Context, int64) error {
	r.ran.Add(1)
	return nil
}

func TestPool_ClaimsAndRunsQueuedJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fs := &fakeStore{
		jobs: []*model.Job{
			{JobID: 1, Status: model.StatusQueued},
			{JobID: 2, Status: model.StatusQueued},
		},
	}
	done := make(chan int64, 2)
	runner := &countingJobRunner{ch: done}
	nurture := &countingNurtureRunner{}

	cfg := func() worker.Config {
		return worker.Config{
			JobMaxConcurrency:   2,
			JobLeaseSeconds:     30,
			NurtureLeaseSeconds: 30,
			ClaimPollInterval:   10 * time.Millisecond,
			StaleSweepInterval:  time.Hour,
		}
	}
	pool := worker.New(fs, runner, nurture, cfg, "test-owner")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	seen := map[int64]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case id := <-done:
			seen[id] = true
		case <-timeout:
			t.Fatal("timed out waiting for both jobs to run")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool.Run did not return after ctx cancel")
	}

	require.Equal(t, int64(2), runner.ran.Load())
}

func TestPool_StopCancelsInFlightJobContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fs := &fakeStore{
		jobs: []*model.Job{{JobID: 1, Status: model.StatusQueued}},
	}

	started := make(chan struct{})
	canceled := make(chan struct{})
	runner := &blockingJobRunner{started: started, canceled: canceled}
	nurture := &countingNurtureRunner{}

	cfg := func() worker.Config {
		return worker.Config{
			JobMaxConcurrency:   1,
			JobLeaseSeconds:     30,
			NurtureLeaseSeconds: 30,
			ClaimPollInterval:   10 * time.Millisecond,
			StaleSweepInterval:  time.Hour,
			StopTimeout:         2 * time.Second,
		}
	}
	pool := worker.New(fs, runner, nurture, cfg, "test-owner")

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to start")
	}

	stopDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopDone)
	}()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not canceled by Stop")
	}

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within its bounded timeout")
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool.Run did not return after Stop")
	}
}

func TestPool_RequeuesStaleOnStartup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fs := &fakeStore{}
	cfg := func() worker.Config {
		return worker.Config{JobMaxConcurrency: 1, JobLeaseSeconds: 30, NurtureLeaseSeconds: 30, ClaimPollInterval: 10 * time.Millisecond, StaleSweepInterval: time.Hour}
	}
	pool := worker.New(fs, &countingJobRunner{}, &countingNurtureRunner{}, cfg, "test-owner")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, 1, fs.requeueJobs)
	require.Equal(t, 1, fs.requeueNB)
}
