// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/model"
)

type fakeRegistry struct {
	heartbeatOK    atomic.Bool
	heartbeatErr   error
	heartbeatCalls atomic.Int32
	clearCalls     atomic.Int32
}

func (f *fakeRegistry) ClaimNextJob(context.Context, string, int) (*model.Job, error) { return nil, nil }
func (f *fakeRegistry) Heartbeat(context.Context, int64, string, int) (bool, error) {
	f.heartbeatCalls.Add(1)
	return f.heartbeatOK.Load(), f.heartbeatErr
}
func (f *fakeRegistry) ClearLease(context.Context, int64, string) error {
	f.clearCalls.Add(1)
	return nil
}
func (f *fakeRegistry) RequeueStaleJobs(context.Context) (int, error) { return 0, nil }

func (f *fakeRegistry) ClaimNextNurtureBatch(context.Context, string, int) (*model.NurtureBatch, error) {
	return nil, nil
}
func (f *fakeRegistry) HeartbeatNurtureBatch(context.Context, int64, string, int) (bool, error) {
	f.heartbeatCalls.Add(1)
	return f.heartbeatOK.Load(), f.heartbeatErr
}
func (f *fakeRegistry) ClearNurtureLease(context.Context, int64, string) error {
	f.clearCalls.Add(1)
	return nil
}
func (f *fakeRegistry) RequeueStaleNurtureBatches(context.Context) (int, error) { return 0, nil }

func (f *fakeRegistry) TryAcquireSchedulerLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func TestLease_HeartbeatDelegatesByKind(t *testing.T) {
	reg := &fakeRegistry{}
	reg.heartbeatOK.Store(true)

	jobLease := Lease{Kind: KindJob, ID: 1, Owner: "w1", LeaseSeconds: 60}
	ok, err := jobLease.Heartbeat(context.Background(), reg)
	require.NoError(t, err)
	assert.True(t, ok)

	nurtureLease := Lease{Kind: KindNurtureBatch, ID: 2, Owner: "w1", LeaseSeconds: 60}
	ok, err = nurtureLease.Heartbeat(context.Background(), reg)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.EqualValues(t, 2, reg.heartbeatCalls.Load())
}

func TestLease_ClearDelegatesByKind(t *testing.T) {
	reg := &fakeRegistry{}

	require.NoError(t, (Lease{Kind: KindJob, ID: 1, Owner: "w1"}).Clear(context.Background(), reg))
	require.NoError(t, (Lease{Kind: KindNurtureBatch, ID: 2, Owner: "w1"}).Clear(context.Background(), reg))

	assert.EqualValues(t, 2, reg.clearCalls.Load())
}

func TestHeartbeater_SignalsLossWhenHeartbeatFails(t *testing.T) {
	reg := &fakeRegistry{}
	reg.heartbeatOK.Store(false)

	l := Lease{Kind: KindJob, ID: 1, Owner: "w1", LeaseSeconds: 60}
	lost := Heartbeater(context.Background(), reg, l, 5*time.Millisecond)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected lease-lost signal")
	}
}

func TestHeartbeater_StopsOnContextCancel(t *testing.T) {
	reg := &fakeRegistry{}
	reg.heartbeatOK.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	l := Lease{Kind: KindJob, ID: 1, Owner: "w1", LeaseSeconds: 60}
	lost := Heartbeater(ctx, reg, l, 5*time.Millisecond)
	cancel()

	select {
	case <-lost:
		t.Fatal("did not expect a loss signal after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}
