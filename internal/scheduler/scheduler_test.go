// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
)

type fakeStore struct {
	locks       map[string]bool
	scanRuns    int
	results     []model.ScanResult
	events      []model.EventLogSpec
	lockDenies  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{locks: map[string]bool{}, lockDenies: map[string]bool{}}
}

func (f *fakeStore) TryAcquireSchedulerLock(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if f.lockDenies[key] {
		return false, nil
	}
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeStore) CreateScanRun(context.Context, string, string) (int64, error) {
	f.scanRuns++
	return int64(f.scanRuns), nil
}

func (f *fakeStore) EndScanRun(context.Context, int64) error { return nil }

func (f *fakeStore) RecordScanResult(_ context.Context, r model.ScanResult) error {
	f.results = append(f.results, r)
	return nil
}

func (f *fakeStore) CreateEventLog(_ context.Context, spec model.EventLogSpec, _ string, _ store.RetentionConfig) (*model.EventLog, error) {
	f.events = append(f.events, spec)
	return &model.EventLog{}, nil
}

type fakeScanner struct {
	obs []upstream.ScanObservation
}

func (f *fakeScanner) Scan(context.Context, string) ([]upstream.ScanObservation, error) {
	return f.obs, nil
}

func TestScanScheduler_FiresOnMatchingSlotOnce(t *testing.T) {
	fs := newFakeStore()
	scanner := &fakeScanner{obs: []upstream.ScanObservation{{ProfileID: "p1", RemainingCount: 5}}}
	settings := func() model.ScanSchedulerSettings {
		return model.ScanSchedulerSettings{Enabled: true, Times: []string{"09:00"}, Timezone: "UTC"}
	}
	sched := NewScanScheduler(fs, scanner, settings, "owner-1", "group-a", "basic", store.DefaultRetentionConfig())

	at := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), at)
	require.Equal(t, 1, fs.scanRuns)
	require.Len(t, fs.results, 1)

	// Second tick at the exact same slot must not refire (in-process cache).
	sched.Tick(context.Background(), at)
	require.Equal(t, 1, fs.scanRuns)
}

func TestScanScheduler_SkipsNonMatchingTime(t *testing.T) {
	fs := newFakeStore()
	scanner := &fakeScanner{}
	settings := func() model.ScanSchedulerSettings {
		return model.ScanSchedulerSettings{Enabled: true, Times: []string{"09:00"}, Timezone: "UTC"}
	}
	sched := NewScanScheduler(fs, scanner, settings, "owner-1", "group-a", "basic", store.DefaultRetentionConfig())

	sched.Tick(context.Background(), time.Date(2026, 7, 30, 9, 1, 0, 0, time.UTC))
	require.Equal(t, 0, fs.scanRuns)
}

func TestScanScheduler_LockConflictLogsAndSkips(t *testing.T) {
	fs := newFakeStore()
	scanner := &fakeScanner{}
	settings := func() model.ScanSchedulerSettings {
		return model.ScanSchedulerSettings{Enabled: true, Times: []string{"09:00"}, Timezone: "UTC"}
	}
	sched := NewScanScheduler(fs, scanner, settings, "owner-1", "group-a", "basic", store.DefaultRetentionConfig())
	at := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	slotKey := "scheduler.scan." + at.Format("2006-01-02 15:04") + " UTC"
	fs.lockDenies[slotKey] = true

	sched.Tick(context.Background(), at)
	require.Equal(t, 0, fs.scanRuns)
	require.Len(t, fs.events, 1)
	require.Equal(t, "scheduler.scan.lock_conflict", fs.events[0].Action)
}

func TestRecoveryScheduler_PausesWhenDisabled(t *testing.T) {
	fs := newFakeStore()
	scanner := &fakeScanner{}
	settings := func() model.RecoverySettings {
		return model.RecoverySettings{Enabled: false}
	}
	sched := NewRecoveryScheduler(fs, scanner, settings, "owner-1", "basic", store.DefaultRetentionConfig())

	sched.Tick(context.Background(), time.Now())
	require.Equal(t, 0, fs.scanRuns)
	require.Equal(t, recoveryPaused, sched.state)
}

func TestRecoveryScheduler_FiresOnEnabledSlot(t *testing.T) {
	fs := newFakeStore()
	scanner := &fakeScanner{obs: []upstream.ScanObservation{{ProfileID: "p1"}}}
	settings := func() model.RecoverySettings {
		return model.RecoverySettings{Enabled: true, AutoScanEnabled: true, AutoScanIntervalMinutes: 30, AutoScanGroupTitle: "group-a"}
	}
	sched := NewRecoveryScheduler(fs, scanner, settings, "owner-1", "basic", store.DefaultRetentionConfig())

	sched.Tick(context.Background(), time.Now())
	require.Equal(t, 1, fs.scanRuns)
	require.Equal(t, recoveryRunning, sched.state)
}
