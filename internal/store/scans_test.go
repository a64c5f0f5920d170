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

func TestScanRun_RecordAndFetchLatestResultPerProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateScanRun(ctx, "g1", "scheduler")
	require.NoError(t, err)

	require.NoError(t, s.RecordScanResult(ctx, model.ScanResult{
		ScanRunID: runID, ProfileID: "p1", SessionStatus: "active",
		RemainingCount: 5, TotalCount: 10, PlanType: model.PlanPlus, ObservedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.EndScanRun(ctx, runID))

	latest, err := s.LatestScanResult(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.RemainingCount)
	assert.Equal(t, model.PlanPlus, latest.PlanType)
}

func TestLatestScanResults_ReturnsOneRowPerProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateScanRun(ctx, "g1", "scheduler")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.RecordScanResult(ctx, model.ScanResult{ScanRunID: runID, ProfileID: "p1", SessionStatus: "active", ObservedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.RecordScanResult(ctx, model.ScanResult{ScanRunID: runID, ProfileID: "p2", SessionStatus: "active", ObservedAt: now}))

	results, err := s.LatestScanResults(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestLatestScanRunID_UnknownGroupReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LatestScanRunID(context.Background(), "never-scanned")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordProxyCFEvent_FeedsRecentRatio(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ratio, err := s.ProxyCFRecentRatio(ctx, "p1", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, ratio)

	require.NoError(t, s.RecordProxyCFEvent(ctx, "p1", nil))
	ratio, err = s.ProxyCFRecentRatio(ctx, "p1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, float64(1), ratio)
}
