// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/metrics"
)

func TestFSMTransitions_IncrementsByLabel(t *testing.T) {
	metrics.FSMTransitions.Reset()

	metrics.FSMTransitions.WithLabelValues("queue", "submit", "phase_complete").Inc()
	metrics.FSMTransitions.WithLabelValues("queue", "submit", "phase_complete").Inc()
	metrics.FSMTransitions.WithLabelValues("submit", "progress", "phase_complete").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(
		metrics.FSMTransitions.WithLabelValues("queue", "submit", "phase_complete")))
	require.Equal(t, float64(1), testutil.ToFloat64(
		metrics.FSMTransitions.WithLabelValues("submit", "progress", "phase_complete")))
}

func TestObserveClaimLatency_RecordsSample(t *testing.T) {
	metrics.ClaimLatency.Reset()

	metrics.ObserveClaimLatency("job", time.Now().Add(-2*time.Second))

	count := testutil.CollectAndCount(metrics.ClaimLatency)
	require.Equal(t, 1, count)
}

func TestQueueDepth_SetsGaugeByPhase(t *testing.T) {
	metrics.QueueDepth.Reset()

	metrics.QueueDepth.WithLabelValues("queue").Set(3)
	metrics.QueueDepth.WithLabelValues("submit").Set(1)

	require.Equal(t, float64(3), testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("queue")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("submit")))
}
