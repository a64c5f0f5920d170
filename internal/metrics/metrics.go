// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics exposes the prometheus instrumentation for the queue,
// dispatcher, job FSM, and event-log SSE surfaces, grounded on the
// promauto patterns in ManuGH-xg2g's internal/pipeline/worker/metrics.go and
// internal/ratelimit/limiter.go. The collectors are registered here; no other
// package of this module updates them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of jobs currently sitting in each phase.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of rows currently queued per phase.",
		},
		[]string{"phase"},
	)

	// ClaimLatency measures time between a job becoming eligible
	// (status=queued) and a worker successfully claiming it.
	ClaimLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Name:      "claim_latency_seconds",
			Help:      "Time between a row becoming claimable and being claimed.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"entity"}, // "job" | "nurture_batch"
	)

	// DispatchScore is the distribution of scores the dispatcher assigns
	// candidate profiles (spec §4.2), useful for tuning the scoring weights.
	DispatchScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Name:      "dispatch_score",
			Help:      "Score distribution of dispatcher profile selection.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// DispatchOutcomes counts dispatch decisions by outcome (selected vs.
	// no_candidate vs. all_at_capacity).
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "dispatch_outcomes_total",
			Help:      "Total dispatch decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// FSMTransitions counts every job phase transition the runner performs.
	FSMTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "fsm_transitions_total",
			Help:      "Job phase transitions.",
		},
		[]string{"phase_from", "phase_to", "outcome"},
	)

	// TransportFailovers counts transport switches within the progress
	// phase (spec §4.3's anti-bot escalation from proxied-API to
	// in-browser fetch).
	TransportFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "transport_failovers_total",
			Help:      "Transport failovers during the progress phase.",
		},
		[]string{"from_transport", "to_transport"},
	)

	// SSESubscribers is the live gauge of connected event-log stream
	// clients.
	SSESubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Name:      "sse_subscribers",
			Help:      "Currently connected event-log SSE subscribers.",
		},
	)

	// LeaseLost counts heartbeats that discovered their lease had already
	// been reassigned or expired.
	LeaseLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "lease_lost_total",
			Help:      "Total leases lost during heartbeat.",
		},
		[]string{"entity"},
	)

	// SchedulerLockConflicts counts scheduler ticks that lost the
	// cooperative lock race to another process.
	SchedulerLockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "scheduler_lock_conflicts_total",
			Help:      "Scheduler ticks that failed to acquire the lock.",
		},
		[]string{"scheduler"},
	)
)

// ObserveClaimLatency is a small helper so callers don't repeat the
// time.Since/Seconds boilerplate at every call site.
func ObserveClaimLatency(entity string, claimableSince time.Time) {
	ClaimLatency.WithLabelValues(entity).Observe(time.Since(claimableSince).Seconds())
}
