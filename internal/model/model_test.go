// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []JobStatus{StatusQueued, StatusRunning}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestPlanType_IsPlusTier(t *testing.T) {
	plus := []PlanType{PlanPlus, PlanPro, PlanChatGPTPro}
	for _, p := range plus {
		assert.Truef(t, p.IsPlusTier(), "%s should be plus tier", p)
	}

	notPlus := []PlanType{PlanFree, PlanUnknown}
	for _, p := range notPlus {
		assert.Falsef(t, p.IsPlusTier(), "%s should not be plus tier", p)
	}
}

func TestJob_InFlight(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	running := &Job{Status: StatusRunning, LeaseUntil: &future}
	assert.True(t, running.InFlight(now))
	assert.False(t, running.Abandoned(now))

	expired := &Job{Status: StatusRunning, LeaseUntil: &past}
	assert.False(t, expired.InFlight(now))
	assert.True(t, expired.Abandoned(now))

	queued := &Job{Status: StatusQueued}
	assert.False(t, queued.InFlight(now))
	assert.False(t, queued.Abandoned(now))

	noLease := &Job{Status: StatusRunning}
	assert.False(t, noLease.InFlight(now))
	assert.False(t, noLease.Abandoned(now))
}
