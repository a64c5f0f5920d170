// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
)

// recoveryState is RecoveryScheduler's tri-state (spec §4.5: "the scheduler
// transitions to a paused state").
type recoveryState int

const (
	recoveryRunning recoveryState = iota
	recoveryPaused
	recoveryStopped
)

// RecoverySettingsProvider returns the latest RecoverySettings snapshot
// (spec §9: settings are read through AccountDispatchSettings.Recovery, not
// cached by value).
type RecoverySettingsProvider func() model.RecoverySettings

// RecoveryScheduler runs a periodic session scan at a floor-division
// interval slot, driven by AccountDispatchSettings.Recovery (spec §4.5).
// Unlike ScanScheduler's fixed wall-clock slots, the slot key here is purely
// a function of elapsed time, so restarts mid-interval don't refire it.
type RecoveryScheduler struct {
	store    Store
	scanner  upstream.SessionScanner
	settings RecoverySettingsProvider
	owner    string
	maskMode string
	retain   store.RetentionConfig

	TickInterval time.Duration // how often to check; default 30s
	LockTTL      time.Duration // default 120s; Tick holds the lock for at least one slot

	mu    sync.Mutex
	state recoveryState
}

func NewRecoveryScheduler(st Store, scanner upstream.SessionScanner, settings RecoverySettingsProvider, owner, maskMode string, retain store.RetentionConfig) *RecoveryScheduler {
	return &RecoveryScheduler{
		store:        st,
		scanner:      scanner,
		settings:     settings,
		owner:        owner,
		maskMode:     maskMode,
		retain:       retain,
		TickInterval: 30 * time.Second,
		LockTTL:      120 * time.Second,
		state:        recoveryRunning,
	}
}

func (s *RecoveryScheduler) Run(ctx context.Context) error {
	interval := s.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(recoveryStopped, false)
			return nil
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one scheduling decision for wall-clock time now.
func (s *RecoveryScheduler) Tick(ctx context.Context, now time.Time) {
	cfg := s.settings()
	if !cfg.Enabled || !cfg.AutoScanEnabled {
		s.setState(recoveryPaused, true)
		return
	}
	s.setState(recoveryRunning, true)

	intervalMinutes := cfg.AutoScanIntervalMinutes
	if intervalMinutes <= 0 {
		intervalMinutes = 1
	}
	intervalSec := int64(intervalMinutes) * 60
	slot := now.Unix() / intervalSec
	lockKey := fmt.Sprintf("scheduler.account_recovery.%d", slot)

	// Hold the slot's lock for at least the whole slot, so later ticks in the
	// same slot (here or in a restarted process) don't rescan.
	ttl := s.LockTTL
	if slotLen := time.Duration(intervalSec) * time.Second; slotLen > ttl {
		ttl = slotLen
	}
	got, err := s.store.TryAcquireSchedulerLock(ctx, lockKey, s.owner, ttl)
	if err != nil {
		dispatcherlog.L().Error().Err(err).Str("lock_key", lockKey).Msg("scheduler.account_recovery: try_acquire_scheduler_lock failed")
		return
	}
	if !got {
		logLockConflict("scheduler.account_recovery", lockKey, s.maskMode, s.store, s.retain)
		return
	}

	dispatcherlog.L().Info().Str("slot", lockKey).Msg("scheduler.account_recovery: firing recovery scan")
	if err := runScanPass(ctx, s.store, s.scanner, cfg.AutoScanGroupTitle, "scheduler.account_recovery", s.maskMode, s.retain); err != nil {
		dispatcherlog.L().Error().Err(err).Str("slot", lockKey).Msg("scheduler.account_recovery: scan pass failed")
	}
}

// setState transitions state, logging the pause reason exactly once per
// entry into the paused state (spec §4.5: "logs the pause reason exactly
// once (deduped by state)"). log controls whether a transition INTO paused
// should emit (false is used for the shutdown path, which moves to stopped
// and logs nothing).
func (s *RecoveryScheduler) setState(next recoveryState, log bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	if log && next == recoveryPaused && prev != recoveryPaused {
		dispatcherlog.L().Info().Msg("scheduler.account_recovery: paused (disabled or auto_scan_enabled=false)")
	}
}
