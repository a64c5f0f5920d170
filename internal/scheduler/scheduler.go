// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package scheduler implements the SchedulerSet (spec §4.5): ScanScheduler
// (wall-clock slots) and RecoveryScheduler (interval slots), both cooperating
// across processes via Store.try_acquire_scheduler_lock. StaleSweeper is
// embedded directly in internal/worker.Pool rather than here, since it shares
// that package's claim-loop state.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
)

// Store is the narrow surface both schedulers need.
type Store interface {
	TryAcquireSchedulerLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	CreateScanRun(ctx context.Context, groupTitle, triggeredBy string) (int64, error)
	EndScanRun(ctx context.Context, scanRunID int64) error
	RecordScanResult(ctx context.Context, r model.ScanResult) error
	CreateEventLog(ctx context.Context, spec model.EventLogSpec, maskMode string, retain store.RetentionConfig) (*model.EventLog, error)
}

// runScanPass is the shared body both schedulers fire: a durable ScanRun
// wrapping a SessionScanner pass, one ScanResult row per observation (spec
// §4.5/§4.6). Used identically by ScanScheduler's wall-clock slots and
// RecoveryScheduler's interval slots — they differ only in when they fire.
func runScanPass(ctx context.Context, st Store, scanner upstream.SessionScanner, groupTitle, triggeredBy, maskMode string, retain store.RetentionConfig) error {
	scanRunID, err := st.CreateScanRun(ctx, groupTitle, triggeredBy)
	if err != nil {
		return fmt.Errorf("scheduler: create_scan_run: %w", err)
	}

	observations, scanErr := scanner.Scan(ctx, groupTitle)
	now := time.Now().UTC()
	for _, obs := range observations {
		err := st.RecordScanResult(ctx, model.ScanResult{
			ScanRunID:      scanRunID,
			ProfileID:      obs.ProfileID,
			SessionStatus:  obs.SessionStatus,
			RemainingCount: obs.RemainingCount,
			TotalCount:     obs.TotalCount,
			PlanType:       model.PlanType(obs.PlanType),
			ObservedAt:     now,
		})
		if err != nil {
			dispatcherlog.L().Error().Err(err).Str("profile_id", obs.ProfileID).Msg("scheduler: record_scan_result failed")
		}
	}

	if err := st.EndScanRun(ctx, scanRunID); err != nil {
		dispatcherlog.L().Error().Err(err).Int64("scan_run_id", scanRunID).Msg("scheduler: end_scan_run failed")
	}

	level := model.LevelInfo
	status := "ok"
	msg := fmt.Sprintf("scan pass observed %d profiles", len(observations))
	if scanErr != nil {
		level = model.LevelError
		status = "error"
		msg = scanErr.Error()
	}
	if _, err := st.CreateEventLog(ctx, model.EventLogSpec{
		Source:       model.SourceTask,
		Action:       triggeredBy + ".scan",
		Status:       status,
		Level:        level,
		ResourceType: "scan_run",
		ResourceID:   fmt.Sprintf("%d", scanRunID),
		Message:      msg,
	}, maskMode, retain); err != nil {
		dispatcherlog.L().Warn().Err(err).Msg("scheduler: failed to mirror scan pass as event")
	}
	return scanErr
}

func logLockConflict(schedulerName, lockKey, maskMode string, st Store, retain store.RetentionConfig) {
	ctx := context.Background()
	if _, err := st.CreateEventLog(ctx, model.EventLogSpec{
		Source:       model.SourceSystem,
		Action:       schedulerName + ".lock_conflict",
		Status:       "ok",
		Level:        model.LevelInfo,
		ResourceType: "scheduler_lock",
		ResourceID:   lockKey,
		Message:      "scheduler tick observed a held lock; deferring to the current holder",
	}, maskMode, retain); err != nil {
		dispatcherlog.L().Warn().Err(err).Msg("scheduler: failed to log lock conflict event")
	}
}
