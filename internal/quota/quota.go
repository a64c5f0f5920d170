// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package quota implements QuotaTracker (spec §4.6): a query-only view over
// Store that folds persisted session-scan rows together with in-flight job
// reservations, plus the live-observation write path a JobRunner uses when it
// sees a fresh quota number inside the browser. Nothing here owns a table of
// its own; it is a computed view, same as the teacher's read-through cache
// shape but backed by SQL instead of an in-memory map.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
)

// Store is the narrow surface QuotaTracker needs.
type Store interface {
	LatestScanResults(ctx context.Context) ([]model.ScanResult, error)
	LatestScanRunID(ctx context.Context, groupTitle string) (int64, error)
	CreateScanRun(ctx context.Context, groupTitle, triggeredBy string) (int64, error)
	RecordScanResult(ctx context.Context, r model.ScanResult) error
	Reservations(ctx context.Context, groupTitle, profileID string) (int, error)
	CreateEventLog(ctx context.Context, spec model.EventLogSpec, maskMode string, retain store.RetentionConfig) (*model.EventLog, error)
}

// Notifier fans a live observation out to SSE subscribers (spec §4.6:
// "pushes a notification to any SSE subscribers"). internal/eventlog's Redis
// publisher satisfies this; tests can use a no-op.
type Notifier interface {
	PublishQuotaObserved(ctx context.Context, obs ProfileQuota) error
}

// NoopNotifier drops every observation; used where no live-push transport is
// configured (e.g. a single-process deployment with nothing subscribing).
type NoopNotifier struct{}

func (NoopNotifier) PublishQuotaObserved(context.Context, ProfileQuota) error { return nil }

// ProfileQuota is one profile's quota view at query time: persisted
// remaining/total/reset_at minus pending reservations for the group the
// caller asked about (spec §4.6's "reservations are computed at query time").
type ProfileQuota struct {
	ProfileID          string    `json:"profile_id"`
	RemainingCount     int       `json:"remaining_count"`
	TotalCount         int       `json:"total_count"`
	Reservations       int       `json:"reservations"`
	EffectiveRemaining int       `json:"effective_remaining"`
	ResetAt            time.Time `json:"reset_at"`
	PlanType           model.PlanType `json:"plan_type"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Tracker is the QuotaTracker façade.
type Tracker struct {
	store    Store
	notifier Notifier
	maskMode string
	retain   store.RetentionConfig
}

func New(st Store, notifier Notifier, maskMode string, retain store.RetentionConfig) *Tracker {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Tracker{store: st, notifier: notifier, maskMode: maskMode, retain: retain}
}

// Snapshot returns every profile's effective quota for groupTitle:
// remaining_count from the latest scan, minus reservations(P) = count of
// jobs with this group_title and status in {queued, running} and no task_id
// yet assigned (spec §4.6). The Dispatcher performs this same subtraction
// inline during scoring; Snapshot exists for read-only API/UI consumers that
// want the view without running a dispatch.
func (t *Tracker) Snapshot(ctx context.Context, groupTitle string) ([]ProfileQuota, error) {
	results, err := t.store.LatestScanResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota: latest scan results: %w", err)
	}

	out := make([]ProfileQuota, 0, len(results))
	for _, r := range results {
		reservations, err := t.store.Reservations(ctx, groupTitle, r.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("quota: reservations for %s: %w", r.ProfileID, err)
		}
		effective := r.RemainingCount - reservations
		if effective < 0 {
			effective = 0
		}
		out = append(out, ProfileQuota{
			ProfileID:          r.ProfileID,
			RemainingCount:     r.RemainingCount,
			TotalCount:         r.TotalCount,
			Reservations:       reservations,
			EffectiveRemaining: effective,
			ResetAt:            r.ResetAt,
			PlanType:           r.PlanType,
			ObservedAt:         r.ObservedAt,
		})
	}
	return out, nil
}

// ObserveLive records a quota number a JobRunner saw inside an open browser
// session (spec §4.6's "live observations" input): it upserts into the
// group's latest scan run (creating one if the group has never been scanned),
// mirrors the observation as an event, and pushes it to the Notifier for any
// live SSE subscribers. It never blocks the job on the notifier failing.
func (t *Tracker) ObserveLive(ctx context.Context, groupTitle string, obs model.ScanResult) error {
	scanRunID, err := t.store.LatestScanRunID(ctx, groupTitle)
	if errors.Is(err, store.ErrNotFound) {
		scanRunID, err = t.store.CreateScanRun(ctx, groupTitle, "live_observation")
	}
	if err != nil {
		return fmt.Errorf("quota: resolve scan run for %s: %w", groupTitle, err)
	}

	obs.ScanRunID = scanRunID
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}
	if err := t.store.RecordScanResult(ctx, obs); err != nil {
		return fmt.Errorf("quota: record live observation for %s: %w", obs.ProfileID, err)
	}

	reservations, err := t.store.Reservations(ctx, groupTitle, obs.ProfileID)
	if err != nil {
		reservations = 0
	}
	effective := obs.RemainingCount - reservations
	if effective < 0 {
		effective = 0
	}
	pq := ProfileQuota{
		ProfileID:          obs.ProfileID,
		RemainingCount:     obs.RemainingCount,
		TotalCount:         obs.TotalCount,
		Reservations:       reservations,
		EffectiveRemaining: effective,
		ResetAt:            obs.ResetAt,
		PlanType:           obs.PlanType,
		ObservedAt:         obs.ObservedAt,
	}

	if _, err := t.store.CreateEventLog(ctx, model.EventLogSpec{
		Source:       model.SourceTask,
		Action:       "quota.observed",
		Status:       "ok",
		Level:        model.LevelInfo,
		ResourceType: "profile",
		ResourceID:   obs.ProfileID,
		Message:      fmt.Sprintf("live quota observation: remaining=%d total=%d", obs.RemainingCount, obs.TotalCount),
	}, t.maskMode, t.retain); err != nil {
		dispatcherlog.L().Warn().Err(err).Str("profile_id", obs.ProfileID).Msg("quota: failed to mirror live observation as event")
	}

	if err := t.notifier.PublishQuotaObserved(ctx, pq); err != nil {
		dispatcherlog.L().Warn().Err(err).Str("profile_id", obs.ProfileID).Msg("quota: notifier publish failed")
	}
	return nil
}
