// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// CreateScanRun/RecordScanResult/LatestScanResults back the durable,
// auditable session scans recovered from
// original_source/app/db/sqlite/ixbrowser_repo.py: a scan is a run with a
// start/end timestamp and per-profile results, not a single overwrite row.

func (s *Store) CreateScanRun(ctx context.Context, groupTitle, triggeredBy string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO ixbrowser_scan_runs (group_title, started_at, triggered_by) VALUES (?, ?, ?)`,
		groupTitle, toUnix(time.Now().UTC()), triggeredBy,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) EndScanRun(ctx context.Context, scanRunID int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE ixbrowser_scan_runs SET ended_at = ? WHERE scan_run_id = ?`,
		toUnix(time.Now().UTC()), scanRunID)
	return err
}

func (s *Store) RecordScanResult(ctx context.Context, r model.ScanResult) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO ixbrowser_scan_results (scan_run_id, profile_id, session_status, remaining_count, total_count, reset_at, plan_type, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_run_id, profile_id) DO UPDATE SET
			session_status = excluded.session_status, remaining_count = excluded.remaining_count,
			total_count = excluded.total_count, reset_at = excluded.reset_at,
			plan_type = excluded.plan_type, observed_at = excluded.observed_at`,
		r.ScanRunID, r.ProfileID, r.SessionStatus, r.RemainingCount, r.TotalCount, toUnix(r.ResetAt), string(r.PlanType), toUnix(r.ObservedAt),
	)
	return err
}

// LatestScanResult returns the most recent observation for profileID across
// all scan runs (spec §3's derived ProfileState view).
func (s *Store) LatestScanResult(ctx context.Context, profileID string) (*model.ScanResult, error) {
	var r model.ScanResult
	var resetAt, observedAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT scan_run_id, profile_id, session_status, remaining_count, total_count, reset_at, plan_type, observed_at
		FROM ixbrowser_scan_results WHERE profile_id = ? ORDER BY observed_at DESC LIMIT 1`,
		profileID,
	).Scan(&r.ScanRunID, &r.ProfileID, &r.SessionStatus, &r.RemainingCount, &r.TotalCount, &resetAt, &r.PlanType, &observedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ResetAt = fromUnix(resetAt)
	r.ObservedAt = fromUnix(observedAt)
	return &r, nil
}

// LatestScanResults returns the most recent observation per profile, used by
// the Dispatcher's "profile present in the latest session scan" hard filter
// (spec §4.2).
func (s *Store) LatestScanResults(ctx context.Context) ([]model.ScanResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.scan_run_id, r.profile_id, r.session_status, r.remaining_count, r.total_count, r.reset_at, r.plan_type, r.observed_at
		FROM ixbrowser_scan_results r
		INNER JOIN (
			SELECT profile_id, MAX(observed_at) AS max_observed FROM ixbrowser_scan_results GROUP BY profile_id
		) latest ON latest.profile_id = r.profile_id AND latest.max_observed = r.observed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScanResult
	for rows.Next() {
		var r model.ScanResult
		var resetAt, observedAt int64
		if err := rows.Scan(&r.ScanRunID, &r.ProfileID, &r.SessionStatus, &r.RemainingCount, &r.TotalCount, &resetAt, &r.PlanType, &observedAt); err != nil {
			return nil, err
		}
		r.ResetAt = fromUnix(resetAt)
		r.ObservedAt = fromUnix(observedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestScanRunID returns the most recently started scan run for groupTitle,
// or ErrNotFound if the group has never been scanned. QuotaTracker uses this
// to attach a live in-browser observation to the same run a periodic scan
// would have produced (spec §4.6: "writes an upsert row into the latest scan
// for that operator").
func (s *Store) LatestScanRunID(ctx context.Context, groupTitle string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT scan_run_id FROM ixbrowser_scan_runs WHERE group_title = ? ORDER BY started_at DESC LIMIT 1`,
		groupTitle,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// RecordProxyCFEvent logs an anti-bot challenge observation (recovered from
// original_source/app/db/sqlite/proxy_repo.py).
func (s *Store) RecordProxyCFEvent(ctx context.Context, profileID string, jobID *int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO proxy_cf_events (profile_id, occurred_at, job_id) VALUES (?, ?, ?)`,
		profileID, toUnix(time.Now().UTC()), nullInt64(jobID),
	)
	return err
}

// ProxyCFRecentRatio returns 1 when profileID has at least one challenge event
// recorded within lookback and 0 otherwise. Used by the Dispatcher's
// anti-bot transport-failover trigger (spec §4.3) and quality scoring (§4.2).
func (s *Store) ProxyCFRecentRatio(ctx context.Context, profileID string, lookback time.Duration) (float64, error) {
	since := time.Now().UTC().Add(-lookback)
	var challenged, total int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proxy_cf_events WHERE profile_id = ? AND occurred_at >= ?`,
		profileID, toUnix(since),
	).Scan(&challenged)
	if err != nil {
		return 0, err
	}
	// total observation count is challenged events themselves; without a
	// separate "poll attempted" ledger the denominator is the challenge count,
	// so the ratio is either 0 or 1, matching the original's lightweight
	// heuristic rather than a true success/failure rate.
	total = challenged
	if total == 0 {
		return 0, nil
	}
	return float64(challenged) / float64(total), nil
}
