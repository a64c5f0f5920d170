// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
)

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sora_jobs (
		job_id INTEGER PRIMARY KEY AUTOINCREMENT,
		root_job_id INTEGER NOT NULL,
		retry_of_job_id INTEGER,
		retry_index INTEGER NOT NULL DEFAULT 0,

		prompt TEXT NOT NULL,
		image_url TEXT,
		duration TEXT NOT NULL,
		aspect_ratio TEXT NOT NULL,
		group_title TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',

		profile_id TEXT,

		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		progress_pct INTEGER NOT NULL DEFAULT 0,
		task_id TEXT,
		generation_id TEXT,
		publish_url TEXT,
		publish_post_id TEXT,
		publish_permalink TEXT,

		dispatch_mode TEXT,
		dispatch_score REAL NOT NULL DEFAULT 0,
		dispatch_quantity_score REAL NOT NULL DEFAULT 0,
		dispatch_quality_score REAL NOT NULL DEFAULT 0,
		dispatch_reason TEXT,

		lease_owner TEXT,
		lease_until INTEGER,
		heartbeat_at INTEGER,
		run_attempt INTEGER NOT NULL DEFAULT 0,
		run_last_error TEXT,

		watermark_status TEXT NOT NULL DEFAULT 'skipped',
		watermark_url TEXT,
		watermark_error TEXT,
		watermark_attempts INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sora_jobs_claim ON sora_jobs(status, lease_until, job_id ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_sora_jobs_reservations ON sora_jobs(group_title, status, profile_id)`,

	`CREATE TABLE IF NOT EXISTS sora_nurture_batches (
		batch_id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_title TEXT NOT NULL,
		status TEXT NOT NULL,
		lease_owner TEXT,
		lease_until INTEGER,
		heartbeat_at INTEGER,
		run_attempt INTEGER NOT NULL DEFAULT 0,
		run_last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nurture_claim ON sora_nurture_batches(status, lease_until, batch_id ASC)`,

	`CREATE TABLE IF NOT EXISTS event_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		source TEXT NOT NULL,
		action TEXT NOT NULL,
		event TEXT,
		phase TEXT,
		status TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT,
		trace_id TEXT,
		request_id TEXT,
		method TEXT,
		path TEXT,
		query_text TEXT,
		status_code INTEGER,
		duration_ms INTEGER,
		is_slow INTEGER NOT NULL DEFAULT 0,
		operator_id INTEGER,
		operator_name TEXT,
		resource_type TEXT,
		resource_id TEXT,
		error_type TEXT,
		error_code TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_created ON event_logs(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_source_created ON event_logs(source, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_fail_lookup ON event_logs(source, resource_type, event, created_at DESC, resource_id)`,

	`CREATE TABLE IF NOT EXISTS scheduler_locks (
		lock_key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		locked_until INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS system_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_scheduler_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watermark_free_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ixbrowser_scan_runs (
		scan_run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_title TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		triggered_by TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ixbrowser_scan_results (
		scan_run_id INTEGER NOT NULL,
		profile_id TEXT NOT NULL,
		session_status TEXT NOT NULL,
		remaining_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		reset_at INTEGER,
		plan_type TEXT NOT NULL DEFAULT 'unknown',
		observed_at INTEGER NOT NULL,
		PRIMARY KEY (scan_run_id, profile_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_results_profile ON ixbrowser_scan_results(profile_id, observed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS proxy_cf_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		job_id INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proxy_cf_events_profile ON proxy_cf_events(profile_id, occurred_at DESC)`,

	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS migration_history (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`,
}

// migrate applies schemaStatements exactly once, gated by PRAGMA user_version,
// mirroring the teacher's sqlite_store.go migration pattern.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.DB.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("store: read user_version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migration_history(version, applied_at) VALUES (?, strftime('%s','now'))`, schemaVersion); err != nil {
		return fmt.Errorf("store: record migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("store: set user_version: %w", err)
	}
	return tx.Commit()
}

// scanner is the minimal interface shared by *sql.Row and *sql.Rows, letting
// row-decoding helpers work against either (mirrors the teacher's Scan(dest
// ...) error seam).
type scanner interface {
	Scan(dest ...any) error
}
