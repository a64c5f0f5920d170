// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// VerifyIntegrity checks the database file for structural corruption. mode
// is "quick" (PRAGMA quick_check) or "full" (PRAGMA integrity_check); it
// reopens the database read-only so the check never contends with the live
// writer connection pool. Grounded on
// internal/persistence/sqlite/verify.go of the teacher repo.
func (s *Store) VerifyIntegrity(ctx context.Context, mode string) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: verify_integrity: open: %w", err)
	}
	defer db.Close()

	pragma := "PRAGMA quick_check;"
	if mode == "full" {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("store: verify_integrity: %s: %w", pragma, err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("store: verify_integrity: scan: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: verify_integrity: rows: %w", err)
	}

	if len(results) == 1 && strings.ToLower(results[0]) == "ok" {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}

// SchedulerLocksReachable runs a trivial read against scheduler_locks, the
// table the scan/recovery schedulers contend for on every tick (spec §4.1,
// §8 property 7). A failure here means a scheduler lease can't be acquired
// or released even though the rest of the database is reachable.
func (s *Store) SchedulerLocksReachable(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduler_locks`).Scan(&count); err != nil {
		return fmt.Errorf("store: scheduler_locks_reachable: %w", err)
	}
	return nil
}
