// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireSchedulerLock is a single-row upsert that succeeds iff no
// non-expired lock for key exists (spec §4.1, §8 property 7: "returns true
// for exactly one caller per lock-key per TTL window"). Executes under
// BEGIN IMMEDIATE per spec §5 to serialise concurrent schedulers.
func (s *Store) TryAcquireSchedulerLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return false, fmt.Errorf("store: try_acquire_scheduler_lock: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	now := time.Now().UTC()
	var lockedUntil int64
	err = conn.QueryRowContext(ctx, `SELECT locked_until FROM scheduler_locks WHERE lock_key = ?`, key).Scan(&lockedUntil)
	switch {
	case err == nil:
		if lockedUntil >= toUnix(now) {
			return false, nil // still held by someone else (or ourselves from a prior tick)
		}
		if _, err := conn.ExecContext(ctx, `UPDATE scheduler_locks SET owner = ?, locked_until = ? WHERE lock_key = ?`,
			owner, toUnix(now.Add(ttl)), key); err != nil {
			return false, fmt.Errorf("store: try_acquire_scheduler_lock: update: %w", err)
		}
	case isNoRows(err):
		if _, err := conn.ExecContext(ctx, `INSERT INTO scheduler_locks (lock_key, owner, locked_until) VALUES (?, ?, ?)`,
			key, owner, toUnix(now.Add(ttl))); err != nil {
			return false, fmt.Errorf("store: try_acquire_scheduler_lock: insert: %w", err)
		}
	default:
		return false, fmt.Errorf("store: try_acquire_scheduler_lock: select: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return false, fmt.Errorf("store: try_acquire_scheduler_lock: commit: %w", err)
	}
	committed = true
	return true, nil
}
