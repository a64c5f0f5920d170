// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

const nurtureColumns = `batch_id, group_title, status, lease_owner, lease_until, heartbeat_at, run_attempt, run_last_error, created_at, updated_at`

func scanNurture(row scanner) (*model.NurtureBatch, error) {
	var b model.NurtureBatch
	var leaseOwner, runLastError sql.NullString
	var leaseUntil, heartbeatAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&b.BatchID, &b.GroupTitle, &b.Status, &leaseOwner, &leaseUntil, &heartbeatAt, &b.RunAttempt, &runLastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.LeaseOwner = ptrStr(leaseOwner)
	b.LeaseUntil = ptrTime(leaseUntil)
	b.HeartbeatAt = ptrTime(heartbeatAt)
	b.RunLastError = ptrStr(runLastError)
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updatedAt)
	return &b, nil
}

// CreateNurtureBatch inserts a NurtureBatch row — identical shape to
// CreateJob (spec §4.1: "Identical shape exists for NurtureBatch rows").
func (s *Store) CreateNurtureBatch(ctx context.Context, groupTitle string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sora_nurture_batches (group_title, status, run_attempt, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`,
		groupTitle, string(model.StatusQueued), toUnix(now), toUnix(now),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create_nurture_batch: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNextNurtureBatch mirrors ClaimNextJob for NurtureBatch rows.
func (s *Store) ClaimNextNurtureBatch(ctx context.Context, owner string, leaseSeconds int) (*model.NurtureBatch, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return nil, fmt.Errorf("store: claim_next_nurture_batch: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	now := time.Now().UTC()
	var batchID int64
	err = conn.QueryRowContext(ctx, `
		SELECT batch_id FROM sora_nurture_batches
		WHERE status = ? AND (lease_until IS NULL OR lease_until < ?)
		ORDER BY batch_id ASC LIMIT 1`,
		string(model.StatusQueued), toUnix(now),
	).Scan(&batchID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim_next_nurture_batch: select: %w", err)
	}

	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	if _, err := conn.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET
			status = ?, lease_owner = ?, lease_until = ?, heartbeat_at = ?,
			run_attempt = run_attempt + 1, run_last_error = NULL, updated_at = ?
		WHERE batch_id = ?`,
		string(model.StatusRunning), owner, toUnix(leaseUntil), toUnix(now), toUnix(now), batchID,
	); err != nil {
		return nil, fmt.Errorf("store: claim_next_nurture_batch: update: %w", err)
	}

	row := conn.QueryRowContext(ctx, `SELECT `+nurtureColumns+` FROM sora_nurture_batches WHERE batch_id = ?`, batchID)
	batch, err := scanNurture(row)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, err
	}
	committed = true
	return batch, nil
}

func (s *Store) HeartbeatNurtureBatch(ctx context.Context, batchID int64, owner string, leaseSeconds int) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET lease_until = ?, heartbeat_at = ?, updated_at = ?
		WHERE batch_id = ? AND lease_owner = ?`,
		toUnix(leaseUntil), toUnix(now), toUnix(now), batchID, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ClearNurtureLease(ctx context.Context, batchID int64, owner string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE batch_id = ? AND lease_owner = ?`,
		toUnix(time.Now().UTC()), batchID, owner,
	)
	return err
}

func (s *Store) RequeueStaleNurtureBatches(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET
			status = ?, lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			run_last_error = 'worker lease expired', updated_at = ?
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?`,
		string(model.StatusQueued), toUnix(now), string(model.StatusRunning), toUnix(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpdateNurtureBatch mirrors UpdateJob's closure-based read-modify-write for
// NurtureBatch rows (spec §4.1: "identical shape exists for NurtureBatch
// rows").
func (s *Store) UpdateNurtureBatch(ctx context.Context, batchID int64, fn func(*model.NurtureBatch) error) (*model.NurtureBatch, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+nurtureColumns+` FROM sora_nurture_batches WHERE batch_id = ?`, batchID)
	batch, err := scanNurture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(batch); err != nil {
		return nil, err
	}
	batch.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET status = ?, run_last_error = ?, updated_at = ?
		WHERE batch_id = ?`,
		string(batch.Status), nullStr(batch.RunLastError), toUnix(batch.UpdatedAt), batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update_nurture_batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Store) GetNurtureBatch(ctx context.Context, batchID int64) (*model.NurtureBatch, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+nurtureColumns+` FROM sora_nurture_batches WHERE batch_id = ?`, batchID)
	batch, err := scanNurture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return batch, err
}
