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

// ErrNotFound is returned when a get_* lookup finds no row.
var ErrNotFound = errors.New("store: not found")

const jobColumns = `job_id, root_job_id, retry_of_job_id, retry_index,
	prompt, image_url, duration, aspect_ratio, group_title, operator,
	profile_id, status, phase, progress_pct, task_id, generation_id,
	publish_url, publish_post_id, publish_permalink,
	dispatch_mode, dispatch_score, dispatch_quantity_score, dispatch_quality_score, dispatch_reason,
	lease_owner, lease_until, heartbeat_at, run_attempt, run_last_error,
	watermark_status, watermark_url, watermark_error, watermark_attempts,
	created_at, updated_at`

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var retryOf sql.NullInt64
	var imageURL, profileID, taskID, generationID, publishURL, publishPostID, publishPermalink sql.NullString
	var dispatchMode, dispatchReason sql.NullString
	var leaseOwner, runLastError, watermarkURL, watermarkError sql.NullString
	var leaseUntil, heartbeatAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&j.JobID, &j.RootJobID, &retryOf, &j.RetryIndex,
		&j.Prompt, &imageURL, &j.Duration, &j.AspectRatio, &j.GroupTitle, &j.Operator,
		&profileID, &j.Status, &j.Phase, &j.ProgressPct, &taskID, &generationID,
		&publishURL, &publishPostID, &publishPermalink,
		&dispatchMode, &j.DispatchScore, &j.DispatchQuantityScore, &j.DispatchQualityScore, &dispatchReason,
		&leaseOwner, &leaseUntil, &heartbeatAt, &j.RunAttempt, &runLastError,
		&j.WatermarkStatus, &watermarkURL, &watermarkError, &j.WatermarkAttempts,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.RetryOfJobID = ptrInt64(retryOf)
	j.ImageURL = ptrStr(imageURL)
	j.ProfileID = ptrStr(profileID)
	j.TaskID = ptrStr(taskID)
	j.GenerationID = ptrStr(generationID)
	j.PublishURL = ptrStr(publishURL)
	j.PublishPostID = ptrStr(publishPostID)
	j.PublishPermalink = ptrStr(publishPermalink)
	j.DispatchMode = dispatchMode.String
	j.DispatchReason = dispatchReason.String
	j.LeaseOwner = ptrStr(leaseOwner)
	j.LeaseUntil = ptrTime(leaseUntil)
	j.HeartbeatAt = ptrTime(heartbeatAt)
	j.RunLastError = ptrStr(runLastError)
	j.WatermarkURL = ptrStr(watermarkURL)
	j.WatermarkError = ptrStr(watermarkError)
	j.CreatedAt = fromUnix(createdAt)
	j.UpdatedAt = fromUnix(updatedAt)
	return &j, nil
}

// CreateJob inserts a job with status=queued, phase=queue, run_attempt=0,
// lease_* null (spec §4.1 create_job). When spec.RetryOfJobID is set, this is
// an internally-spawned retry row (spec §9 Open Question resolution: new row
// per retry, original row unchanged except its terminal status).
func (s *Store) CreateJob(ctx context.Context, spec model.JobSpec) (int64, error) {
	now := time.Now().UTC()
	rootID := spec.RetryRootJobID

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sora_jobs (
			root_job_id, retry_of_job_id, retry_index,
			prompt, image_url, duration, aspect_ratio, group_title, operator,
			profile_id, status, phase, progress_pct,
			watermark_status, run_attempt, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 'skipped', 0, ?, ?)`,
		rootID, nullInt64(spec.RetryOfJobID), spec.RetryIndex,
		spec.Prompt, nullStr(spec.ImageURL), string(spec.Duration), string(spec.AspectRatio), spec.GroupTitle, spec.Operator,
		nullStr(spec.ProfileID), string(model.StatusQueued), string(model.PhaseQueue),
		toUnix(now), toUnix(now),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create_job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if rootID == 0 {
		if _, err := s.DB.ExecContext(ctx, `UPDATE sora_jobs SET root_job_id = ? WHERE job_id = ?`, id, id); err != nil {
			return 0, fmt.Errorf("store: create_job: set root_job_id: %w", err)
		}
	}
	return id, nil
}

// ClaimNextJob atomically selects the lowest-id queued-and-claimable row and
// marks it leased to owner (spec §4.1 claim_next_job). Serialisable against
// concurrent callers via BEGIN IMMEDIATE: only one transaction can hold the
// write lock at a time, so two callers can never claim the same row (S1).
func (s *Store) ClaimNextJob(ctx context.Context, owner string, leaseSeconds int) (*model.Job, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// BEGIN IMMEDIATE acquires SQLite's write lock up front so two concurrent
	// callers serialise here rather than racing to upgrade a read lock later
	// (spec §5: claim_next_job executes under BEGIN IMMEDIATE).
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return nil, fmt.Errorf("store: claim_next_job: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	now := time.Now().UTC()
	var jobID int64
	err = conn.QueryRowContext(ctx, `
		SELECT job_id FROM sora_jobs
		WHERE status = ? AND (lease_until IS NULL OR lease_until < ?)
		ORDER BY job_id ASC LIMIT 1`,
		string(model.StatusQueued), toUnix(now),
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim_next_job: select: %w", err)
	}

	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	_, err = conn.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = ?, lease_owner = ?, lease_until = ?, heartbeat_at = ?,
			run_attempt = run_attempt + 1, run_last_error = NULL, updated_at = ?
		WHERE job_id = ?`,
		string(model.StatusRunning), owner, toUnix(leaseUntil), toUnix(now), toUnix(now), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim_next_job: update: %w", err)
	}

	row := conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sora_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, fmt.Errorf("store: claim_next_job: commit: %w", err)
	}
	committed = true
	return job, nil
}

// Heartbeat extends lease_until only if lease_owner = owner (spec §4.1
// heartbeat). Idempotent: calling it again with the same owner just re-extends.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, owner string, leaseSeconds int) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sora_jobs SET lease_until = ?, heartbeat_at = ?, updated_at = ?
		WHERE job_id = ? AND lease_owner = ?`,
		toUnix(leaseUntil), toUnix(now), toUnix(now), jobID, owner,
	)
	if err != nil {
		return false, fmt.Errorf("store: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearLease nulls lease fields iff lease_owner = owner (spec §4.1
// clear_lease). Called on every JobRunner exit path.
func (s *Store) ClearLease(ctx context.Context, jobID int64, owner string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sora_jobs SET lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE job_id = ? AND lease_owner = ?`,
		toUnix(time.Now().UTC()), jobID, owner,
	)
	if err != nil {
		return fmt.Errorf("store: clear_lease: %w", err)
	}
	return nil
}

// RequeueStaleJobs resets every running-but-expired-lease row (lease_until at
// or before now, as in model.Job.Abandoned) to queued (spec §4.1
// requeue_stale_jobs), returning the number of rows recycled (S2).
func (s *Store) RequeueStaleJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = ?, lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			run_last_error = 'worker lease expired', updated_at = ?
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?`,
		string(model.StatusQueued), toUnix(now), string(model.StatusRunning), toUnix(now),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue_stale_jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob returns one job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sora_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobFilter narrows ListJobs (spec §6: status, phase, profile_id, keyword,
// limit, group_title).
type JobFilter struct {
	Status     *model.JobStatus
	Phase      *model.Phase
	ProfileID  *string
	Keyword    *string
	GroupTitle *string
	Limit      int
}

// ListJobs returns jobs matching filter, newest id first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sora_jobs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Phase != nil {
		query += ` AND phase = ?`
		args = append(args, string(*filter.Phase))
	}
	if filter.ProfileID != nil {
		query += ` AND profile_id = ?`
		args = append(args, *filter.ProfileID)
	}
	if filter.GroupTitle != nil {
		query += ` AND group_title = ?`
		args = append(args, *filter.GroupTitle)
	}
	if filter.Keyword != nil {
		query += ` AND prompt LIKE ?`
		args = append(args, "%"+*filter.Keyword+"%")
	}
	query += ` ORDER BY job_id DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list_jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ScanJobs streams every job row through fn, mirroring the teacher's
// ScanSessions callback-iterator shape; used by the sweeper and stats code
// that must not materialize the whole table.
func (s *Store) ScanJobs(ctx context.Context, fn func(*model.Job) error) error {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM sora_jobs`)
	if err != nil {
		return fmt.Errorf("store: scan_jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpdateJob reads the current row, lets fn mutate it, and writes the full
// row back, mirroring the teacher's UpdateSession closure-based
// read-modify-write. Used by JobRunner for phase/status/progress transitions
// so every write goes through one place.
func (s *Store) UpdateJob(ctx context.Context, jobID int64, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sora_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE sora_jobs SET
			profile_id = ?, status = ?, phase = ?, progress_pct = ?, task_id = ?, generation_id = ?,
			publish_url = ?, publish_post_id = ?, publish_permalink = ?,
			dispatch_mode = ?, dispatch_score = ?, dispatch_quantity_score = ?, dispatch_quality_score = ?, dispatch_reason = ?,
			run_last_error = ?,
			watermark_status = ?, watermark_url = ?, watermark_error = ?, watermark_attempts = ?,
			updated_at = ?
		WHERE job_id = ?`,
		nullStr(job.ProfileID), string(job.Status), string(job.Phase), job.ProgressPct, nullStr(job.TaskID), nullStr(job.GenerationID),
		nullStr(job.PublishURL), nullStr(job.PublishPostID), nullStr(job.PublishPermalink),
		job.DispatchMode, job.DispatchScore, job.DispatchQuantityScore, job.DispatchQualityScore, job.DispatchReason,
		nullStr(job.RunLastError),
		string(job.WatermarkStatus), nullStr(job.WatermarkURL), nullStr(job.WatermarkError), job.WatermarkAttempts,
		toUnix(job.UpdatedAt), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update_job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob sets status=canceled if not already terminal (spec §6 cancel
// endpoint, §8 property 9: "double cancel is a no-op").
func (s *Store) CancelJob(ctx context.Context, jobID int64) error {
	_, err := s.UpdateJob(ctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = model.StatusCanceled
		return nil
	})
	return err
}

// IsJobCanceled is the cooperative-cancellation check JobRunner polls before
// every poll cycle and before every publish attempt (spec §4.3).
func (s *Store) IsJobCanceled(ctx context.Context, jobID int64) (bool, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM sora_jobs WHERE job_id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return model.JobStatus(status) == model.StatusCanceled, nil
}

// Reservations counts queued/running jobs for groupTitle that have not yet
// obtained a task_id (spec §4.6): concurrent dispatches for the same profile
// see the same reservation count, so quota cannot be double-spent.
func (s *Store) Reservations(ctx context.Context, groupTitle, profileID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sora_jobs
		WHERE group_title = ? AND profile_id = ? AND status IN (?, ?) AND (task_id IS NULL OR task_id = '')`,
		groupTitle, profileID, string(model.StatusQueued), string(model.StatusRunning),
	).Scan(&n)
	return n, err
}
