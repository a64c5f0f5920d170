// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// Job is a unit of "produce one video" (spec §3). Persisted in sora_jobs.
type Job struct {
	// identity
	JobID        int64  `json:"job_id"`
	RootJobID    int64  `json:"root_job_id"`
	RetryOfJobID *int64 `json:"retry_of_job_id,omitempty"`
	RetryIndex   int    `json:"retry_index"`

	// intent
	Prompt      string      `json:"prompt"`
	ImageURL    *string     `json:"image_url,omitempty"`
	Duration    Duration    `json:"duration"`
	AspectRatio AspectRatio `json:"aspect_ratio"`
	GroupTitle  string      `json:"group_title"`
	Operator    string      `json:"operator"`

	// target
	ProfileID *string `json:"profile_id,omitempty"`

	// execution
	Status          JobStatus `json:"status"`
	Phase           Phase     `json:"phase"`
	ProgressPct     int       `json:"progress_pct"`
	TaskID          *string   `json:"task_id,omitempty"`
	GenerationID    *string   `json:"generation_id,omitempty"`
	PublishURL      *string   `json:"publish_url,omitempty"`
	PublishPostID   *string   `json:"publish_post_id,omitempty"`
	PublishPermalink *string  `json:"publish_permalink,omitempty"`

	// dispatch audit
	DispatchMode          string  `json:"dispatch_mode,omitempty"`
	DispatchScore         float64 `json:"dispatch_score"`
	DispatchQuantityScore float64 `json:"dispatch_quantity_score"`
	DispatchQualityScore  float64 `json:"dispatch_quality_score"`
	DispatchReason        string  `json:"dispatch_reason,omitempty"`

	// lease
	LeaseOwner   *string    `json:"lease_owner,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	RunAttempt   int        `json:"run_attempt"`
	RunLastError *string    `json:"run_last_error,omitempty"`

	// watermark
	WatermarkStatus   WatermarkStatus `json:"watermark_status"`
	WatermarkURL      *string         `json:"watermark_url,omitempty"`
	WatermarkError    *string         `json:"watermark_error,omitempty"`
	WatermarkAttempts int             `json:"watermark_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InFlight reports the §3 invariant: a job is "in flight" iff running and its
// lease has not yet expired.
func (j *Job) InFlight(now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseUntil != nil && j.LeaseUntil.After(now)
}

// Abandoned reports the §3 invariant: running with an expired lease, which
// must be recycled by the sweeper on the next pass.
func (j *Job) Abandoned(now time.Time) bool {
	return j.Status == StatusRunning && j.LeaseUntil != nil && !j.LeaseUntil.After(now)
}

// JobSpec is the caller-supplied intent for create_job (spec §4.1, §6).
type JobSpec struct {
	ProfileID   *string
	Prompt      string
	ImageURL    *string
	Duration    Duration
	AspectRatio AspectRatio
	GroupTitle  string
	Operator    string

	// RetryOfJobID/RetryRootJobID/RetryIndex are set only when create_job is
	// used internally to spawn a retry row (spec §9 Open Question: new row
	// per retry, original row's terminal status set, otherwise unchanged).
	RetryOfJobID  *int64
	RetryRootJobID int64
	RetryIndex    int
}

// NurtureBatch mirrors Job's lease semantics for "warm up a set of profiles"
// workflows (spec §3). Out of detailed §4 scope but MUST share LeaseRegistry
// semantics, so its shape intentionally parallels Job's lease fields.
type NurtureBatch struct {
	BatchID      int64      `json:"batch_id"`
	GroupTitle   string     `json:"group_title"`
	Status       JobStatus  `json:"status"`
	LeaseOwner   *string    `json:"lease_owner,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	RunAttempt   int        `json:"run_attempt"`
	RunLastError *string    `json:"run_last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
