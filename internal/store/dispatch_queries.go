// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// RecentFailedJobEvents returns failed JobEvents (EventLog rows with
// source=task, resource_type=sora_job, level=ERROR) for jobs that ran on
// profileID within lookback, newest first. Feeds the Dispatcher's quality
// scoring pass (spec §4.2).
func (s *Store) RecentFailedJobEvents(ctx context.Context, profileID string, lookback time.Duration) ([]model.EventLog, error) {
	since := time.Now().UTC().Add(-lookback)
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+eventLogColumns+`
		FROM event_logs e
		INNER JOIN sora_jobs j ON j.job_id = CAST(e.resource_id AS INTEGER)
		WHERE e.source = ? AND e.resource_type = ? AND e.level = ?
			AND j.profile_id = ? AND e.created_at >= ?
		ORDER BY e.created_at DESC`,
		string(model.SourceTask), "sora_job", string(model.LevelError), profileID, toUnix(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventLog
	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ActiveJobCount returns the number of jobs currently status=running on
// profileID, used for the active_load_penalty term (spec §4.2).
func (s *Store) ActiveJobCount(ctx context.Context, profileID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sora_jobs WHERE profile_id = ? AND status = ?`,
		profileID, string(model.StatusRunning),
	).Scan(&n)
	return n, err
}

// RetryChainProfiles returns every profile_id already tried within the retry
// chain rooted at rootJobID, so the Dispatcher can exclude them on a retry
// (spec §4.2: "exclude every profile already tried in this retry chain").
func (s *Store) RetryChainProfiles(ctx context.Context, rootJobID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT profile_id FROM sora_jobs
		WHERE root_job_id = ? AND profile_id IS NOT NULL`,
		rootJobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
