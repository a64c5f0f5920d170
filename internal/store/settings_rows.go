// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetSystemSettingsRow/UpsertSystemSettingsRow and their ScanScheduler/
// Watermark counterparts implement internal/config's SettingsStore seam over
// the single-row settings tables (spec §3: "single-row configuration
// documents (opaque JSON blob)").

func (s *Store) GetSystemSettingsRow(ctx context.Context) ([]byte, *time.Time, error) {
	return s.getSettingsRow(ctx, "system_settings")
}

func (s *Store) UpsertSystemSettingsRow(ctx context.Context, payload []byte) error {
	return s.upsertSettingsRow(ctx, "system_settings", payload)
}

func (s *Store) GetScanSchedulerSettingsRow(ctx context.Context) ([]byte, *time.Time, error) {
	return s.getSettingsRow(ctx, "scan_scheduler_settings")
}

func (s *Store) UpsertScanSchedulerSettingsRow(ctx context.Context, payload []byte) error {
	return s.upsertSettingsRow(ctx, "scan_scheduler_settings", payload)
}

func (s *Store) GetWatermarkSettingsRow(ctx context.Context) ([]byte, *time.Time, error) {
	return s.getSettingsRow(ctx, "watermark_free_config")
}

func (s *Store) UpsertWatermarkSettingsRow(ctx context.Context, payload []byte) error {
	return s.upsertSettingsRow(ctx, "watermark_free_config", payload)
}

func (s *Store) getSettingsRow(ctx context.Context, table string) ([]byte, *time.Time, error) {
	var payload string
	var updatedAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json, updated_at FROM `+table+` WHERE id = 1`).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	t := fromUnix(updatedAt)
	return []byte(payload), &t, nil
}

func (s *Store) upsertSettingsRow(ctx context.Context, table string, payload []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO `+table+` (id, payload_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		string(payload), toUnix(time.Now().UTC()),
	)
	return err
}
