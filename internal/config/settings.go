// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"encoding/json"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// SettingsStore is the persistence seam config needs from internal/store,
// kept as a narrow interface here so config never imports store directly
// (store has no reason to know about config's overlay/snapshot concerns).
type SettingsStore interface {
	GetSystemSettingsRow(ctx context.Context) (payload []byte, updatedAt *time.Time, err error)
	UpsertSystemSettingsRow(ctx context.Context, payload []byte) error
	GetScanSchedulerSettingsRow(ctx context.Context) (payload []byte, updatedAt *time.Time, err error)
	UpsertScanSchedulerSettingsRow(ctx context.Context, payload []byte) error
	GetWatermarkSettingsRow(ctx context.Context) (payload []byte, updatedAt *time.Time, err error)
	UpsertWatermarkSettingsRow(ctx context.Context, payload []byte) error
}

// Overlay manages the deep-merge-over-defaults settings envelopes, grounded
// on original_source/app/services/system_settings.py's
// default_*/load_*/get_*_envelope/update_* functions.
type Overlay struct {
	store    SettingsStore
	defaults func() model.SystemSettings
}

func NewOverlay(store SettingsStore, env Env) *Overlay {
	return &Overlay{
		store: store,
		defaults: func() model.SystemSettings {
			return defaultSystemSettings(env)
		},
	}
}

func defaultSystemSettings(env Env) model.SystemSettings {
	return model.SystemSettings{
		Sora: model.SoraSettings{
			JobMaxConcurrency:          4,
			GeneratePollIntervalSec:    5,
			GenerateMaxMinutes:         10,
			DraftWaitTimeoutMinutes:    8,
			DraftManualPollIntervalMin: 2,
			DefaultGroupTitle:          "Sora",
			DefaultDuration:            model.Duration10s,
			DefaultAspectRatio:         model.AspectLandscape,
			HeavyLoadRetryMaxAttempts:  3,
			PublishRetryMax:            5,
			RequestTimeoutMs:           10_000,
		},
		Scan: model.ScanSettings{
			HistoryLimit:      256,
			DefaultGroupTitle: "Sora",
		},
		Logging: model.LoggingSettings{
			LogLevel:                   env.LogLevel,
			LogFile:                    env.LogFile,
			AuditLogRetentionDays:      90,
			AuditLogCleanupIntervalSec: 3600,
			EventLogRetentionDays:      30,
			EventLogMaxMB:              512,
			EventLogCleanupIntervalSec: 300,
			LogMaskMode:                "basic",
		},
		Auth: model.AuthSettings{
			Algorithm:                "HS256",
			AccessTokenExpireMinutes: 60,
		},
		Server: model.ServerSettings{
			AppName: "dispatcherd",
			Host:    env.Host,
			Port:    env.Port,
		},
	}
}

// Load returns the merged SystemSettings: defaults overlaid with whatever is
// persisted, falling back to pure defaults if the stored JSON is absent or
// unparseable (mirrors load_system_settings's try/except fallback).
func (o *Overlay) Load(ctx context.Context) (model.SystemSettings, error) {
	defaults := o.defaults()
	raw, _, err := o.store.GetSystemSettingsRow(ctx)
	if err != nil {
		return model.SystemSettings{}, err
	}
	if len(raw) == 0 {
		return defaults, nil
	}
	merged := defaults
	var override model.SystemSettings
	if err := json.Unmarshal(raw, &override); err != nil {
		return defaults, nil
	}
	deepMergeSystemSettings(&merged, override)
	return merged, nil
}

// deepMergeSystemSettings overlays override onto base one field group at a
// time: a group whose key field (Sora.JobMaxConcurrency, Scan.HistoryLimit,
// Logging.LogLevel, Auth.Algorithm, Server.AppName) is non-zero in override
// replaces base's group as a whole, zero-valued fields included; any other
// group keeps base's values. Each group is merged explicitly (Go has no
// generic deep-merge-by-reflection without a dependency no pack repo offers
// for this shape — still small, since the envelope has five groups).
func deepMergeSystemSettings(base *model.SystemSettings, override model.SystemSettings) {
	if override.Sora.JobMaxConcurrency != 0 {
		base.Sora = override.Sora
	}
	if override.Scan.HistoryLimit != 0 {
		base.Scan = override.Scan
	}
	if override.Logging.LogLevel != "" {
		base.Logging = override.Logging
	}
	if override.Auth.Algorithm != "" {
		base.Auth = override.Auth
	}
	if override.Server.AppName != "" {
		base.Server = override.Server
	}
}

// Envelope returns the GET response shape, masking the secret key (spec §6).
func (o *Overlay) Envelope(ctx context.Context, maskSensitive bool) (model.SystemSettingsEnvelope, error) {
	defaults := o.defaults()
	if maskSensitive {
		defaults.Auth.SecretKey = nil
	}
	data, err := o.Load(ctx)
	if err != nil {
		return model.SystemSettingsEnvelope{}, err
	}
	if maskSensitive {
		data.Auth.SecretKey = nil
	}
	_, updatedAt, err := o.store.GetSystemSettingsRow(ctx)
	if err != nil {
		return model.SystemSettingsEnvelope{}, err
	}
	return model.SystemSettingsEnvelope{
		Data:            data,
		Defaults:        defaults,
		UpdatedAt:       updatedAt,
		RequiresRestart: model.RequiresRestartFields,
	}, nil
}

// Update persists payload (preserving the existing secret key when the
// caller submits an empty one, matching _normalize_secret's behaviour) and
// returns the refreshed masked envelope.
func (o *Overlay) Update(ctx context.Context, payload model.SystemSettings) (model.SystemSettingsEnvelope, error) {
	existing, err := o.Load(ctx)
	if err != nil {
		return model.SystemSettingsEnvelope{}, err
	}
	if payload.Auth.SecretKey == nil || *payload.Auth.SecretKey == "" {
		payload.Auth.SecretKey = existing.Auth.SecretKey
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.SystemSettingsEnvelope{}, err
	}
	if err := o.store.UpsertSystemSettingsRow(ctx, raw); err != nil {
		return model.SystemSettingsEnvelope{}, err
	}
	return o.Envelope(ctx, true)
}

// ScanSchedulerEnvelope/UpdateScanScheduler mirror Envelope/Update for the
// narrower ScanSchedulerSettings surface (spec §6).
func (o *Overlay) ScanSchedulerEnvelope(ctx context.Context) (model.ScanSchedulerEnvelope, error) {
	defaults := model.ScanSchedulerSettings{Enabled: false, Times: nil, Timezone: "UTC"}
	raw, updatedAt, err := o.store.GetScanSchedulerSettingsRow(ctx)
	if err != nil {
		return model.ScanSchedulerEnvelope{}, err
	}
	data := defaults
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	return model.ScanSchedulerEnvelope{Data: data, Defaults: defaults, UpdatedAt: updatedAt}, nil
}

func (o *Overlay) UpdateScanScheduler(ctx context.Context, payload model.ScanSchedulerSettings) (model.ScanSchedulerEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.ScanSchedulerEnvelope{}, err
	}
	if err := o.store.UpsertScanSchedulerSettingsRow(ctx, raw); err != nil {
		return model.ScanSchedulerEnvelope{}, err
	}
	return o.ScanSchedulerEnvelope(ctx)
}

// WatermarkEnvelope/UpdateWatermark mirror the same pattern for
// WatermarkSettings (spec §6).
func (o *Overlay) WatermarkEnvelope(ctx context.Context) (model.WatermarkSettingsEnvelope, error) {
	defaults := model.WatermarkSettings{Enabled: false, Provider: "noop", FallbackOnFailure: false}
	raw, updatedAt, err := o.store.GetWatermarkSettingsRow(ctx)
	if err != nil {
		return model.WatermarkSettingsEnvelope{}, err
	}
	data := defaults
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	return model.WatermarkSettingsEnvelope{Data: data, Defaults: defaults, UpdatedAt: updatedAt}, nil
}

func (o *Overlay) UpdateWatermark(ctx context.Context, payload model.WatermarkSettings) (model.WatermarkSettingsEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.WatermarkSettingsEnvelope{}, err
	}
	if err := o.store.UpsertWatermarkSettingsRow(ctx, raw); err != nil {
		return model.WatermarkSettingsEnvelope{}, err
	}
	return o.WatermarkEnvelope(ctx)
}
