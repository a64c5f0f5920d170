// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// SystemSettings is the typed round-trip of the opaque JSON settings blob
// (spec §3, §9 — "Expose a typed SystemSettings struct with a round-trip to
// the stored JSON. Validation happens at the edge; the core never inspects
// the blob directly."). Field groups mirror
// original_source/app/services/system_settings.py's defaults dict.
type SystemSettings struct {
	Sora    SoraSettings    `json:"sora" yaml:"sora"`
	Scan    ScanSettings    `json:"scan" yaml:"scan"`
	Logging LoggingSettings `json:"logging" yaml:"logging"`
	Auth    AuthSettings    `json:"auth" yaml:"auth"`
	Server  ServerSettings  `json:"server" yaml:"server"`
}

type SoraSettings struct {
	JobMaxConcurrency             int      `json:"job_max_concurrency" yaml:"job_max_concurrency"`
	GeneratePollIntervalSec       int      `json:"generate_poll_interval_sec" yaml:"generate_poll_interval_sec"`
	GenerateMaxMinutes            int      `json:"generate_max_minutes" yaml:"generate_max_minutes"`
	DraftWaitTimeoutMinutes       int      `json:"draft_wait_timeout_minutes" yaml:"draft_wait_timeout_minutes"`
	DraftManualPollIntervalMin    int      `json:"draft_manual_poll_interval_minutes" yaml:"draft_manual_poll_interval_minutes"`
	BlockedResourceTypes          []string `json:"blocked_resource_types" yaml:"blocked_resource_types"`
	DefaultGroupTitle             string   `json:"default_group_title" yaml:"default_group_title"`
	DefaultDuration               Duration `json:"default_duration" yaml:"default_duration"`
	DefaultAspectRatio            AspectRatio `json:"default_aspect_ratio" yaml:"default_aspect_ratio"`
	HeavyLoadRetryMaxAttempts     int      `json:"heavy_load_retry_max_attempts" yaml:"heavy_load_retry_max_attempts"`
	PublishRetryMax               int      `json:"publish_retry_max" yaml:"publish_retry_max"`
	RequestTimeoutMs              int      `json:"request_timeout_ms" yaml:"request_timeout_ms"`
}

type ScanSettings struct {
	HistoryLimit      int    `json:"history_limit" yaml:"history_limit"`
	DefaultGroupTitle string `json:"default_group_title" yaml:"default_group_title"`
}

type LoggingSettings struct {
	LogLevel                   string `json:"log_level" yaml:"log_level"`
	LogFile                    string `json:"log_file" yaml:"log_file"`
	AuditLogRetentionDays      int    `json:"audit_log_retention_days" yaml:"audit_log_retention_days"`
	AuditLogCleanupIntervalSec int    `json:"audit_log_cleanup_interval_sec" yaml:"audit_log_cleanup_interval_sec"`
	EventLogRetentionDays      int    `json:"event_log_retention_days" yaml:"event_log_retention_days"`
	EventLogMaxMB              int    `json:"event_log_max_mb" yaml:"event_log_max_mb"`
	EventLogCleanupIntervalSec int    `json:"event_log_cleanup_interval_sec" yaml:"event_log_cleanup_interval_sec"`
	LogMaskMode                string `json:"log_mask_mode" yaml:"log_mask_mode"` // off|basic
}

type AuthSettings struct {
	SecretKey                *string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Algorithm                string  `json:"algorithm" yaml:"algorithm"`
	AccessTokenExpireMinutes int     `json:"access_token_expire_minutes" yaml:"access_token_expire_minutes"`
}

type ServerSettings struct {
	AppName string `json:"app_name" yaml:"app_name"`
	Debug   bool   `json:"debug" yaml:"debug"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// SystemSettingsEnvelope is the GET/PUT response/request shape (spec §6).
type SystemSettingsEnvelope struct {
	Data            SystemSettings `json:"data"`
	Defaults        SystemSettings `json:"defaults"`
	UpdatedAt       *time.Time     `json:"updated_at,omitempty"`
	RequiresRestart []string       `json:"requires_restart"`
}

// RequiresRestartFields lists the SystemSettings paths that only take effect
// on process restart (mirrors original_source/app/services/
// system_settings.py's REQUIRES_RESTART_FIELDS).
var RequiresRestartFields = []string{
	"auth.secret_key",
	"auth.algorithm",
	"server.app_name",
	"server.debug",
	"server.host",
	"server.port",
	"logging.log_level",
	"logging.log_file",
}

// ScanSchedulerSettings configures ScanScheduler (spec §4.5).
type ScanSchedulerSettings struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Times    []string `json:"times" yaml:"times"` // "HH:MM" slots
	Timezone string   `json:"timezone" yaml:"timezone"`
}

// ScanSchedulerEnvelope is the GET/PUT response/request shape (spec §6).
type ScanSchedulerEnvelope struct {
	Data      ScanSchedulerSettings `json:"data"`
	Defaults  ScanSchedulerSettings `json:"defaults"`
	UpdatedAt *time.Time            `json:"updated_at,omitempty"`
}

// RecoverySettings configures RecoveryScheduler (spec §4.5), read from the
// AccountDispatch settings group per spec's own naming.
type RecoverySettings struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	AutoScanEnabled         bool   `json:"auto_scan_enabled" yaml:"auto_scan_enabled"`
	AutoScanIntervalMinutes int    `json:"auto_scan_interval_minutes" yaml:"auto_scan_interval_minutes"`
	AutoScanGroupTitle      string `json:"auto_scan_group_title" yaml:"auto_scan_group_title"`
}

// WatermarkSettings configures the optional watermark-free rewrite step
// (recovered from original_source/app/services/watermark_settings.py).
type WatermarkSettings struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Provider          string `json:"provider" yaml:"provider"`
	FallbackOnFailure bool   `json:"fallback_on_failure" yaml:"fallback_on_failure"`
}

// WatermarkSettingsEnvelope is the GET/PUT response/request shape (spec §6).
type WatermarkSettingsEnvelope struct {
	Data      WatermarkSettings `json:"data"`
	Defaults  WatermarkSettings `json:"defaults"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

// DispatchRule is one entry of quality_ignore_rules or quality_error_rules
// (spec §4.2).
type DispatchRule struct {
	PhaseMatch      Phase   `json:"phase_match,omitempty"`
	MessageContains string  `json:"message_contains,omitempty"`
	Penalty         float64 `json:"penalty,omitempty"`
	BlockDuringCooldown bool `json:"block_during_cooldown,omitempty"`
	CooldownMinutes int     `json:"cooldown_minutes,omitempty"`
}

// AccountDispatchSettings configures the Dispatcher (spec §4.2, §4.5).
type AccountDispatchSettings struct {
	QuantityWeight         float64        `json:"quantity_weight" yaml:"quantity_weight"`
	QualityWeight          float64        `json:"quality_weight" yaml:"quality_weight"`
	ActiveJobPenalty       float64        `json:"active_job_penalty" yaml:"active_job_penalty"`
	PlusBonus              float64        `json:"plus_bonus" yaml:"plus_bonus"`
	DefaultQualityScore    float64        `json:"default_quality_score" yaml:"default_quality_score"`
	DecayHalfLifeHours     float64        `json:"decay_half_life_hours" yaml:"decay_half_life_hours"`
	QualityLookback        time.Duration  `json:"quality_lookback" yaml:"quality_lookback"`
	QualityIgnoreRules     []DispatchRule `json:"quality_ignore_rules" yaml:"quality_ignore_rules"`
	QualityErrorRules      []DispatchRule `json:"quality_error_rules" yaml:"quality_error_rules"`
	DefaultErrorRule       DispatchRule   `json:"default_error_rule" yaml:"default_error_rule"`
	MinQuotaRemaining      int            `json:"min_quota_remaining" yaml:"min_quota_remaining"`
	UnknownQuotaScore      float64        `json:"unknown_quota_score" yaml:"unknown_quota_score"`
	QuotaResetGraceMinutes int            `json:"quota_reset_grace_minutes" yaml:"quota_reset_grace_minutes"`
	Recovery               RecoverySettings `json:"recovery" yaml:"recovery"`
}
