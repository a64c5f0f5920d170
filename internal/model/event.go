// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// EventSource distinguishes who produced an EventLog row (spec §3).
type EventSource string

const (
	SourceAPI       EventSource = "api"
	SourceAudit     EventSource = "audit"
	SourceTask      EventSource = "task"
	SourceSystem    EventSource = "system"
	SourceIxbrowser EventSource = "ixbrowser"
)

// EventLevel is the severity of an EventLog row.
type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// EventLog is the generalised structured append record (spec §3, §4.7). A
// JobEvent is an EventLog row with Source=task and ResourceType="sora_job".
type EventLog struct {
	ID        int64       `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Source    EventSource `json:"source"`
	Action    string      `json:"action"`
	Event     string      `json:"event,omitempty"`
	Phase     Phase       `json:"phase,omitempty"`
	Status    string      `json:"status"`
	Level     EventLevel  `json:"level"`
	Message   string      `json:"message,omitempty"`

	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	QueryText  string `json:"query_text,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	IsSlow     bool   `json:"is_slow,omitempty"`

	OperatorID   *int64 `json:"operator_id,omitempty"`
	OperatorName string `json:"operator_name,omitempty"`

	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	ErrorType string `json:"error_type,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventLogSpec is the input to create_event_log (spec §4.7). Required fields
// are Source, Action, Status, Level; everything else is optional.
type EventLogSpec struct {
	Source EventSource
	Action string
	Status string
	Level  EventLevel

	Event     string
	Phase     Phase
	Message   string
	TraceID   string
	RequestID string

	Method     string
	Path       string
	QueryText  string
	StatusCode int
	DurationMs int64
	IsSlow     bool

	OperatorID   *int64
	OperatorName string

	ResourceType string
	ResourceID   string

	ErrorType string
	ErrorCode string

	Metadata map[string]any
}

// EventLogFilter narrows list_event_logs (spec §4.7).
type EventLogFilter struct {
	Source       *EventSource
	Status       *string
	Level        *EventLevel
	Keyword      *string
	Action       *string
	Path         *string
	TraceID      *string
	RequestID    *string
	Operator     *string
	StartAt      *time.Time
	EndAt        *time.Time
	SlowOnly     bool
	ResourceType *string
	ResourceID   *string

	Limit  int
	Cursor *int64 // last seen id; pagination is by descending id
}

// EventLogPage is the response shape of list_event_logs (spec §4.7).
type EventLogPage struct {
	Items      []EventLog `json:"items"`
	HasMore    bool       `json:"has_more"`
	NextCursor *int64     `json:"next_cursor,omitempty"`
}

// EventLogStats is the server-computed aggregate (spec §4.7).
type EventLogStats struct {
	TotalCount        int64          `json:"total_count"`
	FailedCount       int64          `json:"failed_count"`
	FailureRate       float64        `json:"failure_rate"`
	P95DurationMs     int64          `json:"p95_duration_ms"`
	SlowCount         int64          `json:"slow_count"`
	SourceDistribution map[string]int64 `json:"source_distribution"`
	TopActions        []CountedKey   `json:"top_actions"`
	TopFailedReasons  []CountedKey   `json:"top_failed_reasons"`
}

// CountedKey is a (key, count) pair used in ranked stat lists.
type CountedKey struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}
