// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// RetentionConfig gates the opportunistic sweeps create_event_log runs after
// every insert (spec §4.8).
type RetentionConfig struct {
	RetentionDays        int
	AuditRetentionDays   int
	MaxMB                int
	CleanupIntervalSec   int
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:      30,
		AuditRetentionDays: 14,
		MaxMB:              512,
		CleanupIntervalSec: 300,
	}
}

var (
	lastCleanupMu sync.Mutex
	lastCleanupAt time.Time
)

var maskKeyPattern = regexp.MustCompile(`(?i)(token|authorization|secret|password|key)`)
var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]+`)

// maskValue redacts a raw string value under log_mask_mode=basic (spec §4.7).
func maskValue(mode string, s string) string {
	if mode != "basic" || s == "" {
		return s
	}
	return bearerPattern.ReplaceAllString(s, "Bearer ***")
}

// maskMetadata walks a metadata map replacing values whose key matches the
// sensitive-key pattern, and redacting bearer tokens in string leaves.
func maskMetadata(mode string, m map[string]any) map[string]any {
	if mode != "basic" || m == nil {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if maskKeyPattern.MatchString(k) {
			out[k] = "***"
			continue
		}
		switch vv := v.(type) {
		case string:
			out[k] = maskValue(mode, vv)
		case map[string]any:
			out[k] = maskMetadata(mode, vv)
		default:
			out[k] = vv
		}
	}
	return out
}

const eventLogColumns = `id, created_at, source, action, event, phase, status, level, message,
	trace_id, request_id, method, path, query_text, status_code, duration_ms, is_slow,
	operator_id, operator_name, resource_type, resource_id, error_type, error_code, metadata`

func scanEventLog(row scanner) (*model.EventLog, error) {
	var e model.EventLog
	var createdAt int64
	var event, phase, message, traceID, requestID, method, path, queryText sql.NullString
	var statusCode, durationMs sql.NullInt64
	var isSlow int
	var operatorID sql.NullInt64
	var operatorName, resourceType, resourceID, errorType, errorCode sql.NullString
	var metadataJSON sql.NullString

	if err := row.Scan(
		&e.ID, &createdAt, &e.Source, &e.Action, &event, &phase, &e.Status, &e.Level, &message,
		&traceID, &requestID, &method, &path, &queryText, &statusCode, &durationMs, &isSlow,
		&operatorID, &operatorName, &resourceType, &resourceID, &errorType, &errorCode, &metadataJSON,
	); err != nil {
		return nil, err
	}

	e.CreatedAt = fromUnix(createdAt)
	e.Event = event.String
	e.Phase = model.Phase(phase.String)
	e.Message = message.String
	e.TraceID = traceID.String
	e.RequestID = requestID.String
	e.Method = method.String
	e.Path = path.String
	e.QueryText = queryText.String
	if statusCode.Valid {
		e.StatusCode = int(statusCode.Int64)
	}
	if durationMs.Valid {
		e.DurationMs = durationMs.Int64
	}
	e.IsSlow = isSlow != 0
	e.OperatorID = ptrInt64(operatorID)
	e.OperatorName = operatorName.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.ErrorType = errorType.String
	e.ErrorCode = errorCode.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metadataJSON.String), &m); err == nil {
			e.Metadata = m
		}
	}
	return &e, nil
}

// CreateEventLog is the single durable-event entrypoint (spec §4.7): it masks
// sensitive fields per maskMode, inserts the row, and opportunistically runs
// the time/size retention sweep gated by retain.CleanupIntervalSec.
func (s *Store) CreateEventLog(ctx context.Context, spec model.EventLogSpec, maskMode string, retain RetentionConfig) (*model.EventLog, error) {
	message := maskValue(maskMode, spec.Message)
	queryText := maskValue(maskMode, spec.QueryText)
	metadata := maskMetadata(maskMode, spec.Metadata)

	var metadataJSON sql.NullString
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("store: create_event_log: marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO event_logs (
			created_at, source, action, event, phase, status, level, message,
			trace_id, request_id, method, path, query_text, status_code, duration_ms, is_slow,
			operator_id, operator_name, resource_type, resource_id, error_type, error_code, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toUnix(now), string(spec.Source), spec.Action, nullStr(strPtrOrNil(spec.Event)), nullStr(strPtrOrNil(string(spec.Phase))),
		spec.Status, string(spec.Level), nullStr(strPtrOrNil(message)),
		nullStr(strPtrOrNil(spec.TraceID)), nullStr(strPtrOrNil(spec.RequestID)),
		nullStr(strPtrOrNil(spec.Method)), nullStr(strPtrOrNil(spec.Path)), nullStr(strPtrOrNil(queryText)),
		nullIntOrNil(spec.StatusCode), nullDurationOrNil(spec.DurationMs), boolToInt(spec.IsSlow),
		nullInt64(spec.OperatorID), nullStr(strPtrOrNil(spec.OperatorName)),
		nullStr(strPtrOrNil(spec.ResourceType)), nullStr(strPtrOrNil(spec.ResourceID)),
		nullStr(strPtrOrNil(spec.ErrorType)), nullStr(strPtrOrNil(spec.ErrorCode)), metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create_event_log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	s.maybeRunRetention(ctx, retain)

	return s.GetEventLog(ctx, id)
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIntOrNil(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullDurationOrNil(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) GetEventLog(ctx context.Context, id int64) (*model.EventLog, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+eventLogColumns+` FROM event_logs WHERE id = ?`, id)
	return scanEventLog(row)
}

// maybeRunRetention enforces the at-most-every-CleanupIntervalSec gate (spec
// §4.8) with an in-process timestamp; multi-process deployments simply each
// run their own gate, which is harmless since the deletes are idempotent.
func (s *Store) maybeRunRetention(ctx context.Context, retain RetentionConfig) {
	lastCleanupMu.Lock()
	now := time.Now().UTC()
	if !lastCleanupAt.IsZero() && now.Sub(lastCleanupAt) < time.Duration(retain.CleanupIntervalSec)*time.Second {
		lastCleanupMu.Unlock()
		return
	}
	lastCleanupAt = now
	lastCleanupMu.Unlock()

	if err := s.runRetentionSweep(ctx, retain); err != nil {
		// Retention failures are non-fatal to the write path that triggered
		// them; the next insert's gate will retry.
		_ = err
	}
}

func (s *Store) runRetentionSweep(ctx context.Context, retain RetentionConfig) error {
	now := time.Now().UTC()

	cutoff := now.AddDate(0, 0, -retain.RetentionDays)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM event_logs WHERE created_at < ? AND source != ?`,
		toUnix(cutoff), string(model.SourceAudit)); err != nil {
		return fmt.Errorf("time retention: %w", err)
	}

	auditCutoff := now.AddDate(0, 0, -retain.AuditRetentionDays)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM event_logs WHERE created_at < ? AND source = ?`,
		toUnix(auditCutoff), string(model.SourceAudit)); err != nil {
		return fmt.Errorf("audit time retention: %w", err)
	}

	budget := int64(retain.MaxMB) * 1_048_576
	for i := 0; i < 64; i++ { // hard cap: never loop forever on a pathological estimate
		size, err := s.estimateEventLogSize(ctx)
		if err != nil {
			return fmt.Errorf("size estimate: %w", err)
		}
		if size <= budget {
			return nil
		}
		res, err := s.DB.ExecContext(ctx, `
			DELETE FROM event_logs WHERE id IN (
				SELECT id FROM event_logs ORDER BY created_at ASC LIMIT 500
			)`)
		if err != nil {
			return fmt.Errorf("size retention delete: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
	}
	return nil
}

// estimateEventLogSize approximates the table's on-disk footprint as the sum
// of LENGTH(...) over the variable-width text columns plus a fixed per-row
// overhead for the integer/flag columns (spec §4.8).
func (s *Store) estimateEventLogSize(ctx context.Context) (int64, error) {
	const perRowOverhead = 96
	var textBytes sql.NullInt64
	var rowCount int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(
				LENGTH(source) + LENGTH(action) + LENGTH(COALESCE(event,'')) + LENGTH(COALESCE(phase,'')) +
				LENGTH(status) + LENGTH(level) + LENGTH(COALESCE(message,'')) + LENGTH(COALESCE(trace_id,'')) +
				LENGTH(COALESCE(request_id,'')) + LENGTH(COALESCE(method,'')) + LENGTH(COALESCE(path,'')) +
				LENGTH(COALESCE(query_text,'')) + LENGTH(COALESCE(operator_name,'')) +
				LENGTH(COALESCE(resource_type,'')) + LENGTH(COALESCE(resource_id,'')) +
				LENGTH(COALESCE(error_type,'')) + LENGTH(COALESCE(error_code,'')) + LENGTH(COALESCE(metadata,''))
			), 0)
		FROM event_logs`).Scan(&rowCount, &textBytes)
	if err != nil {
		return 0, err
	}
	return textBytes.Int64 + rowCount*perRowOverhead, nil
}

// ListEventLogs applies EventLogFilter and paginates by descending id using
// the cursor as the last-seen id (spec §4.7).
func (s *Store) ListEventLogs(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any

	if filter.Source != nil {
		where = append(where, "source = ?")
		args = append(args, string(*filter.Source))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Level != nil {
		where = append(where, "level = ?")
		args = append(args, string(*filter.Level))
	}
	if filter.Action != nil {
		where = append(where, "action = ?")
		args = append(args, *filter.Action)
	}
	if filter.Path != nil {
		where = append(where, "path = ?")
		args = append(args, *filter.Path)
	}
	if filter.TraceID != nil {
		where = append(where, "trace_id = ?")
		args = append(args, *filter.TraceID)
	}
	if filter.RequestID != nil {
		where = append(where, "request_id = ?")
		args = append(args, *filter.RequestID)
	}
	if filter.Operator != nil {
		where = append(where, "operator_name = ?")
		args = append(args, *filter.Operator)
	}
	if filter.ResourceType != nil {
		where = append(where, "resource_type = ?")
		args = append(args, *filter.ResourceType)
	}
	if filter.ResourceID != nil {
		where = append(where, "resource_id = ?")
		args = append(args, *filter.ResourceID)
	}
	if filter.Keyword != nil && *filter.Keyword != "" {
		where = append(where, "(message LIKE ? OR action LIKE ? OR query_text LIKE ?)")
		like := "%" + *filter.Keyword + "%"
		args = append(args, like, like, like)
	}
	if filter.StartAt != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toUnix(*filter.StartAt))
	}
	if filter.EndAt != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toUnix(*filter.EndAt))
	}
	if filter.SlowOnly {
		where = append(where, "is_slow = 1")
	}
	if filter.Cursor != nil {
		where = append(where, "id < ?")
		args = append(args, *filter.Cursor)
	}

	query := `SELECT ` + eventLogColumns + ` FROM event_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list_event_logs: %w", err)
	}
	defer rows.Close()

	var items []model.EventLog
	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &model.EventLogPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		next := page.Items[len(page.Items)-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

// ListEventLogsSince serves the SSE stream: every row with id > afterID, in
// ascending order (spec §4.7).
func (s *Store) ListEventLogsSince(ctx context.Context, afterID int64, limit int) ([]model.EventLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+eventLogColumns+` FROM event_logs WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit,
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

// EventLogStats computes the admin dashboard aggregate entirely server-side
// (spec §4.7).
func (s *Store) EventLogStats(ctx context.Context, since time.Time) (*model.EventLogStats, error) {
	stats := &model.EventLogStats{SourceDistribution: map[string]int64{}}

	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN level = 'ERROR' THEN 1 ELSE 0 END), SUM(CASE WHEN is_slow = 1 THEN 1 ELSE 0 END)
		FROM event_logs WHERE created_at >= ?`, toUnix(since),
	).Scan(&stats.TotalCount, &stats.FailedCount, &stats.SlowCount)
	if err != nil {
		return nil, fmt.Errorf("store: event_log_stats: totals: %w", err)
	}
	if stats.TotalCount > 0 {
		stats.FailureRate = float64(stats.FailedCount) / float64(stats.TotalCount)
	}

	durations, err := s.durationsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	stats.P95DurationMs = percentile(durations, 0.95)

	srcRows, err := s.DB.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM event_logs WHERE created_at >= ? GROUP BY source`, toUnix(since))
	if err != nil {
		return nil, err
	}
	for srcRows.Next() {
		var src string
		var n int64
		if err := srcRows.Scan(&src, &n); err != nil {
			srcRows.Close()
			return nil, err
		}
		stats.SourceDistribution[src] = n
	}
	srcRows.Close()

	stats.TopActions, err = s.topCounted(ctx, `SELECT action, COUNT(*) AS c FROM event_logs WHERE created_at >= ? GROUP BY action ORDER BY c DESC LIMIT 10`, since)
	if err != nil {
		return nil, err
	}
	stats.TopFailedReasons, err = s.topCounted(ctx, `SELECT COALESCE(error_code, error_type, 'unknown') AS k, COUNT(*) AS c FROM event_logs WHERE created_at >= ? AND level = 'ERROR' GROUP BY k ORDER BY c DESC LIMIT 10`, since)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) durationsSince(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT duration_ms FROM event_logs WHERE created_at >= ? AND duration_ms IS NOT NULL ORDER BY duration_ms ASC`, toUnix(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// percentile assumes sorted is already ascending and returns the element at
// index floor(p*n), capped at the last element.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Store) topCounted(ctx context.Context, query string, since time.Time) ([]model.CountedKey, error) {
	rows, err := s.DB.QueryContext(ctx, query, toUnix(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CountedKey
	for rows.Next() {
		var ck model.CountedKey
		if err := rows.Scan(&ck.Key, &ck.Count); err != nil {
			return nil, err
		}
		out = append(out, ck)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, rows.Err()
}
