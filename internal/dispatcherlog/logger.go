// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package dispatcherlog wraps zerolog the way the teacher's internal/log
// package does: a single configurable base logger, component derivation, an
// audit sub-logger that bypasses level filtering, and an HTTP middleware that
// stitches in request-id/trace correlation.
package dispatcherlog

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the base logger's behaviour.
type Config struct {
	Level   string // trace|debug|info|warn|error
	Output  io.Writer
	Service string
	Version string
}

var (
	mu        sync.RWMutex
	base      zerolog.Logger
	auditBase zerolog.Logger
	buffer    *ringBuffer
)

func init() {
	Configure(Config{Level: "info", Output: os.Stdout, Service: "dispatcherd"})
}

// Configure (re)initializes the package-level loggers. Safe to call again at
// runtime when SystemSettings.logging changes (spec §9's "apply at the
// edge" principle — the core never re-derives config from the blob itself).
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	buffer = newRingBuffer(2048)
	multi := io.MultiWriter(out, buffer)

	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	// The configured level is set on base rather than globally, so that
	// auditBase can still log at info whatever that level is.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	b := zerolog.New(multi).With().
		Timestamp().
		Str("service", cfg.Service).
		Str("version", cfg.Version).
		Logger()
	base = b.Level(lvl)
	auditBase = b.Level(zerolog.InfoLevel) // audit bypasses the configured level, never the audit floor itself
}

// Base returns the root logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// L is shorthand for Base(), matching the teacher's naming.
func L() *zerolog.Logger {
	b := Base()
	return &b
}

// WithComponent derives a child logger tagged with component=name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// AuditInfo logs an audit-category event, bypassing the configured level
// filter (jobs created/canceled, settings changed, scheduler lock conflicts
// all go through here so operators never lose them to a noisy DEBUG setting).
func AuditInfo(ctx context.Context, event, msg string, fields map[string]any) {
	mu.RLock()
	logger := auditBase
	mu.RUnlock()

	ev := logger.Info().Str("component", "audit").Str("event", event)
	ev = withTrace(ctx, ev)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func withTrace(ctx context.Context, ev *zerolog.Event) *zerolog.Event {
	span := trace.SpanContextFromContext(ctx)
	if span.HasTraceID() {
		ev = ev.Str("trace_id", span.TraceID().String())
	}
	if span.HasSpanID() {
		ev = ev.Str("span_id", span.SpanID().String())
	}
	return ev
}

// WithTraceContext returns a logger enriched with the active span's
// identifiers, for call sites that want a derived *zerolog.Logger rather than
// a one-off event.
func WithTraceContext(ctx context.Context) zerolog.Logger {
	span := trace.SpanContextFromContext(ctx)
	l := Base()
	if span.HasTraceID() {
		l = l.With().Str("trace_id", span.TraceID().String()).Logger()
	}
	return l
}

// GetRecentLogs returns the most recent buffered log lines (best-effort; used
// by the admin log-stream fallback when a low-latency tail is preferred over
// a fresh SQL poll).
func GetRecentLogs() []string {
	mu.RLock()
	b := buffer
	mu.RUnlock()
	if b == nil {
		return nil
	}
	return b.Snapshot()
}

// ringBuffer is a small fixed-capacity io.Writer sink used to back
// GetRecentLogs, mirroring the teacher's structuredBufferWriter but
// simplified to raw line capture since masking/parsing is eventlog's job.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := string(p)
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
	return len(p), nil
}

func (r *ringBuffer) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, r.cap)
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// now is a seam kept for tests that want to stub timestamps without pulling
// in a clock abstraction dependency.
var now = time.Now
