// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package upstream defines the collaborator contracts JobRunner depends on
// (spec §6): a browser-driven session, a proxied-API transport, and the
// watermark rewrite delegate. Real implementations live outside this module's
// scope (they drive an actual browser automation stack); this package owns
// only the interfaces and a deterministic in-memory fake used by tests.
package upstream

import "context"

// SubmitSpec is the caller-supplied intent for one submit call.
type SubmitSpec struct {
	Prompt      string
	ImageURL    *string
	Duration    string
	AspectRatio string
}

// SubmitResult is BrowserSession.submit's / UpstreamClient's return shape.
type SubmitResult struct {
	TaskID      string
	AccessToken string
}

// PollResult is the shared poll shape for both the in-browser and
// proxied-API transports (spec §6).
type PollResult struct {
	State        string // e.g. "queued", "running", "succeeded", "failed"
	ProgressPct  *int
	GenerationID string
	Err          error
	CFChallenge  bool

	// Quota is set when this poll incidentally surfaced a fresh quota reading
	// (the browser page or proxied-API response embeds remaining/total counts
	// alongside task status). Nil when the poll carried no such reading (spec
	// §4.6 point 2: "live observations").
	Quota *QuotaObservation
}

// QuotaObservation is one profile's quota reading captured outside a
// scheduled session scan.
type QuotaObservation struct {
	RemainingCount int
	TotalCount     int
	PlanType       string
}

// PublishResult is the publish call's return shape.
type PublishResult struct {
	PublishURL string
	PostID     string
	Permalink  string
	ErrorCode  string
	ErrorMsg   string
}

// BrowserSession drives an actual browser page bound to one profile. All
// operations are blocking and should observe ctx cancellation.
type BrowserSession interface {
	Open(ctx context.Context, profileID string) (handle string, err error)
	Close(ctx context.Context, handle string) error
	Submit(ctx context.Context, handle string, spec SubmitSpec) (SubmitResult, error)
	Poll(ctx context.Context, handle, taskID, accessToken string, wantDrafts bool) (PollResult, error)
	Publish(ctx context.Context, handle, generationID, caption string) (PublishResult, error)
}

// UpstreamClient is the proxied-API transport: same poll/publish shape as
// BrowserSession but issued over HTTP through the profile's proxy, without a
// live browser page (spec §4.3's "proxied-API" strategy).
type UpstreamClient interface {
	Poll(ctx context.Context, profileID, taskID, accessToken string, wantDrafts bool) (PollResult, error)
	Publish(ctx context.Context, profileID, generationID, caption string) (PublishResult, error)
}

// WatermarkRewriter delegates the optional watermark-free rewrite step (spec
// §4.3 publish/watermark phase).
type WatermarkRewriter interface {
	Rewrite(ctx context.Context, publishURL string) (outputURL string, err error)
}

// SessionScanner performs a full session scan pass across a group of
// profiles, feeding ixbrowser_scan_runs/ixbrowser_scan_results (spec §4.5
// ScanScheduler, §4.6 QuotaTracker).
type SessionScanner interface {
	Scan(ctx context.Context, groupTitle string) ([]ScanObservation, error)
}

// ScanObservation is one profile's result within a SessionScanner pass.
type ScanObservation struct {
	ProfileID      string
	SessionStatus  string
	RemainingCount int
	TotalCount     int
	PlanType       string
}
