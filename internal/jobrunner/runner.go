// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package jobrunner executes a single claimed Job through its phase state
// machine (spec §4.3): dispatch → submit → progress → publish → watermark →
// done, with transport failover and cooperative cancellation. Run returns
// once the job reaches a terminal status; WorkerPool owns the surrounding
// heartbeat and lease-clear lifecycle (spec §4.4).
package jobrunner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soraflow/dispatcher/internal/dispatch"
	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/dispatcherrors"
	"github.com/soraflow/dispatcher/internal/lifecycle"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
)

var tracer = otel.Tracer("github.com/soraflow/dispatcher/internal/jobrunner")

// Store is the narrow Job read/write surface JobRunner needs.
type Store interface {
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	UpdateJob(ctx context.Context, jobID int64, fn func(*model.Job) error) (*model.Job, error)
	CreateJob(ctx context.Context, spec model.JobSpec) (int64, error)
	IsJobCanceled(ctx context.Context, jobID int64) (bool, error)
	CreateEventLog(ctx context.Context, spec model.EventLogSpec, maskMode string, retain store.RetentionConfig) (*model.EventLog, error)
	RecordProxyCFEvent(ctx context.Context, profileID string, jobID *int64) error
	ProxyCFRecentRatio(ctx context.Context, profileID string, lookback time.Duration) (float64, error)
}

// Dispatcher is the profile-selection seam (internal/dispatch.Dispatcher).
type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.Job, cfg model.AccountDispatchSettings) (*dispatch.Decision, error)
}

// QuotaObserver is the live-observation seam into internal/quota.Tracker (spec
// §4.6 point 2): when a poll response incidentally carries a quota reading,
// JobRunner pushes it here instead of discarding it, so the same quota view
// the scan schedulers feed also gets updated between scans.
type QuotaObserver interface {
	ObserveLive(ctx context.Context, groupTitle string, obs model.ScanResult) error
}

type noopQuotaObserver struct{}

func (noopQuotaObserver) ObserveLive(context.Context, string, model.ScanResult) error { return nil }

// Config bundles the settings JobRunner needs per run; Provider returns a
// fresh snapshot so a long-lived Runner always sees the latest SystemSettings
// overlay (spec §9: "the core never inspects the blob directly").
type Config struct {
	Dispatch    model.AccountDispatchSettings
	Sora        model.SoraSettings
	Watermark   model.WatermarkSettings
	LogMaskMode string
	Retention   store.RetentionConfig

	// CFChallengeRatioThreshold is the cf_recent_ratio above which the
	// proxied-API transport is considered compromised for a profile even
	// without an explicit challenge marker on this response (spec §4.3).
	CFChallengeRatioThreshold float64
	CFRatioLookback           time.Duration
}

type ConfigProvider func() Config

// Runner executes one Job at a time; it holds no per-job state between Run
// calls so a single Runner can serve a WorkerPool's whole job loop.
type Runner struct {
	store      Store
	dispatcher Dispatcher
	browser    upstream.BrowserSession
	client     upstream.UpstreamClient
	watermark  upstream.WatermarkRewriter
	quota      QuotaObserver
	cfg        ConfigProvider
}

func New(st Store, dispatcher Dispatcher, browser upstream.BrowserSession, client upstream.UpstreamClient, watermark upstream.WatermarkRewriter, cfg ConfigProvider) *Runner {
	return &Runner{store: st, dispatcher: dispatcher, browser: browser, client: client, watermark: watermark, quota: noopQuotaObserver{}, cfg: cfg}
}

// WithQuota attaches a live QuotaTracker so the progress phase can push
// in-poll quota readings into it (spec §4.6 point 2). Optional: a Runner
// built without it keeps the no-op observer New installs.
func (r *Runner) WithQuota(q QuotaObserver) *Runner {
	if q != nil {
		r.quota = q
	}
	return r
}

// transportMode tracks which poll strategy the progress phase is currently
// using; it starts proxied-API and can permanently switch in-browser for the
// rest of this Run call (spec §4.3: "permanently for this job").
type transportMode int

const (
	transportProxiedAPI transportMode = iota
	transportInBrowser
)

// Run drives jobID through its phase state machine until it reaches a
// terminal status, per spec §4.3's contract ("return only when the job has
// reached a terminal status").
func (r *Runner) Run(ctx context.Context, jobID int64) error {
	transport := transportProxiedAPI
	var handle string
	defer func() {
		if handle != "" {
			_ = r.browser.Close(context.Background(), handle)
		}
	}()

	for {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("jobrunner: get job %d: %w", jobID, err)
		}
		if job.Status.IsTerminal() {
			return nil
		}

		var result dispatcherrors.PhaseResult
		var ev lifecycle.Event

		phaseCtx, span := tracer.Start(ctx, "jobrunner.phase."+string(job.Phase),
			trace.WithAttributes(
				attribute.Int64("job_id", jobID),
				attribute.String("phase", string(job.Phase)),
			))

		switch job.Phase {
		case model.PhaseQueue:
			result, ev = r.runDispatch(phaseCtx, job)
		case model.PhaseSubmit:
			result, ev, handle = r.runSubmit(phaseCtx, job, handle)
		case model.PhaseProgress:
			result, ev, transport, handle = r.runProgress(phaseCtx, job, handle, transport)
		case model.PhasePublish:
			result, ev = r.runPublish(phaseCtx, job, handle)
		case model.PhaseWatermark:
			result, ev = r.runWatermark(phaseCtx, job)
		default:
			span.End()
			return fmt.Errorf("jobrunner: job %d in unknown phase %q", jobID, job.Phase)
		}

		span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
		if result.Outcome == dispatcherrors.OutcomePhaseFailed || result.Outcome == dispatcherrors.OutcomeOverloadRetry {
			span.SetStatus(codes.Error, ev.Detail)
		}
		span.End()

		if result.Outcome == dispatcherrors.OutcomeLeaseLost {
			// The losing runner makes no status change (spec §7): it simply
			// stops, leaving the sweeper to requeue.
			return nil
		}

		if err := r.applyTransition(ctx, job, ev); err != nil {
			return fmt.Errorf("jobrunner: apply transition for job %d: %w", jobID, err)
		}

		if result.Outcome == dispatcherrors.OutcomeOverloadRetry {
			if err := r.spawnHeavyLoadRetry(ctx, job); err != nil {
				dispatcherlog.L().Error().Err(err).Int64("job_id", jobID).Msg("jobrunner: failed to spawn heavy-load retry row")
			}
			return nil
		}

		if result.Outcome == dispatcherrors.OutcomeCanceled || ev.Kind == lifecycle.EvCancel {
			return nil
		}
		if result.Outcome == dispatcherrors.OutcomePhaseFailed {
			return nil
		}
		if job.Phase == model.PhaseWatermark && ev.Kind == lifecycle.EvWatermarkDone {
			return nil
		}

		if job.Phase == model.PhaseProgress && ev.Kind == lifecycle.EvUnknown {
			// Still polling: wait one interval before the next cycle (spec
			// §4.3: "polls task status every generate_poll_interval_sec").
			interval := time.Duration(r.cfg().Sora.GeneratePollIntervalSec) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		// otherwise loop: re-read the row (now advanced) and run the next phase
	}
}

// applyTransition resolves ev against the current (phase, status), persists
// the new phase/status via UpdateJob, and appends the accompanying JobEvent
// — spec §4.3's "every transition goes through an event append; no silent
// status change".
func (r *Runner) applyTransition(ctx context.Context, job *model.Job, ev lifecycle.Event) error {
	if ev.Kind == lifecycle.EvUnknown {
		return nil // a phase body that made no transition this tick (e.g. still polling)
	}

	transition, err := lifecycle.Dispatch(job.Phase, job.Status, ev)
	if err != nil {
		return err
	}

	_, err = r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.Phase = transition.NextPhase
		j.Status = transition.NextStatus
		if ev.Kind != lifecycle.EvUnknown {
			j.RunLastError = nonEmptyOrNil(ev.Detail)
		}
		return nil
	})
	if err != nil {
		return err
	}

	cfg := r.cfg()
	level := model.LevelInfo
	if transition.Terminal && transition.NextStatus == model.StatusFailed {
		level = model.LevelError
	}
	_, err = r.store.CreateEventLog(ctx, model.EventLogSpec{
		Source:       model.SourceTask,
		Action:       "job.transition",
		Status:       string(transition.NextStatus),
		Level:        level,
		Phase:        transition.NextPhase,
		ResourceType: "sora_job",
		ResourceID:   fmt.Sprintf("%d", job.JobID),
		ErrorCode:    string(transition.Reason),
		Message:      transition.Detail,
	}, cfg.LogMaskMode, cfg.Retention)
	return err
}

func nonEmptyOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// spawnHeavyLoadRetry creates a new Job row chained via retry_root_job_id
// when submit observed an upstream overload marker (spec §4.3, §9 Open
// Question: "new row per retry, original row's terminal status set").
func (r *Runner) spawnHeavyLoadRetry(ctx context.Context, job *model.Job) error {
	cfg := r.cfg()
	nextIndex := job.RetryIndex + 1
	if nextIndex > cfg.Sora.HeavyLoadRetryMaxAttempts {
		dispatcherlog.L().Warn().Int64("job_id", job.JobID).Msg("jobrunner: heavy-load retry budget exhausted, leaving job failed")
		return nil
	}

	rootID := job.RootJobID
	if rootID == 0 {
		rootID = job.JobID
	}

	_, err := r.store.CreateJob(ctx, model.JobSpec{
		Prompt:         job.Prompt,
		ImageURL:       job.ImageURL,
		Duration:       job.Duration,
		AspectRatio:    job.AspectRatio,
		GroupTitle:     job.GroupTitle,
		Operator:       job.Operator,
		RetryOfJobID:   &job.JobID,
		RetryRootJobID: rootID,
		RetryIndex:     nextIndex,
	})
	return err
}
