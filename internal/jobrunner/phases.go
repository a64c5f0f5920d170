// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package jobrunner

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/dispatcherrors"
	"github.com/soraflow/dispatcher/internal/lifecycle"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/upstream"
)

// publishURLPattern enforces spec §4.3's state-machine invariant: "completed
// requires a non-empty valid publish_url (matching
// sora.chatgpt.com/p/s_[a-zA-Z0-9]{8,} and containing at least one digit)".
var publishURLPattern = regexp.MustCompile(`sora\.chatgpt\.com/p/s_[a-zA-Z0-9]{8,}`)

func isValidPublishURL(u string) bool {
	if !publishURLPattern.MatchString(u) {
		return false
	}
	return strings.ContainsAny(u, "0123456789")
}

// runDispatch fires profile selection for a queue-phase job (spec §4.2).
func (r *Runner) runDispatch(ctx context.Context, job *model.Job) (dispatcherrors.PhaseResult, lifecycle.Event) {
	cfg := r.cfg()

	if canceled, _ := r.store.IsJobCanceled(ctx, job.JobID); canceled {
		return dispatcherrors.Canceled(), lifecycle.Event{Kind: lifecycle.EvCancel, Reason: model.RCanceled}
	}

	decision, err := r.dispatcher.Dispatch(ctx, job, cfg.Dispatch)
	if err != nil {
		reason, _ := dispatcherrors.ReasonOf(err)
		detail := err.Error()
		if reason == dispatcherrors.ReasonNone {
			reason = dispatcherrors.ReasonFatalInternal
		}
		return dispatcherrors.Failed(dispatcherrors.New(reason, detail, err)),
			lifecycle.Event{Kind: lifecycle.EvDispatchFail, Reason: model.RDispatchNoCandidate, Detail: detail}
	}

	if _, err := r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.ProfileID = &decision.ProfileID
		j.DispatchMode = decision.Mode
		j.DispatchScore = decision.Score
		j.DispatchQuantityScore = decision.QuantityScore
		j.DispatchQualityScore = decision.QualityScore
		j.DispatchReason = decision.Reason
		return nil
	}); err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvDispatchFail, Reason: model.RFatalInternal, Detail: err.Error()}
	}

	return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvDispatchOK, Reason: model.RNone, Detail: decision.Reason}
}

// runSubmit opens a BrowserSession on the chosen profile and issues one
// submit request (spec §4.3 submit phase).
func (r *Runner) runSubmit(ctx context.Context, job *model.Job, handle string) (dispatcherrors.PhaseResult, lifecycle.Event, string) {
	if job.ProfileID == nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "submit phase entered without a dispatched profile", nil)),
			lifecycle.Event{Kind: lifecycle.EvSubmitFail, Reason: model.RFatalInternal}, handle
	}

	var err error
	if handle == "" {
		handle, err = r.browser.Open(ctx, *job.ProfileID)
		if err != nil {
			return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, err.Error(), err)),
				lifecycle.Event{Kind: lifecycle.EvSubmitFail, Reason: model.RFatalInternal, Detail: err.Error()}, handle
		}
	}

	res, err := r.browser.Submit(ctx, handle, upstream.SubmitSpec{
		Prompt:      job.Prompt,
		ImageURL:    job.ImageURL,
		Duration:    string(job.Duration),
		AspectRatio: string(job.AspectRatio),
	})
	if err != nil {
		if dispatcherrors.IsUpstreamOverload(err) {
			return dispatcherrors.OverloadRetry(dispatcherrors.New(dispatcherrors.ReasonUpstreamOverload, err.Error(), err)),
				lifecycle.Event{Kind: lifecycle.EvSubmitHeavyLoad, Reason: model.RHeavyLoad, Detail: err.Error()}, handle
		}
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvSubmitFail, Reason: model.RFatalInternal, Detail: err.Error()}, handle
	}

	if _, err := r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.TaskID = &res.TaskID
		return nil
	}); err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvSubmitFail, Reason: model.RFatalInternal, Detail: err.Error()}, handle
	}

	return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvSubmitOK}, handle
}

// runProgress polls task status, applying the proxied-API → in-browser
// transport failover on an anti-bot challenge (spec §4.3 progress phase).
// One call runs exactly one poll cycle; the caller's Run loop re-enters this
// phase on its next iteration until a generation_id appears or it fails.
func (r *Runner) runProgress(ctx context.Context, job *model.Job, handle string, transport transportMode) (dispatcherrors.PhaseResult, lifecycle.Event, transportMode, string) {
	cfg := r.cfg()

	if canceled, _ := r.store.IsJobCanceled(ctx, job.JobID); canceled {
		return dispatcherrors.Canceled(), lifecycle.Event{Kind: lifecycle.EvCancel, Reason: model.RCanceled}, transport, handle
	}

	if job.TaskID == nil || job.ProfileID == nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "progress phase entered without task_id", nil)),
			lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal}, transport, handle
	}

	if transport == transportProxiedAPI {
		ratio, err := r.store.ProxyCFRecentRatio(ctx, *job.ProfileID, cfg.CFRatioLookback)
		if err == nil && ratio > cfg.CFChallengeRatioThreshold {
			transport = transportInBrowser
		}
	}

	var poll upstream.PollResult
	var err error
	if transport == transportProxiedAPI {
		poll, err = r.client.Poll(ctx, *job.ProfileID, *job.TaskID, "", false)
	} else {
		if handle == "" {
			handle, err = r.browser.Open(ctx, *job.ProfileID)
			if err != nil {
				return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, err.Error(), err)),
					lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal, Detail: err.Error()}, transport, handle
			}
		}
		poll, err = r.browser.Poll(ctx, handle, *job.TaskID, "", false)
	}
	if err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal, Detail: err.Error()}, transport, handle
	}

	if poll.CFChallenge {
		_ = r.store.RecordProxyCFEvent(ctx, *job.ProfileID, &job.JobID)
		if transport == transportProxiedAPI {
			// First challenge: permanently switch transport for this job and
			// retry on the next Run loop iteration (spec §4.3).
			return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvAntiBotFailover, Reason: model.RAntiBotChallenge}, transportInBrowser, handle
		}
		// Second challenge, already on in-browser: escalate to phase failure.
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonAntiBotChallenge, "anti-bot challenge persisted on in-browser transport", nil)),
			lifecycle.Event{Kind: lifecycle.EvAntiBotFatal, Reason: model.RAntiBotChallenge}, transport, handle
	}

	if poll.Err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, poll.Err.Error(), poll.Err)),
			lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal, Detail: poll.Err.Error()}, transport, handle
	}

	if poll.Quota != nil && job.ProfileID != nil {
		if err := r.quota.ObserveLive(ctx, job.GroupTitle, model.ScanResult{
			ProfileID:      *job.ProfileID,
			SessionStatus:  "active",
			RemainingCount: poll.Quota.RemainingCount,
			TotalCount:     poll.Quota.TotalCount,
			PlanType:       model.PlanType(poll.Quota.PlanType),
		}); err != nil {
			dispatcherlog.L().Warn().Err(err).Str("profile_id", *job.ProfileID).Msg("jobrunner: failed to record live quota observation")
		}
	}

	observed := job.ProgressPct
	if poll.ProgressPct != nil && *poll.ProgressPct > observed {
		observed = *poll.ProgressPct
	} else if poll.GenerationID == "" {
		// No numeric progress reported: estimate from elapsed time, capped
		// below completion (spec §4.3: "never exceeds 95% pre-completion").
		elapsed := time.Since(job.UpdatedAt)
		budget := time.Duration(cfg.Sora.GenerateMaxMinutes) * time.Minute
		if budget > 0 {
			estimate := int(95 * elapsed / budget)
			if estimate > 95 {
				estimate = 95
			}
			if estimate > observed {
				observed = estimate
			}
		}
	}

	if poll.GenerationID == "" {
		if time.Since(job.CreatedAt) > time.Duration(cfg.Sora.DraftWaitTimeoutMinutes)*time.Minute {
			return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "draft wait timeout exceeded", nil)),
				lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RDraftWaitTimeout}, transport, handle
		}
		if _, err := r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
			j.ProgressPct = observed
			return nil
		}); err != nil {
			return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, err.Error(), err)),
				lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal, Detail: err.Error()}, transport, handle
		}
		// Still polling: no phase transition yet this tick.
		return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvUnknown}, transport, handle
	}

	if _, err := r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.ProgressPct = 100
		j.GenerationID = &poll.GenerationID
		return nil
	}); err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvProgressFail, Reason: model.RFatalInternal, Detail: err.Error()}, transport, handle
	}

	return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvGenerationReady}, transport, handle
}

// publishBackoff is the bounded backoff schedule for invalid-request retries
// (spec §4.3 publish phase: "[0s, 2s, 4s, 8s, 12s]").
var publishBackoff = []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second, 12 * time.Second}

// runPublish issues the publish request, retrying on invalid-request errors
// within a bounded backoff and treating duplicate-publish as success (spec
// §4.3 publish phase).
func (r *Runner) runPublish(ctx context.Context, job *model.Job, handle string) (dispatcherrors.PhaseResult, lifecycle.Event) {
	cfg := r.cfg()

	if canceled, _ := r.store.IsJobCanceled(ctx, job.JobID); canceled {
		return dispatcherrors.Canceled(), lifecycle.Event{Kind: lifecycle.EvCancel, Reason: model.RCanceled}
	}
	if job.GenerationID == nil || job.ProfileID == nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "publish phase entered without generation_id", nil)),
			lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RFatalInternal}
	}

	max := cfg.Sora.PublishRetryMax
	if max <= 0 || max > len(publishBackoff) {
		max = len(publishBackoff)
	}

	var last upstream.PublishResult
	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, ctx.Err().Error(), ctx.Err())),
					lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RFatalInternal}
			case <-time.After(publishBackoff[attempt]):
			}
			if canceled, _ := r.store.IsJobCanceled(ctx, job.JobID); canceled {
				return dispatcherrors.Canceled(), lifecycle.Event{Kind: lifecycle.EvCancel, Reason: model.RCanceled}
			}
		}

		var err error
		if handle != "" {
			last, err = r.browser.Publish(ctx, handle, *job.GenerationID, job.Prompt)
		} else {
			last, err = r.client.Publish(ctx, *job.ProfileID, *job.GenerationID, job.Prompt)
		}
		if err != nil {
			lastErr = err
			continue
		}

		if last.ErrorCode == "duplicate" {
			// Already published: resolve from the draft record (here, the
			// result the upstream returns alongside the duplicate marker).
			break
		}
		if last.ErrorCode == "invalid_request" {
			lastErr = nil
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonTransientNetwork, lastErr.Error(), lastErr)),
			lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RFatalInternal, Detail: lastErr.Error()}
	}
	if last.ErrorCode != "" && last.ErrorCode != "duplicate" {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonUpstreamInvalidReq, last.ErrorMsg, nil)),
			lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RPublishInvalid, Detail: last.ErrorMsg}
	}
	if !isValidPublishURL(last.PublishURL) {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "publish returned an invalid url", nil)),
			lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RPublishInvalid, Detail: "invalid publish_url shape"}
	}

	if _, err := r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.PublishURL = &last.PublishURL
		j.PublishPostID = &last.PostID
		j.PublishPermalink = &last.Permalink
		return nil
	}); err != nil {
		return dispatcherrors.Failed(dispatcherrors.New(dispatcherrors.ReasonFatalInternal, err.Error(), err)),
			lifecycle.Event{Kind: lifecycle.EvPublishFail, Reason: model.RFatalInternal, Detail: err.Error()}
	}

	return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvPublishOK}
}

// runWatermark delegates to WatermarkRewriter; failures here never fail the
// overall job (spec §4.3 watermark phase).
func (r *Runner) runWatermark(ctx context.Context, job *model.Job) (dispatcherrors.PhaseResult, lifecycle.Event) {
	cfg := r.cfg()

	if !cfg.Watermark.Enabled || job.PublishURL == nil {
		r.finishWatermark(ctx, job, model.WatermarkSkipped, nil, nil)
		return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvWatermarkDone}
	}

	outputURL, err := r.watermark.Rewrite(ctx, *job.PublishURL)
	if err != nil {
		status := model.WatermarkFailed
		if cfg.Watermark.FallbackOnFailure {
			status = model.WatermarkSkipped
		}
		errMsg := err.Error()
		r.finishWatermark(ctx, job, status, nil, &errMsg)
		return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvWatermarkDone, Reason: model.RWatermarkFailure, Detail: errMsg}
	}

	r.finishWatermark(ctx, job, model.WatermarkCompleted, &outputURL, nil)
	return dispatcherrors.Success(), lifecycle.Event{Kind: lifecycle.EvWatermarkDone}
}

func (r *Runner) finishWatermark(ctx context.Context, job *model.Job, status model.WatermarkStatus, url, errMsg *string) {
	_, _ = r.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		j.WatermarkStatus = status
		j.WatermarkURL = url
		j.WatermarkError = errMsg
		j.WatermarkAttempts++
		return nil
	})
}
