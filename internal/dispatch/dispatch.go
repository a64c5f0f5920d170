// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package dispatch implements the profile-selection scoring engine (spec
// §4.2): hard filters, weighted quantity/quality scoring with time-decayed
// quality penalties, an active-load penalty, a plus-tier bonus, and
// deterministic tie-breaking. A profile in cooldown is removed by the hard
// filter; the score itself has no cooldown term.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherrors"
	"github.com/soraflow/dispatcher/internal/model"
)

// Store is the narrow read surface the Dispatcher needs, kept separate from
// internal/store so this package can be tested against a fake.
type Store interface {
	LatestScanResults(ctx context.Context) ([]model.ScanResult, error)
	Reservations(ctx context.Context, groupTitle, profileID string) (int, error)
	RecentFailedJobEvents(ctx context.Context, profileID string, lookback time.Duration) ([]model.EventLog, error)
	ActiveJobCount(ctx context.Context, profileID string) (int, error)
	RetryChainProfiles(ctx context.Context, rootJobID int64) ([]string, error)
}

// Dispatcher selects and scores candidate profiles for a Job.
type Dispatcher struct {
	store Store
}

func New(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Decision is the chosen profile plus the audit fields written back onto the
// job row (spec §4.2).
type Decision struct {
	ProfileID     string
	Mode          string
	Score         float64
	QuantityScore float64
	QualityScore  float64
	Reason        string
}

// candidate is a scored profile before the final sort.
type candidate struct {
	profileID     string
	quantity      float64
	quality       float64
	activePenalty float64
	plusBonus     float64
	final         float64
	lastSeenAt    time.Time
}

// Dispatch selects the best candidate profile for job. If job.RootJobID is a
// real retry chain root (root != job's own id), profiles already tried in
// that chain are excluded.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job, cfg model.AccountDispatchSettings) (*Decision, error) {
	results, err := d.store.LatestScanResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: latest scan results: %w", err)
	}
	if len(results) == 0 {
		return nil, dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "no session scan data available", nil)
	}

	excluded := map[string]bool{}
	if job.RootJobID != 0 && job.RootJobID != job.JobID {
		tried, err := d.store.RetryChainProfiles(ctx, job.RootJobID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: retry chain profiles: %w", err)
		}
		for _, p := range tried {
			excluded[p] = true
		}
	}

	now := time.Now().UTC()
	var candidates []candidate
	for _, r := range results {
		if excluded[r.ProfileID] {
			continue
		}

		remaining := r.RemainingCount
		// cooldownUntil is ProfileState's derived cooldown_until (spec §3):
		// scan rows carry no cooldown column of their own, it is computed here
		// from the profile's recent quality-rule matches, so there is a single
		// source of truth for "is P in cooldown" instead of a persisted value
		// that could drift out of sync with the rules that produced it.
		quality, cooldownUntil, err := d.scoreQuality(ctx, r.ProfileID, cfg, now)
		if err != nil {
			return nil, fmt.Errorf("dispatch: score quality: %w", err)
		}

		if cooldownUntil != nil && cooldownUntil.After(now) {
			continue // cooldown_until > now: hard filter (spec §4.2)
		}

		if r.ResetAt.Before(now) && now.Sub(r.ResetAt) <= time.Duration(cfg.QuotaResetGraceMinutes)*time.Minute {
			remaining = r.TotalCount
		}

		if remaining < cfg.MinQuotaRemaining {
			continue
		}

		reservations, err := d.store.Reservations(ctx, job.GroupTitle, r.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: reservations: %w", err)
		}

		quantity := d.scoreQuantity(remaining, reservations, r.TotalCount, cfg)

		activeCount, err := d.store.ActiveJobCount(ctx, r.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: active job count: %w", err)
		}
		activePenalty := cfg.ActiveJobPenalty * float64(activeCount)

		plusBonus := 0.0
		if r.PlanType.IsPlusTier() {
			plusBonus = cfg.PlusBonus
		}

		final := cfg.QuantityWeight*quantity + cfg.QualityWeight*quality - activePenalty + plusBonus

		candidates = append(candidates, candidate{
			profileID:     r.ProfileID,
			quantity:      quantity,
			quality:       quality,
			activePenalty: activePenalty,
			plusBonus:     plusBonus,
			final:         final,
			lastSeenAt:    r.ObservedAt,
		})
	}

	if len(candidates) == 0 {
		return nil, dispatcherrors.New(dispatcherrors.ReasonFatalInternal, "no candidate profile passed dispatch filters", nil)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if !a.lastSeenAt.Equal(b.lastSeenAt) {
			return a.lastSeenAt.After(b.lastSeenAt)
		}
		return a.profileID < b.profileID
	})

	best := candidates[0]
	return &Decision{
		ProfileID:     best.profileID,
		Mode:          "scored",
		Score:         best.final,
		QuantityScore: best.quantity,
		QualityScore:  best.quality,
		Reason:        fmt.Sprintf("quantity=%.2f quality=%.2f active_penalty=%.2f plus_bonus=%.2f", best.quantity, best.quality, best.activePenalty, best.plusBonus),
	}, nil
}

// scoreQuantity normalises remaining quota against the profile's own
// quota_cap (total_count), minus outstanding reservations (spec §4.2).
func (d *Dispatcher) scoreQuantity(remaining, reservations, quotaCap int, cfg model.AccountDispatchSettings) float64 {
	if quotaCap <= 0 {
		return cfg.UnknownQuotaScore
	}
	net := remaining - reservations
	if net < 0 {
		net = 0
	}
	score := 100 * float64(net) / float64(quotaCap)
	if score > 100 {
		score = 100
	}
	return score
}

// scoreQuality walks the profile's recent failed JobEvents, applying
// quality_ignore_rules / quality_error_rules / default_error_rule in order,
// and returns the decayed quality score plus ProfileState's derived
// cooldown_until, the latest matching rule's cooldown expiry, if any
// (spec §4.2).
func (d *Dispatcher) scoreQuality(ctx context.Context, profileID string, cfg model.AccountDispatchSettings, now time.Time) (quality float64, cooldownUntil *time.Time, err error) {
	score := cfg.DefaultQualityScore

	events, err := d.store.RecentFailedJobEvents(ctx, profileID, cfg.QualityLookback)
	if err != nil {
		return 0, nil, err
	}

	for _, ev := range events {
		if matchesAny(cfg.QualityIgnoreRules, ev) {
			continue
		}
		rule, ok := firstMatch(cfg.QualityErrorRules, ev)
		if !ok {
			rule = cfg.DefaultErrorRule
		}

		ageHours := now.Sub(ev.CreatedAt).Hours()
		decay := math.Exp2(-ageHours / nonZero(cfg.DecayHalfLifeHours, 24))
		score -= rule.Penalty * decay

		if rule.BlockDuringCooldown && rule.CooldownMinutes > 0 {
			until := ev.CreatedAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
			if until.After(now) && (cooldownUntil == nil || until.After(*cooldownUntil)) {
				cooldownUntil = &until
			}
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, cooldownUntil, nil
}

func nonZero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func matchesAny(rules []model.DispatchRule, ev model.EventLog) bool {
	for _, r := range rules {
		if ruleMatches(r, ev) {
			return true
		}
	}
	return false
}

func firstMatch(rules []model.DispatchRule, ev model.EventLog) (model.DispatchRule, bool) {
	for _, r := range rules {
		if ruleMatches(r, ev) {
			return r, true
		}
	}
	return model.DispatchRule{}, false
}

func ruleMatches(r model.DispatchRule, ev model.EventLog) bool {
	if r.PhaseMatch != "" && r.PhaseMatch != ev.Phase {
		return false
	}
	if r.MessageContains != "" && !strings.Contains(ev.Message, r.MessageContains) {
		return false
	}
	return true
}
