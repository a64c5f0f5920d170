// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import (
	"context"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
)

// firedSlotCache caches the last max fired wall-clock slot keys so later
// ticks within the same minute don't refire a slot this process already ran
// (spec §4.5). It is in-process only and starts empty after a restart;
// cross-process de-dup, including a restart within the lock TTL, is
// TryAcquireSchedulerLock's job.
type firedSlotCache struct {
	max   int
	order []string
	seen  map[string]struct{}
}

func newFiredSlotCache(max int) *firedSlotCache {
	return &firedSlotCache{max: max, seen: make(map[string]struct{})}
}

func (c *firedSlotCache) has(key string) bool {
	_, ok := c.seen[key]
	return ok
}

func (c *firedSlotCache) add(key string) {
	if c.has(key) {
		return
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
}

// ScanSettingsProvider returns the latest ScanSchedulerSettings snapshot so a
// running ScanScheduler picks up a config overlay change without a restart
// (spec §9: config is always read through a provider, never cached by value).
type ScanSettingsProvider func() model.ScanSchedulerSettings

// ScanScheduler fires a full session scan at configured wall-clock times
// (spec §4.5). Every ~20s it checks whether "now" in the configured timezone
// matches a configured HH:MM slot that hasn't already fired today.
type ScanScheduler struct {
	store    Store
	scanner  upstream.SessionScanner
	settings ScanSettingsProvider
	owner    string
	maskMode string
	retain   store.RetentionConfig
	group    string

	fired *firedSlotCache

	TickInterval time.Duration // default 20s
	LockTTL      time.Duration // default 120s
}

func NewScanScheduler(st Store, scanner upstream.SessionScanner, settings ScanSettingsProvider, owner, defaultGroupTitle, maskMode string, retain store.RetentionConfig) *ScanScheduler {
	return &ScanScheduler{
		store:        st,
		scanner:      scanner,
		settings:     settings,
		owner:        owner,
		maskMode:     maskMode,
		retain:       retain,
		group:        defaultGroupTitle,
		fired:        newFiredSlotCache(256),
		TickInterval: 20 * time.Second,
		LockTTL:      120 * time.Second,
	}
}

// Run blocks, ticking Tick until ctx is canceled.
func (s *ScanScheduler) Run(ctx context.Context) error {
	interval := s.TickInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one scheduling decision for wall-clock time now. Exported
// separately from Run so it is directly unit-testable without a ticker.
func (s *ScanScheduler) Tick(ctx context.Context, now time.Time) {
	cfg := s.settings()
	if !cfg.Enabled {
		return
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		dispatcherlog.L().Warn().Err(err).Str("timezone", cfg.Timezone).Msg("scheduler.scan: invalid timezone, falling back to UTC")
		loc = time.UTC
	}
	local := now.In(loc)
	nowSlot := local.Format("15:04")

	matched := false
	for _, slot := range cfg.Times {
		if slot == nowSlot {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	slotKey := "scheduler.scan." + local.Format("2006-01-02 15:04") + " " + cfg.Timezone
	if s.fired.has(slotKey) {
		return
	}

	got, err := s.store.TryAcquireSchedulerLock(ctx, slotKey, s.owner, s.LockTTL)
	if err != nil {
		dispatcherlog.L().Error().Err(err).Str("lock_key", slotKey).Msg("scheduler.scan: try_acquire_scheduler_lock failed")
		return
	}
	if !got {
		logLockConflict("scheduler.scan", slotKey, s.maskMode, s.store, s.retain)
		return
	}

	s.fired.add(slotKey)
	dispatcherlog.L().Info().Str("slot", slotKey).Msg("scheduler.scan: firing scheduled scan")
	if err := runScanPass(ctx, s.store, s.scanner, s.group, "scheduler.scan", s.maskMode, s.retain); err != nil {
		dispatcherlog.L().Error().Err(err).Str("slot", slotKey).Msg("scheduler.scan: scan pass failed")
	}
}
