// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// SelftestStore is the narrow surface AdminSelftest needs from
// internal/store.Store.
type SelftestStore interface {
	VerifyIntegrity(ctx context.Context, mode string) ([]string, error)
	SchedulerLocksReachable(ctx context.Context) error
	LatestScanResults(ctx context.Context) ([]model.ScanResult, error)
}

// SelftestCheck is one named probe's outcome: ok is false iff detail
// explains why.
type SelftestCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// SelftestReport is the full GET /api/v1/admin/selftest response body.
type SelftestReport struct {
	OK     bool            `json:"ok"`
	Checks []SelftestCheck `json:"checks"`
}

type AdminSelftest struct {
	store        SelftestStore
	scanInterval time.Duration
}

// NewAdminSelftest builds an AdminSelftest handler. scanInterval is the scan
// scheduler's configured tick — a scan is considered stale if no profile has
// been observed within it.
func NewAdminSelftest(store SelftestStore, scanInterval time.Duration) *AdminSelftest {
	if scanInterval <= 0 {
		scanInterval = 15 * time.Minute
	}
	return &AdminSelftest{store: store, scanInterval: scanInterval}
}

// Run handles GET /api/v1/admin/selftest (spec §6, derived from
// tests/e2e/test_admin_selftest_e2e.py): runs the checks a human admin would
// want before trusting a deploy. Non-fatal — a failing check is reported,
// not panicked on, and the handler always returns 200 with the report; the
// report's own ok field carries the verdict.
func (h *AdminSelftest) Run(w http.ResponseWriter, r *http.Request) {
	report := SelftestReport{OK: true}

	add := func(check SelftestCheck) {
		if !check.OK {
			report.OK = false
		}
		report.Checks = append(report.Checks, check)
	}

	add(h.checkStoreIntegrity(r.Context()))
	add(h.checkSchedulerLocks(r.Context()))
	add(h.checkScanFreshness(r.Context()))

	writeJSON(w, http.StatusOK, report)
}

func (h *AdminSelftest) checkStoreIntegrity(ctx context.Context) SelftestCheck {
	problems, err := h.store.VerifyIntegrity(ctx, "quick")
	if err != nil {
		return SelftestCheck{Name: "store_integrity", OK: false, Detail: err.Error()}
	}
	if len(problems) > 0 {
		return SelftestCheck{Name: "store_integrity", OK: false, Detail: problems[0]}
	}
	return SelftestCheck{Name: "store_integrity", OK: true}
}

func (h *AdminSelftest) checkSchedulerLocks(ctx context.Context) SelftestCheck {
	if err := h.store.SchedulerLocksReachable(ctx); err != nil {
		return SelftestCheck{Name: "scheduler_locks_reachable", OK: false, Detail: err.Error()}
	}
	return SelftestCheck{Name: "scheduler_locks_reachable", OK: true}
}

func (h *AdminSelftest) checkScanFreshness(ctx context.Context) SelftestCheck {
	results, err := h.store.LatestScanResults(ctx)
	if err != nil {
		return SelftestCheck{Name: "scan_freshness", OK: false, Detail: err.Error()}
	}

	cutoff := time.Now().Add(-h.scanInterval)
	for _, res := range results {
		if res.ObservedAt.After(cutoff) {
			return SelftestCheck{Name: "scan_freshness", OK: true}
		}
	}
	return SelftestCheck{Name: "scan_freshness", OK: false, Detail: "no profile scanned within the last scan interval"}
}
