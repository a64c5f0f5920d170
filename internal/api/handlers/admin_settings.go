// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/soraflow/dispatcher/internal/config"
	"github.com/soraflow/dispatcher/internal/model"
)

// AdminSettings exposes config.Overlay's three envelopes over HTTP (spec §6).
type AdminSettings struct {
	overlay *config.Overlay
}

func NewAdminSettings(overlay *config.Overlay) *AdminSettings {
	return &AdminSettings{overlay: overlay}
}

// GetSystem handles GET /api/v1/admin/settings/system.
func (h *AdminSettings) GetSystem(w http.ResponseWriter, r *http.Request) {
	env, err := h.overlay.Envelope(r.Context(), true)
	if err != nil {
		http.Error(w, "failed to load system settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// UpdateSystem handles PUT /api/v1/admin/settings/system.
func (h *AdminSettings) UpdateSystem(w http.ResponseWriter, r *http.Request) {
	var payload model.SystemSettings
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env, err := h.overlay.Update(r.Context(), payload)
	if err != nil {
		http.Error(w, "failed to update system settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// GetScanScheduler handles GET /api/v1/admin/settings/scheduler/scan.
func (h *AdminSettings) GetScanScheduler(w http.ResponseWriter, r *http.Request) {
	env, err := h.overlay.ScanSchedulerEnvelope(r.Context())
	if err != nil {
		http.Error(w, "failed to load scan scheduler settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// UpdateScanScheduler handles PUT /api/v1/admin/settings/scheduler/scan.
func (h *AdminSettings) UpdateScanScheduler(w http.ResponseWriter, r *http.Request) {
	var payload model.ScanSchedulerSettings
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env, err := h.overlay.UpdateScanScheduler(r.Context(), payload)
	if err != nil {
		http.Error(w, "failed to update scan scheduler settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// GetWatermark handles GET /api/v1/admin/settings/watermark-free.
func (h *AdminSettings) GetWatermark(w http.ResponseWriter, r *http.Request) {
	env, err := h.overlay.WatermarkEnvelope(r.Context())
	if err != nil {
		http.Error(w, "failed to load watermark settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// UpdateWatermark handles PUT /api/v1/admin/settings/watermark-free.
func (h *AdminSettings) UpdateWatermark(w http.ResponseWriter, r *http.Request) {
	var payload model.WatermarkSettings
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env, err := h.overlay.UpdateWatermark(r.Context(), payload)
	if err != nil {
		http.Error(w, "failed to update watermark settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}
