// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/config"
	"github.com/soraflow/dispatcher/internal/model"
)

type fakeSettingsStore struct {
	system        []byte
	scanScheduler []byte
	watermark     []byte
}

func (f *fakeSettingsStore) GetSystemSettingsRow(_ context.Context) ([]byte, *time.Time, error) {
	return f.system, nil, nil
}
func (f *fakeSettingsStore) UpsertSystemSettingsRow(_ context.Context, payload []byte) error {
	f.system = payload
	return nil
}
func (f *fakeSettingsStore) GetScanSchedulerSettingsRow(_ context.Context) ([]byte, *time.Time, error) {
	return f.scanScheduler, nil, nil
}
func (f *fakeSettingsStore) UpsertScanSchedulerSettingsRow(_ context.Context, payload []byte) error {
	f.scanScheduler = payload
	return nil
}
func (f *fakeSettingsStore) GetWatermarkSettingsRow(_ context.Context) ([]byte, *time.Time, error) {
	return f.watermark, nil, nil
}
func (f *fakeSettingsStore) UpsertWatermarkSettingsRow(_ context.Context, payload []byte) error {
	f.watermark = payload
	return nil
}

func TestAdminSettings_GetSystem_ReturnsDefaults(t *testing.T) {
	overlay := config.NewOverlay(&fakeSettingsStore{}, config.Env{Host: "0.0.0.0", Port: 8080})
	h := NewAdminSettings(overlay)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/settings/system", nil)
	w := httptest.NewRecorder()
	h.GetSystem(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var env model.SystemSettingsEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.Equal(t, 4, env.Data.Sora.JobMaxConcurrency)
}

func TestAdminSettings_UpdateScanScheduler_Persists(t *testing.T) {
	store := &fakeSettingsStore{}
	overlay := config.NewOverlay(store, config.Env{})
	h := NewAdminSettings(overlay)

	body, _ := json.Marshal(model.ScanSchedulerSettings{Enabled: true, Times: []string{"03:00"}, Timezone: "UTC"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/settings/scheduler/scan", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.UpdateScanScheduler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, store.scanScheduler)

	var env model.ScanSchedulerEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.True(t, env.Data.Enabled)
}

func TestAdminSettings_UpdateWatermark_Persists(t *testing.T) {
	store := &fakeSettingsStore{}
	overlay := config.NewOverlay(store, config.Env{})
	h := NewAdminSettings(overlay)

	body, _ := json.Marshal(model.WatermarkSettings{Enabled: true, Provider: "acme", FallbackOnFailure: true})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/settings/watermark-free", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.UpdateWatermark(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, store.watermark)
}
