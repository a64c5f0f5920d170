// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/soraflow/dispatcher/internal/model"
)

// WriteSnapshot atomically writes the resolved (non-secret) settings to path
// for operational inspection. The DB row remains authoritative; this file is
// regenerated on every Overlay.Update and is never read back (spec §9:
// "Validation happens at the edge; the core never inspects the blob
// directly" — the snapshot exists purely for humans, not the core).
func WriteSnapshot(path string, settings model.SystemSettings) error {
	settings.Auth.SecretKey = nil
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, raw, 0o644)
}
