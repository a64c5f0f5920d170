// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads process bootstrap configuration from the environment
// and manages the hot-reloadable, DB-backed SystemSettings/ScanScheduler/
// Watermark overlay (spec §3, §6, §9). The two are deliberately distinct
// surfaces: Env is read once at startup; the overlay can change at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Env is the process-level bootstrap configuration (spec §6 CLI/environment:
// "Entry binary reads HOST, PORT, SECRET_KEY, DB_PATH, log settings from env.
// No positional arguments."), field set grounded on
// original_source/app/core/config.py.
type Env struct {
	Host      string
	Port      int
	SecretKey string
	DBPath    string

	LogLevel string
	LogFile  string

	OTELExporterEndpoint string
	OTELServiceName      string

	DefaultsOverlayPath string // optional fsnotify-watched YAML file

	// CORSAllowedOriginsCSV is a comma-separated origin list; empty disables
	// the CORS middleware entirely rather than defaulting to a wildcard.
	CORSAllowedOriginsCSV string
}

// CORSAllowedOrigins splits CORSAllowedOriginsCSV into the slice
// internal/api/middleware.CORS expects.
func (e Env) CORSAllowedOrigins() []string {
	if e.CORSAllowedOriginsCSV == "" {
		return nil
	}
	parts := strings.Split(e.CORSAllowedOriginsCSV, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads Env from the process environment, applying the same defaults
// the original bootstrap config used, and fails fast when SECRET_KEY is
// missing since JWT issuance cannot proceed without it.
func Load() (Env, error) {
	e := Env{
		Host:                  getenv("HOST", "0.0.0.0"),
		Port:                  getenvInt("PORT", 8080),
		SecretKey:             os.Getenv("SECRET_KEY"),
		DBPath:                getenv("DB_PATH", "dispatcher.db"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		LogFile:               os.Getenv("LOG_FILE"),
		OTELExporterEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELServiceName:       getenv("OTEL_SERVICE_NAME", "dispatcherd"),
		DefaultsOverlayPath:   os.Getenv("DEFAULTS_OVERLAY_PATH"),
		CORSAllowedOriginsCSV: os.Getenv("CORS_ALLOWED_ORIGINS"),
	}
	if e.SecretKey == "" {
		return Env{}, fmt.Errorf("config: SECRET_KEY is required")
	}
	return e, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
