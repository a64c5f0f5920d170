// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsWatcher_EmptyPathHasNoCurrent(t *testing.T) {
	w := NewDefaultsWatcher("")
	assert.Nil(t, w.Current())
}

func TestNewDefaultsWatcher_LoadsValidYAMLOnConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sora:\n  job_max_concurrency: 7\n"), 0o644))

	w := NewDefaultsWatcher(path)
	require.NotNil(t, w.Current())
	assert.Equal(t, 7, w.Current().Sora.JobMaxConcurrency)
}

func TestNewDefaultsWatcher_MissingFileLeavesCurrentNil(t *testing.T) {
	w := NewDefaultsWatcher(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Nil(t, w.Current())
}

func TestNewDefaultsWatcher_InvalidYAMLKeepsPreviousValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sora:\n  job_max_concurrency: 7\n"), 0o644))

	w := NewDefaultsWatcher(path)
	require.NotNil(t, w.Current())

	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))
	w.reload()

	require.NotNil(t, w.Current())
	assert.Equal(t, 7, w.Current().Sora.JobMaxConcurrency)
}
