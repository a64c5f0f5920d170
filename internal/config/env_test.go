// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresSecretKey(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	for _, k := range []string{"HOST", "PORT", "LOG_LEVEL", "CORS_ALLOWED_ORIGINS"} {
		require.NoError(t, os.Unsetenv(k))
	}

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", env.Host)
	assert.Equal(t, 8080, env.Port)
	assert.Equal(t, "info", env.LogLevel)
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", env.Host)
	assert.Equal(t, 9090, env.Port)
	assert.Equal(t, "debug", env.LogLevel)
}

func TestLoad_InvalidPortFallsBackToDefault(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("PORT", "not-a-number")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, env.Port)
}

func TestEnv_CORSAllowedOrigins(t *testing.T) {
	e := Env{CORSAllowedOriginsCSV: " https://a.example, https://b.example ,"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, e.CORSAllowedOrigins())

	empty := Env{}
	assert.Nil(t, empty.CORSAllowedOrigins())
}
