package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novagraph/graphex/internal/extraction"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "graphex.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.StageTimeout)
	assert.Equal(t, "@every 5s", cfg.SweepCadence)
	assert.Equal(t, 16, cfg.MaxConcurrentRuns)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GRAPHEX_DB_PATH", "/tmp/test.db")
	t.Setenv("GRAPHEX_STAGE_RETRIES", "1")
	t.Setenv("GRAPHEX_BREAKER_RESET_TIMEOUT", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 1, cfg.StageRetries)
	assert.Equal(t, 90*time.Second, cfg.engineConfig().Breakers.ResetTimeout)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("GRAPHEX_MAX_CONCURRENT_RUNS", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("GRAPHEX_MAX_CONCURRENT_RUNS", "4")
	t.Setenv("GRAPHEX_STAGE_RETRIES", "-1")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLogLevelParsing(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		level, err := Config{LogLevel: name}.logLevel()
		require.NoError(t, err, name)
		assert.Equal(t, want, level, name)
	}

	_, err := Config{LogLevel: "verbose"}.logLevel()
	require.Error(t, err)
}

func TestEndpointsCoverAllDependencies(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	eps := cfg.endpoints()
	assert.Contains(t, eps, extraction.DependencyModel)
	assert.Contains(t, eps, extraction.DependencyGrounder)
}
