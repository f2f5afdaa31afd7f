package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.LLM.TimeoutSecs)
	assert.Equal(t, 10, cfg.Registry.TimeoutSecs)
	assert.Equal(t, 20, cfg.Search.TimeoutSecs)
	assert.Equal(t, 3, cfg.Job.MaxAttempts)
	assert.Equal(t, 60, cfg.Job.TickSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ENRICH_JOB_MAX_ATTEMPTS", "5")
	t.Setenv("ENRICH_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Job.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, Timeout(30))
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}

func TestInitLogger_Console(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
