package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "ingest"
log_level = "debug"

[engine]
max_position_usd = 5000.0

[[signals.sources]]
tag = "gdelt"
category = "news"
tier = "free"
url = "https://api.gdeltproject.org/api/v2/doc/doc"
poll_interval = "30s"
topics = ["geopolitics"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ingest", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5000.0, cfg.Engine.MaxPositionUSD)
	// Untouched values come from Defaults.
	assert.Equal(t, 10*time.Second, cfg.Engine.QuoteValid.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Engine.IdemRetention.Duration)
	require.Len(t, cfg.Signals.Sources, 1)
	assert.Equal(t, "gdelt", cfg.Signals.Sources[0].Tag)
	assert.Equal(t, 30*time.Second, cfg.Signals.Sources[0].PollInterval.Duration)

	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
mode = "full"

[engine]
quote_vaild = "10s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown options")
	assert.Contains(t, err.Error(), "engine.quote_vaild")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ECHELON_MODE_CHECK_INTERVAL_S", "25")
	t.Setenv("ECHELON_AGENT_TICK_MS", "250")
	t.Setenv("ECHELON_RATE_LIMIT_POLY", "42")
	t.Setenv("ECHELON_BUILDER_CODE", "bldr-test")
	t.Setenv("ECHELON_MAX_POSITION_SIZE_USD", "1234.5")
	t.Setenv("ECHELON_DISPUTE_WINDOW_S", "3600")

	path := writeConfig(t, `mode = "full"`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25*time.Second, cfg.Supervisor.CheckInterval.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Agents.Tick.Duration)
	assert.Equal(t, 42, cfg.Platform.RateLimitPoly)
	assert.Equal(t, "bldr-test", cfg.Platform.BuilderCode)
	assert.Equal(t, 1234.5, cfg.Engine.MaxPositionUSD)
	assert.Equal(t, time.Hour, cfg.Timelines.DisputeWindow.Duration)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Engine.MinPositionUSD = 0
	cfg.Engine.IdemRetention.Duration = time.Minute
	cfg.Agents.PnLFloorUSD = 100
	cfg.Platform.Enabled = true // no builder code set

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "bogus"`)
	assert.Contains(t, msg, "min_position_usd")
	assert.Contains(t, msg, "idem_retention")
	assert.Contains(t, msg, "pnl_floor_usd")
	assert.Contains(t, msg, "builder_code")
}

func TestValidateParadoxBandOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Timelines.ParadoxOpenGap = 0.3
	cfg.Timelines.ParadoxCloseGap = 0.4

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paradox_close_gap")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.Platform.Kalshi.ApiKey = "kalshi-key"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Platform.Kalshi.ApiKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
