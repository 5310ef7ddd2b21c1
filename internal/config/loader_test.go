package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultCrunchID, cfg.Crunch.ID)
	assert.Equal(t, config.DefaultNetwork, cfg.Crunch.Network)
	assert.Equal(t, config.DefaultRunnerHost, cfg.Runner.Host)
	assert.Equal(t, config.DefaultRunnerPort, cfg.Runner.Port)
	assert.Equal(t, config.DefaultCheckpointIntervalSeconds, cfg.Checkpoint.IntervalSeconds)
	assert.Equal(t, config.BusDriverPostgres, cfg.Bus.Driver)
	assert.Equal(t, []string{"BTC"}, cfg.Feed.Subjects)
	assert.Equal(t, config.DefaultPublicPrefixes, cfg.API.PublicPrefixes)
	assert.Equal(t, config.DefaultAdminPrefixes, cfg.API.AdminPrefixes)
	assert.Empty(t, cfg.API.Key)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CHECKPOINT_INTERVAL_SECONDS", "60")
	t.Setenv("MODEL_RUNNER_NODE_HOST", "runner.internal")
	t.Setenv("FEED_SUBJECTS", "BTC,ETH")
	t.Setenv("API_KEY", "topsecret")
	t.Setenv("API_READ_AUTH", "true")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Checkpoint.IntervalSeconds)
	assert.Equal(t, "runner.internal", cfg.Runner.Host)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Feed.Subjects)
	assert.Equal(t, "topsecret", cfg.API.Key)
	assert.True(t, cfg.API.ReadAuth)
}

func TestLoadConfig_LegacyEnvFallback(t *testing.T) {
	t.Setenv("MARKET_RECORD_TTL_DAYS", "30")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Feed.RecordTTLDays)
}

func TestLoadConfig_PrimaryEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("FEED_RECORD_TTL_DAYS", "14")
	t.Setenv("MARKET_RECORD_TTL_DAYS", "30")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.Feed.RecordTTLDays)
}

func TestLoadConfig_FileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")

	yamlBody := []byte(`
crunch:
  id: btc-updown
feed:
  subjects:
    - BTC
    - SOL
  poll_seconds: 2.5
scoring:
  function: baseline
`)
	require.NoError(t, os.WriteFile(path, yamlBody, 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "btc-updown", cfg.Crunch.ID)
	assert.Equal(t, []string{"BTC", "SOL"}, cfg.Feed.Subjects)
	assert.InDelta(t, 2.5, cfg.Feed.PollSeconds, 1e-9)
	assert.Equal(t, "baseline", cfg.Scoring.Function)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")

	require.NoError(t, os.WriteFile(path, []byte("crunch:\n  id: from-file\n"), 0o600))
	t.Setenv("CRUNCH_ID", "from-env")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Crunch.ID)
}

func TestLoadConfig_MissingExplicitFile_ReturnsError(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
}

func TestLoadConfig_InvalidEnvValue_FailsValidation(t *testing.T) {
	t.Setenv("CHECKPOINT_INTERVAL_SECONDS", "0")

	_, err := config.LoadConfig("")

	assert.ErrorIs(t, err, config.ErrInvalidCheckpointInterval)
}
