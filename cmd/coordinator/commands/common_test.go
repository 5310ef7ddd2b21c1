package commands

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}

	for input, want := range cases {
		assert.Equal(t, want, parseLogLevel(input), "level %q", input)
	}
}

func TestBuildContractBindsIdentities(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Crunch: config.CrunchConfig{
			ID:                    "crunch-test",
			Pubkey:                "PUBKEY1",
			ComputeProviderPubkey: "COMPUTE1",
			DataProviderPubkey:    "DATA1",
		},
	}

	contract, err := buildContract(cfg)
	require.NoError(t, err)

	assert.Equal(t, "PUBKEY1", contract.CrunchPubkey)
	assert.Equal(t, "COMPUTE1", contract.ComputeProvider)
	assert.Equal(t, "DATA1", contract.DataProvider)
}
