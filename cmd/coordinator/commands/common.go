// Package commands implements CLI command handlers for the coordinator.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/store"
)

var (
	// ErrNoLeaderboard indicates no standings have been built yet.
	ErrNoLeaderboard = errors.New("no leaderboard built yet")

	// ErrNoSnapshots indicates no score snapshots match the selection.
	ErrNoSnapshots = errors.New("no snapshots found")

	// ErrNoCheckpoints indicates no checkpoints have been rolled yet.
	ErrNoCheckpoints = errors.New("no checkpoints found")
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

// cliLogger is the plain logger for one-shot commands; serve builds the
// tracing logger through observability.Init instead.
func cliLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}

	if cfg.Log.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return st, nil
}

// buildContract binds the engine contract to the configured on-chain
// identities and verifies it end to end before anything runs.
func buildContract(cfg *config.Config) (*challenge.Contract, error) {
	contract := challenge.Default()
	contract.CrunchPubkey = cfg.Crunch.Pubkey
	contract.ComputeProvider = cfg.Crunch.ComputeProviderPubkey
	contract.DataProvider = cfg.Crunch.DataProviderPubkey

	checkErr := contract.SelfCheck()
	if checkErr != nil {
		return nil, fmt.Errorf("contract self-check: %w", checkErr)
	}

	return contract, nil
}
