package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/entity"
)

const seedYAML = `configs:
  - id: btc-fast
    scope_key: btc-1m
    schedule:
      prediction_interval_seconds: 60
      resolve_after_seconds: 60
    scope_template:
      horizon_seconds: 60
  - id: btc-slow
    scope_key: btc-1h
    active: false
    schedule:
      prediction_interval_seconds: 3600
`

type fakeSeedStore struct {
	mu          sync.Mutex
	upserted    []entity.ScheduledPredictionConfig
	deactivated [][]string
}

func (s *fakeSeedStore) Upsert(_ context.Context, cfg *entity.ScheduledPredictionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserted = append(s.upserted, *cfg)

	return nil
}

func (s *fakeSeedStore) DeactivateMissing(_ context.Context, keepIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivated = append(s.deactivated, keepIDs)

	return nil
}

func writeSeed(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadSeedParsesEntries(t *testing.T) {
	t.Parallel()

	configs, err := LoadSeed(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	fast := configs[0]
	assert.Equal(t, "btc-fast", fast.ID)
	assert.Equal(t, "btc-1m", fast.ScopeKey)
	assert.Equal(t, 60, fast.Schedule.PredictionIntervalSeconds)
	assert.Equal(t, 60, fast.Schedule.ResolveAfterSeconds)
	assert.True(t, fast.Active)
	assert.Zero(t, fast.Order)
	assert.Equal(t, 60, fast.ScopeTemplate["horizon_seconds"])

	slow := configs[1]
	assert.False(t, slow.Active)
	assert.Equal(t, 1, slow.Order)
	assert.Zero(t, slow.Schedule.ResolveAfterSeconds)
}

func TestLoadSeedRejectsMissingInterval(t *testing.T) {
	t.Parallel()

	bad := `configs:
  - id: broken
    schedule:
      resolve_after_seconds: 10
`

	_, err := LoadSeed(writeSeed(t, bad))
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestLoadSeedRejectsMissingID(t *testing.T) {
	t.Parallel()

	bad := `configs:
  - scope_key: nameless
    schedule:
      prediction_interval_seconds: 60
`

	_, err := LoadSeed(writeSeed(t, bad))
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestApplySeedReconciles(t *testing.T) {
	t.Parallel()

	store := &fakeSeedStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	count, err := ApplySeed(context.Background(), store, writeSeed(t, seedYAML), logger)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, store.upserted, 2)
	require.Len(t, store.deactivated, 1)
	assert.Equal(t, []string{"btc-fast", "btc-slow"}, store.deactivated[0])
}

func TestWatchSeedReappliesOnWrite(t *testing.T) {
	t.Parallel()

	store := &fakeSeedStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeSeed(t, seedYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = WatchSeed(ctx, store, path, logger)
	}()

	// Give the watcher time to attach before touching the file.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return len(store.upserted) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
