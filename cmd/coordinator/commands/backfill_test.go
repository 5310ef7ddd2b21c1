package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/config"
)

func feedConfig() *config.Config {
	return &config.Config{
		Feed: config.FeedConfig{
			Source:      "binance",
			Subjects:    []string{"BTCUSDT", "ETHUSDT"},
			Kind:        "price",
			Granularity: "1m",
		},
	}
}

func TestBackfillRequestDefaultsFromFeed(t *testing.T) {
	t.Parallel()

	bc := &BackfillCommand{start: "2026-08-01T00:00:00Z", end: "2026-08-02T00:00:00Z"}

	req, err := bc.request(feedConfig())
	require.NoError(t, err)

	assert.Equal(t, "binance", req.Source)
	assert.Equal(t, []string{"BTCUSDT"}, req.Subjects)
	assert.Equal(t, "price", req.Kind)
	assert.Equal(t, "1m", req.Granularity)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), req.Start)
	assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), req.End)
}

func TestBackfillRequestFlagsOverrideFeed(t *testing.T) {
	t.Parallel()

	bc := &BackfillCommand{
		source:      "kraken",
		subject:     "SOLUSDT",
		kind:        "depth",
		granularity: "5m",
		start:       "2026-08-01T00:00:00Z",
		end:         "2026-08-02T00:00:00Z",
		pageSize:    500,
	}

	req, err := bc.request(feedConfig())
	require.NoError(t, err)

	assert.Equal(t, "kraken", req.Source)
	assert.Equal(t, []string{"SOLUSDT"}, req.Subjects)
	assert.Equal(t, "depth", req.Kind)
	assert.Equal(t, "5m", req.Granularity)
	assert.Equal(t, 500, req.PageSize)
}

func TestBackfillRequestEndDefaultsToNow(t *testing.T) {
	t.Parallel()

	bc := &BackfillCommand{start: "2026-08-01T00:00:00Z"}

	req, err := bc.request(feedConfig())
	require.NoError(t, err)

	assert.False(t, req.End.IsZero())
	assert.True(t, req.End.After(req.Start))
}

func TestBackfillRequestRejectsInvertedWindow(t *testing.T) {
	t.Parallel()

	bc := &BackfillCommand{start: "2026-08-02T00:00:00Z", end: "2026-08-01T00:00:00Z"}

	_, err := bc.request(feedConfig())
	require.ErrorIs(t, err, ErrBadTimeRange)
}

func TestBackfillRequestRejectsBadTimestamps(t *testing.T) {
	t.Parallel()

	bc := &BackfillCommand{start: "yesterday"}

	_, err := bc.request(feedConfig())
	require.ErrorContains(t, err, "parse start")

	bc = &BackfillCommand{start: "2026-08-01T00:00:00Z", end: "tomorrow"}

	_, err = bc.request(feedConfig())
	require.ErrorContains(t, err, "parse end")
}
