package leaderboard_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/leaderboard"
)

func snapshot(modelID string, end time.Time, recent float64) entity.Snapshot {
	return entity.Snapshot{
		ID:            "SNAP_" + modelID,
		ModelID:       modelID,
		PeriodStart:   end.Add(-time.Minute),
		PeriodEnd:     end,
		ResultSummary: map[string]any{"score_recent": recent, "ic": recent / 2},
	}
}

func aggregation() challenge.Aggregation {
	return challenge.Default().Aggregation
}

func TestBuildRanksByWindowMean(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	snapshots := []entity.Snapshot{
		snapshot("model-a", now.Add(-time.Hour), 0.2),
		snapshot("model-a", now.Add(-2*time.Hour), 0.4),
		snapshot("model-b", now.Add(-time.Hour), 0.9),
	}

	models := map[string]entity.Model{
		"model-a": {ID: "model-a", Name: "alpha", PlayerName: "Ada"},
		"model-b": {ID: "model-b", Name: "beta", PlayerName: "Ben"},
	}

	entries := leaderboard.Build(snapshots, models, aggregation(), challenge.DefaultMetrics, now)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, "model-b", first.ModelID)
	assert.Equal(t, "beta", first.ModelName)
	assert.Equal(t, "Ben", first.CruncherName)
	assert.InDelta(t, 0.9, first.Score.Ranking.Value, 1e-9)
	assert.Equal(t, "score_recent", first.Score.Ranking.Key)
	assert.Equal(t, "desc", first.Score.Ranking.Direction)

	second := entries[1]
	assert.Equal(t, 2, second.Rank)
	assert.InDelta(t, 0.3, second.Score.Metrics["score_recent"], 1e-9)

	// Latest-snapshot metric values ride along.
	assert.InDelta(t, 0.1, second.Score.Metrics["ic"], 1e-9)
}

func TestBuildWindowExcludesStaleSnapshots(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	snapshots := []entity.Snapshot{
		snapshot("model-a", now.Add(-time.Hour), 0.5),
		// Outside the 24h recent window, inside steady and anchor.
		snapshot("model-a", now.Add(-48*time.Hour), 0.1),
	}

	entries := leaderboard.Build(snapshots, nil, aggregation(), nil, now)
	require.Len(t, entries, 1)

	metrics := entries[0].Score.Metrics
	assert.InDelta(t, 0.5, metrics["score_recent"], 1e-9)
	assert.InDelta(t, 0.3, metrics["score_steady"], 1e-9)
	assert.InDelta(t, 0.3, metrics["score_anchor"], 1e-9)
}

func TestRankTiesBreakByModelID(t *testing.T) {
	t.Parallel()

	entries := []leaderboard.Entry{
		{ModelID: "zulu", Score: leaderboard.Score{Ranking: leaderboard.Ranking{Value: 0.5}}},
		{ModelID: "alpha", Score: leaderboard.Score{Ranking: leaderboard.Ranking{Value: 0.5}}},
	}

	ranked := leaderboard.Rank(entries, aggregation())

	assert.Equal(t, "alpha", ranked[0].ModelID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, 2, ranked[1].Rank)
}

func TestAsDocuments(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	entries := leaderboard.Build(
		[]entity.Snapshot{snapshot("model-a", now.Add(-time.Hour), 0.5)},
		map[string]entity.Model{"model-a": {ID: "model-a", Name: "alpha"}},
		aggregation(), nil, now,
	)

	docs := leaderboard.AsDocuments(entries)

	want := []map[string]any{{
		"rank":       1,
		"model_id":   "model-a",
		"model_name": "alpha",
		"score": map[string]any{
			"metrics": map[string]float64{
				"score_recent": 0.5,
				"score_steady": 0.5,
				"score_anchor": 0.5,
			},
			"ranking": map[string]any{
				"key":       "score_recent",
				"value":     0.5,
				"direction": "desc",
			},
		},
	}}

	diff := cmp.Diff(want, docs)
	assert.Empty(t, diff)
}
