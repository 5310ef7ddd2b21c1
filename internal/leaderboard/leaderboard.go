// Package leaderboard folds model snapshots into ranked standings.
// Windowed means of the contract ranking key feed the rank; the latest
// snapshot contributes its metric values verbatim.
package leaderboard

import (
	"sort"
	"time"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/entity"
)

// Entry is one standing: identification, windowed metrics, and the
// ranking envelope the report schema expects.
type Entry struct {
	Rank         int                `json:"rank"`
	ModelID      string             `json:"model_id"`
	ModelName    string             `json:"model_name,omitempty"`
	CruncherName string             `json:"cruncher_name,omitempty"`
	Score        Score              `json:"score"`
	Metrics      map[string]float64 `json:"-"`
}

// Score is the nested score document of one entry.
type Score struct {
	Metrics map[string]float64 `json:"metrics"`
	Ranking Ranking            `json:"ranking"`
}

// Ranking names the key the standings are ordered by.
type Ranking struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Direction string  `json:"direction"`
}

// Build aggregates snapshots into ranked entries. Each aggregation
// window averages the ranking key over snapshots whose period end falls
// inside it; models without coverage in a window score zero there.
func Build(
	snapshots []entity.Snapshot,
	models map[string]entity.Model,
	aggregation challenge.Aggregation,
	metricNames []string,
	now time.Time,
) []Entry {
	byModel := make(map[string][]entity.Snapshot)
	for _, snapshot := range snapshots {
		byModel[snapshot.ModelID] = append(byModel[snapshot.ModelID], snapshot)
	}

	entries := make([]Entry, 0, len(byModel))

	for modelID, modelSnapshots := range byModel {
		metrics := windowedMetrics(modelSnapshots, aggregation, now)

		latest := latestSnapshot(modelSnapshots)
		for _, name := range metricNames {
			if _, taken := metrics[name]; taken {
				continue
			}

			value, ok := entity.NumericValue(latest.ResultSummary, name)
			if ok {
				metrics[name] = value
			}
		}

		entry := Entry{
			ModelID: modelID,
			Metrics: metrics,
			Score: Score{
				Metrics: metrics,
				Ranking: Ranking{
					Key:       aggregation.RankingKey,
					Value:     metrics[aggregation.RankingKey],
					Direction: aggregation.RankingDirection,
				},
			},
		}

		model, known := models[modelID]
		if known {
			entry.ModelName = model.Name
			entry.CruncherName = model.PlayerName
		}

		entries = append(entries, entry)
	}

	return Rank(entries, aggregation)
}

// Rank orders entries by the ranking key in the contract direction and
// assigns 1-based ranks. Ties break by model id for stable output.
func Rank(entries []Entry, aggregation challenge.Aggregation) []Entry {
	desc := aggregation.RankingDirection == "desc"

	sort.Slice(entries, func(i, j int) bool {
		left := entries[i].Score.Ranking.Value
		right := entries[j].Score.Ranking.Value

		if left == right {
			return entries[i].ModelID < entries[j].ModelID
		}

		if desc {
			return left > right
		}

		return left < right
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries
}

// AsDocuments converts entries to the generic map shape the store and
// API serve.
func AsDocuments(entries []Entry) []map[string]any {
	docs := make([]map[string]any, 0, len(entries))

	for _, entry := range entries {
		doc := map[string]any{
			"rank":     entry.Rank,
			"model_id": entry.ModelID,
			"score": map[string]any{
				"metrics": entry.Score.Metrics,
				"ranking": map[string]any{
					"key":       entry.Score.Ranking.Key,
					"value":     entry.Score.Ranking.Value,
					"direction": entry.Score.Ranking.Direction,
				},
			},
		}

		if entry.ModelName != "" {
			doc["model_name"] = entry.ModelName
		}

		if entry.CruncherName != "" {
			doc["cruncher_name"] = entry.CruncherName
		}

		docs = append(docs, doc)
	}

	return docs
}

func windowedMetrics(
	snapshots []entity.Snapshot, aggregation challenge.Aggregation, now time.Time,
) map[string]float64 {
	metrics := make(map[string]float64, len(aggregation.Windows))

	for windowName, window := range aggregation.Windows {
		cutoff := now.Add(-time.Duration(window.Hours) * time.Hour)

		var total float64

		count := 0

		for _, snapshot := range snapshots {
			if snapshot.PeriodEnd.Before(cutoff) {
				continue
			}

			value, ok := entity.NumericValue(snapshot.ResultSummary, aggregation.RankingKey)
			if !ok {
				continue
			}

			total += value
			count++
		}

		if count > 0 {
			metrics[windowName] = total / float64(count)
		} else {
			metrics[windowName] = 0
		}
	}

	return metrics
}

func latestSnapshot(snapshots []entity.Snapshot) entity.Snapshot {
	latest := snapshots[0]

	for _, snapshot := range snapshots[1:] {
		if snapshot.PeriodEnd.After(latest.PeriodEnd) {
			latest = snapshot
		}
	}

	return latest
}
