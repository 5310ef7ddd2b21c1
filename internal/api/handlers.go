package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

const defaultRangeDays = 7

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"crunch_id":      s.opts.Crunch.ID,
		"crunch_address": s.opts.Crunch.Pubkey,
		"network":        s.opts.Crunch.Network,
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schema)
}

func (s *Server) handleSchemaLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schema["leaderboard_columns"])
}

func (s *Server) handleSchemaMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schema["metrics_widgets"])
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.opts.Models.All(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	rows := make([]map[string]any, 0, len(models))

	for _, model := range models {
		rows = append(rows, map[string]any{
			"model_id":      model.ID,
			"model_name":    model.Name,
			"cruncher_name": model.PlayerName,
			"cruncher_id":   model.PlayerID,
			"deployment_id": model.DeploymentIdentifier,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["model_id"].(string) < rows[j]["model_id"].(string)
	})

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.opts.Leaderboards.Latest(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	if board == nil {
		writeJSON(w, http.StatusOK, []map[string]any{})

		return
	}

	includeEnsembles := queryBool(r, "include_ensembles")
	rows := make([]map[string]any, 0, len(board.Entries))

	for _, entry := range board.Entries {
		modelID := docString(entry, "model_id")

		if !includeEnsembles && ensemble.IsEnsembleModel(modelID) {
			continue
		}

		score := anyMap(entry["score"])
		metrics := anyMap(score["metrics"])

		rank, ok := docInt(entry, "rank")
		if !ok {
			rank = 999999
		}

		row := map[string]any{
			"created_at":    board.CreatedAt,
			"model_id":      modelID,
			"score_metrics": metrics,
			"score_ranking": score["ranking"],
			"rank":          rank,
			"model_name":    entry["model_name"],
			"cruncher_name": entry["cruncher_name"],
		}

		for key, value := range numericFields(metrics) {
			row[key] = value
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["rank"].(int) < rows[j]["rank"].(int)
	})

	writeJSON(w, http.StatusOK, rows)
}

// scoreRange resolves the projectIds/start/end query trio, defaulting
// to all known models over the trailing week.
func (s *Server) scoreRange(r *http.Request) ([]string, time.Time, time.Time, error) {
	ids := projectIDs(r)

	if len(ids) == 0 {
		models, err := s.opts.Models.All(r.Context())
		if err != nil {
			return nil, time.Time{}, time.Time{}, err
		}

		for id := range models {
			ids = append(ids, id)
		}

		sort.Strings(ids)
	}

	end := time.Now().UTC()
	if until := queryTime(r, "end"); until != nil {
		end = *until
	}

	start := end.AddDate(0, 0, -defaultRangeDays)
	if since := queryTime(r, "start"); since != nil {
		start = *since
	}

	return ids, start, end, nil
}

func withoutEnsembles(ids []string) []string {
	kept := ids[:0]

	for _, id := range ids {
		if !ensemble.IsEnsembleModel(id) {
			kept = append(kept, id)
		}
	}

	return kept
}

// windowMetrics averages successful score values inside each
// aggregation window ending now.
func (s *Server) windowMetrics(scores []store.ScoredPrediction, now time.Time) map[string]float64 {
	metrics := map[string]float64{}

	for name, window := range s.opts.Contract.Aggregation.Windows {
		cutoff := now.Add(-time.Duration(window.Hours) * time.Hour)

		var sum float64

		count := 0

		for _, scored := range scores {
			if scored.Score == nil || !scored.Score.Success {
				continue
			}

			value, ok := scored.Score.Value()
			if !ok || scored.Prediction.PerformedAt.Before(cutoff) {
				continue
			}

			sum += value
			count++
		}

		if count > 0 {
			metrics[name] = sum / float64(count)
		} else {
			metrics[name] = 0
		}
	}

	return metrics
}

func (s *Server) rankingDoc(metrics map[string]float64) map[string]any {
	key := s.opts.Contract.Aggregation.RankingKey

	return map[string]any{
		"key":       key,
		"value":     metrics[key],
		"direction": s.opts.Contract.Aggregation.RankingDirection,
	}
}

func (s *Server) handleModelsGlobal(w http.ResponseWriter, r *http.Request) {
	ids, start, end, err := s.scoreRange(r)
	if err != nil {
		writeError(w, err)

		return
	}

	if !queryBool(r, "include_ensembles") {
		ids = withoutEnsembles(ids)
	}

	byModel, err := s.opts.Predictions.ScoredByModel(r.Context(), ids, &start, &end)
	if err != nil {
		writeError(w, err)

		return
	}

	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(byModel))

	for _, id := range ids {
		scored := byModel[id]
		if !hasSuccessfulScore(scored) {
			continue
		}

		metrics := s.windowMetrics(scored, now)

		row := map[string]any{
			"model_id":      id,
			"score_metrics": metrics,
			"score_ranking": s.rankingDoc(metrics),
			"performed_at":  latestPerformedAt(scored, end),
		}

		for key, value := range metrics {
			row[key] = value
		}

		rows = append(rows, row)
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleModelsParams(w http.ResponseWriter, r *http.Request) {
	ids, start, end, err := s.scoreRange(r)
	if err != nil {
		writeError(w, err)

		return
	}

	if !queryBool(r, "include_ensembles") {
		ids = withoutEnsembles(ids)
	}

	byModel, err := s.opts.Predictions.ScoredByModel(r.Context(), ids, &start, &end)
	if err != nil {
		writeError(w, err)

		return
	}

	type groupKey struct {
		modelID  string
		scopeKey string
	}

	grouped := map[groupKey][]store.ScoredPrediction{}

	var order []groupKey

	for _, id := range ids {
		for _, scored := range byModel[id] {
			key := groupKey{modelID: id, scopeKey: scored.Prediction.ScopeKey}

			if _, seen := grouped[key]; !seen {
				order = append(order, key)
			}

			grouped[key] = append(grouped[key], scored)
		}
	}

	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(order))

	for _, key := range order {
		scored := grouped[key]
		if !hasSuccessfulScore(scored) {
			continue
		}

		metrics := s.windowMetrics(scored, now)

		row := map[string]any{
			"model_id":      key.modelID,
			"scope_key":     key.scopeKey,
			"scope":         scored[len(scored)-1].Prediction.Scope,
			"score_metrics": metrics,
			"score_ranking": s.rankingDoc(metrics),
			"performed_at":  latestPerformedAt(scored, end),
		}

		for name, value := range metrics {
			row[name] = value
		}

		rows = append(rows, row)
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	ids, start, end, err := s.scoreRange(r)
	if err != nil {
		writeError(w, err)

		return
	}

	byModel, err := s.opts.Predictions.ScoredByModel(r.Context(), ids, &start, &end)
	if err != nil {
		writeError(w, err)

		return
	}

	var rows []map[string]any

	for _, id := range ids {
		for _, scored := range byModel[id] {
			row := map[string]any{
				"model_id":             scored.Prediction.ModelID,
				"prediction_config_id": scored.Prediction.PredictionConfigID,
				"scope_key":            scored.Prediction.ScopeKey,
				"scope":                scored.Prediction.Scope,
				"performed_at":         scored.Prediction.PerformedAt,
			}

			if scored.Score != nil {
				value, _ := scored.Score.Value()
				row["score_value"] = value
				row["score_failed"] = !scored.Score.Success
				row["score_failed_reason"] = scored.Score.FailedReason
				row["scored_at"] = scored.Score.ScoredAt
			} else {
				row["score_value"] = nil
				row["score_failed"] = true
				row["score_failed_reason"] = "Prediction not scored"
				row["scored_at"] = nil
			}

			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["performed_at"].(time.Time).Before(rows[j]["performed_at"].(time.Time))
	})

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.opts.Feeds.IndexedFeeds(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleFeedsTail(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 200 {
		limit = 20
	}

	records, err := s.opts.Feeds.Tail(r.Context(), store.TailQuery{
		Source:      r.URL.Query().Get("source"),
		Subject:     r.URL.Query().Get("subject"),
		Kind:        r.URL.Query().Get("kind"),
		Granularity: r.URL.Query().Get("granularity"),
		Limit:       limit,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	rows := make([]map[string]any, 0, len(records))

	for _, record := range records {
		rows = append(rows, map[string]any{
			"source":      record.Source,
			"subject":     record.Subject,
			"kind":        record.Kind,
			"granularity": record.Granularity,
			"ts_event":    record.TsEvent,
			"ts_ingested": record.TsIngested,
			"values":      record.Values,
			"meta":        record.Meta,
		})
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	snapshots, err := s.opts.Snapshots.Find(r.Context(), store.SnapshotQuery{
		ModelID: r.URL.Query().Get("model_id"),
		Since:   queryTime(r, "since"),
		Until:   queryTime(r, "until"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	rows := make([]map[string]any, 0, len(snapshots))

	for _, snapshot := range snapshots {
		rows = append(rows, map[string]any{
			"id":               snapshot.ID,
			"model_id":         snapshot.ModelID,
			"period_start":     snapshot.PeriodStart,
			"period_end":       snapshot.PeriodEnd,
			"prediction_count": snapshot.PredictionCount,
			"result_summary":   snapshot.ResultSummary,
			"created_at":       snapshot.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleModelDiversity(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	snapshots, err := s.opts.Snapshots.Find(r.Context(), store.SnapshotQuery{ModelID: modelID})
	if err != nil {
		writeError(w, err)

		return
	}

	if len(snapshots) == 0 {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("No snapshots found for model %q", modelID))

		return
	}

	latest := snapshots[0]
	for _, snapshot := range snapshots[1:] {
		if snapshot.PeriodEnd.After(latest.PeriodEnd) {
			latest = snapshot
		}
	}

	summary := latest.ResultSummary

	response := map[string]any{
		"model_id":            modelID,
		"rank":                s.leaderboardRank(r, modelID),
		"diversity_score":     nil,
		"metrics":             diversityMetricsDoc(summary),
		"guidance":            diversityGuidance(summary),
		"snapshot_period_end": latest.PeriodEnd,
	}

	if corr, ok := entity.NumericValue(summary, "model_correlation"); ok {
		response["diversity_score"] = diversityScore(corr)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDiversityOverview(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	snapshots, err := s.opts.Snapshots.Find(r.Context(), store.SnapshotQuery{Limit: 500})
	if err != nil {
		writeError(w, err)

		return
	}

	latest := map[string]entity.Snapshot{}

	for _, snapshot := range snapshots {
		if ensemble.IsEnsembleModel(snapshot.ModelID) {
			continue
		}

		current, seen := latest[snapshot.ModelID]
		if !seen || snapshot.PeriodEnd.After(current.PeriodEnd) {
			latest[snapshot.ModelID] = snapshot
		}
	}

	rows := make([]map[string]any, 0, len(latest))

	for modelID, snapshot := range latest {
		summary := snapshot.ResultSummary

		row := map[string]any{
			"model_id":        modelID,
			"period_end":      snapshot.PeriodEnd,
			"diversity_score": nil,
		}

		for _, key := range []string{"model_correlation", "ensemble_correlation", "contribution", "fnc", "ic"} {
			if value, ok := entity.NumericValue(summary, key); ok {
				row[key] = value
			} else {
				row[key] = nil
			}
		}

		if corr, ok := entity.NumericValue(summary, "model_correlation"); ok {
			row["diversity_score"] = diversityScore(corr)
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return overviewSortKey(rows[i]) > overviewSortKey(rows[j])
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleEnsembleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	snapshots, err := s.opts.Snapshots.Find(r.Context(), store.SnapshotQuery{
		Since: queryTime(r, "since"),
		Until: queryTime(r, "until"),
		Limit: 500,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	wanted := r.URL.Query().Get("name")

	var rows []map[string]any

	for _, snapshot := range snapshots {
		if !ensemble.IsEnsembleModel(snapshot.ModelID) {
			continue
		}

		name := ensembleName(snapshot.ModelID)
		if wanted != "" && name != wanted {
			continue
		}

		row := map[string]any{
			"ensemble_name":    name,
			"model_id":         snapshot.ModelID,
			"period_start":     snapshot.PeriodStart,
			"period_end":       snapshot.PeriodEnd,
			"prediction_count": snapshot.PredictionCount,
		}

		for key, value := range numericFields(snapshot.ResultSummary) {
			row[key] = value
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["period_end"].(time.Time).Before(rows[j]["period_end"].(time.Time))
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	writeJSON(w, http.StatusOK, rows)
}

// leaderboardRank looks the model up in the latest standings; nil when
// absent or no board exists yet.
func (s *Server) leaderboardRank(r *http.Request, modelID string) any {
	board, err := s.opts.Leaderboards.Latest(r.Context())
	if err != nil || board == nil {
		return nil
	}

	for _, entry := range board.Entries {
		if docString(entry, "model_id") == modelID {
			if rank, ok := docInt(entry, "rank"); ok {
				return rank
			}
		}
	}

	return nil
}

func hasSuccessfulScore(scored []store.ScoredPrediction) bool {
	for _, item := range scored {
		if item.Score != nil && item.Score.Success {
			if _, ok := item.Score.Value(); ok {
				return true
			}
		}
	}

	return false
}

func latestPerformedAt(scored []store.ScoredPrediction, fallback time.Time) time.Time {
	latest := fallback

	for i, item := range scored {
		if i == 0 || item.Prediction.PerformedAt.After(latest) {
			latest = item.Prediction.PerformedAt
		}
	}

	return latest
}

func ensembleName(modelID string) string {
	return strings.TrimSuffix(strings.TrimPrefix(modelID, ensemble.Prefix), ensemble.Suffix)
}

func diversityScore(correlation float64) float64 {
	score := 1 - correlation
	if correlation < 0 {
		score = 1 + correlation
	}

	if score < 0 {
		score = 0
	}

	return roundTo(score, 4)
}

func diversityMetricsDoc(summary map[string]any) map[string]any {
	doc := map[string]any{}

	for _, key := range []string{"ic", "model_correlation", "ensemble_correlation", "contribution", "fnc"} {
		if value, ok := entity.NumericValue(summary, key); ok {
			doc[key] = value
		} else {
			doc[key] = nil
		}
	}

	return doc
}

// diversityGuidance turns the latest diversity metrics into actionable
// feedback for the competitor.
func diversityGuidance(summary map[string]any) []string {
	var guidance []string

	corr, hasCorr := entity.NumericValue(summary, "model_correlation")
	ens, hasEns := entity.NumericValue(summary, "ensemble_correlation")
	contribution, hasContribution := entity.NumericValue(summary, "contribution")
	ic, hasIC := entity.NumericValue(summary, "ic")

	if hasCorr && corr > 0.7 {
		guidance = append(guidance, fmt.Sprintf(
			"High correlation (%.2f) with other models. Your signal overlaps significantly "+
				"with existing models. Consider a different approach or features to increase uniqueness.",
			corr,
		))
	}

	if hasEns && ens > 0.9 {
		guidance = append(guidance, fmt.Sprintf(
			"Very high ensemble correlation (%.2f). Your model closely tracks the ensemble "+
				"and adds little new information.",
			ens,
		))
	}

	if hasContribution && contribution < 0 {
		guidance = append(guidance, fmt.Sprintf(
			"Negative contribution (%.4f). The ensemble performs better without your model. "+
				"This may reduce rewards in contribution-weighted competitions.",
			contribution,
		))
	}

	if hasContribution && contribution > 0.01 {
		guidance = append(guidance, fmt.Sprintf(
			"Positive contribution (%.4f). Your model improves the ensemble.",
			contribution,
		))
	}

	if hasCorr && corr < 0.3 && hasIC && ic > 0 {
		guidance = append(guidance,
			"Low correlation + positive IC: your model provides unique alpha. "+
				"This is the ideal profile for ensemble contribution.",
		)
	}

	if len(guidance) == 0 {
		guidance = append(guidance,
			"Not enough data yet for diversity guidance. Keep submitting predictions.",
		)
	}

	return guidance
}

func overviewSortKey(row map[string]any) float64 {
	if value, ok := row["diversity_score"].(float64); ok {
		return value
	}

	return 0
}
