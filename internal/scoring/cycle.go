package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/leaderboard"
	"github.com/crunchkit/coordinator/internal/metrics"
	"github.com/crunchkit/coordinator/internal/store"
)

// CycleSummary counts what one cycle produced.
type CycleSummary struct {
	Resolved  int
	Scored    int
	Snapshots int
}

// scoredPrediction pairs a freshly scored prediction with its score.
type scoredPrediction struct {
	prediction entity.Prediction
	score      entity.Score
}

// RunOnce executes one score cycle. Every repository write happens in
// a single transaction; an error skips the whole cycle. The merkle
// commit runs after the transaction and is never fatal.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (CycleSummary, error) {
	var (
		summary        CycleSummary
		cycleSnapshots []*entity.Snapshot
	)

	txErr := s.tx(ctx, func(st Stores) error {
		resolved, resolveErr := s.resolveInputs(ctx, st, now)
		if resolveErr != nil {
			return resolveErr
		}

		summary.Resolved = resolved

		scored, inputs, scoreErr := s.scorePredictions(ctx, st, now)
		if scoreErr != nil {
			return scoreErr
		}

		summary.Scored = len(scored)

		if len(scored) == 0 {
			return nil
		}

		snapshots, modelMetrics, allPreds, snapErr := s.writeSnapshots(ctx, st, scored, now)
		if snapErr != nil {
			return snapErr
		}

		ensembleSnaps, ensErr := s.computeEnsembles(ctx, st, allPreds, modelMetrics, inputs, now)
		if ensErr != nil {
			return ensErr
		}

		cycleSnapshots = append(snapshots, ensembleSnaps...)
		summary.Snapshots = len(cycleSnapshots)

		return s.rebuildLeaderboard(ctx, st, now)
	})
	if txErr != nil {
		return CycleSummary{}, txErr
	}

	if s.worker != nil && summary.Snapshots > 0 {
		s.worker.RecordSnapshots(ctx, int64(summary.Snapshots))
	}

	if s.merkle != nil && len(cycleSnapshots) > 0 {
		_, commitErr := s.merkle.CommitCycle(ctx, cycleSnapshots, now)
		if commitErr != nil {
			s.logger.WarnContext(ctx, "merkle cycle commit failed", "error", commitErr)
		}
	}

	return summary, nil
}

// resolveInputs attaches ground truth to every received input whose
// resolution horizon has passed. Windows with no usable price stay
// unresolved and are retried next cycle.
func (s *Service) resolveInputs(ctx context.Context, st Stores, now time.Time) (int, error) {
	due, err := st.Inputs.Find(ctx, store.InputQuery{
		Status:           entity.InputReceived,
		ResolvableBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	resolved := 0

	for i := range due {
		input := &due[i]
		if input.ResolvableAt == nil {
			continue
		}

		records, fetchErr := s.window.FetchWindow(ctx, input.ReceivedAt, *input.ResolvableAt)
		if fetchErr != nil {
			return resolved, fetchErr
		}

		actuals := s.contract.ResolveGroundTruth(records)
		if actuals == nil {
			s.logger.WarnContext(ctx, "ground truth not resolvable", "input_id", input.ID)

			continue
		}

		input.Actuals = actuals
		input.Status = entity.InputResolved

		saveErr := st.Inputs.Save(ctx, input)
		if saveErr != nil {
			return resolved, saveErr
		}

		resolved++
	}

	return resolved, nil
}

// scorePredictions scores every pending prediction whose input carries
// actuals and flips it to SCORED. The resolved inputs touched along
// the way are returned for ensemble scoring.
func (s *Service) scorePredictions(
	ctx context.Context, st Stores, now time.Time,
) ([]scoredPrediction, map[string]*entity.Input, error) {
	pending, err := st.Predictions.Find(ctx, store.PredictionQuery{
		Statuses:         []entity.PredictionStatus{entity.PredictionPending},
		ResolvableBefore: &now,
	})
	if err != nil {
		return nil, nil, err
	}

	inputs := make(map[string]*entity.Input)
	scored := make([]scoredPrediction, 0, len(pending))

	for i := range pending {
		prediction := &pending[i]

		input, known := inputs[prediction.InputID]
		if !known {
			loaded, getErr := st.Inputs.Get(ctx, prediction.InputID)
			if getErr != nil {
				return nil, nil, getErr
			}

			input = loaded
			inputs[prediction.InputID] = input
		}

		if input == nil || input.Status != entity.InputResolved {
			continue
		}

		score := s.scoreOne(ctx, prediction, input.Actuals, now)

		saveErr := st.Scores.Save(ctx, &score)
		if saveErr != nil {
			return nil, nil, saveErr
		}

		prediction.Status = entity.PredictionScored

		updateErr := st.Predictions.Save(ctx, prediction)
		if updateErr != nil {
			return nil, nil, updateErr
		}

		if s.worker != nil {
			s.worker.RecordScore(ctx, score.Success)
		}

		scored = append(scored, scoredPrediction{prediction: *prediction, score: score})
	}

	return scored, inputs, nil
}

// scoreOne never fails the cycle: a scorer error or schema violation
// produces an unsuccessful score record instead.
func (s *Service) scoreOne(
	ctx context.Context, prediction *entity.Prediction, actuals map[string]any, now time.Time,
) entity.Score {
	score := entity.Score{
		ID:           entity.NewScoreID(prediction.ID),
		PredictionID: prediction.ID,
		ScoredAt:     now,
	}

	result, err := s.contract.Score(prediction.InferenceOutput, actuals)
	if err == nil {
		err = s.contract.ValidateScore(result)
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "scoring failed",
			"prediction_id", prediction.ID,
			"error", err,
		)

		score.Result = map[string]any{}
		score.FailedReason = err.Error()

		return score
	}

	score.Result = result
	score.Success = true

	return score
}

// writeSnapshots folds the cycle's scores into one snapshot per model,
// enriched with the contract's registry metrics. Returns the snapshots,
// the computed metric values per model, and every model's prediction
// documents for the ensemble stage.
func (s *Service) writeSnapshots(
	ctx context.Context, st Stores, scored []scoredPrediction, now time.Time,
) ([]*entity.Snapshot, map[string]map[string]float64, map[string][]map[string]any, error) {
	type modelCycle struct {
		preds   []map[string]any
		scores  []map[string]any
		results []map[string]any
		start   time.Time
	}

	byModel := make(map[string]*modelCycle)
	allPreds := make(map[string][]map[string]any)
	cycleStart := now

	for i := range scored {
		item := &scored[i]

		// Ensemble predictions are synthesized after this stage; a
		// stray one must not feed back into member snapshots.
		if ensemble.IsEnsembleModel(item.prediction.ModelID) {
			continue
		}

		mc, ok := byModel[item.prediction.ModelID]
		if !ok {
			mc = &modelCycle{start: item.prediction.PerformedAt}
			byModel[item.prediction.ModelID] = mc
		}

		if item.prediction.PerformedAt.Before(mc.start) {
			mc.start = item.prediction.PerformedAt
		}

		if item.prediction.PerformedAt.Before(cycleStart) {
			cycleStart = item.prediction.PerformedAt
		}

		predDoc := predictionDoc(&item.prediction)
		mc.preds = append(mc.preds, predDoc)
		mc.scores = append(mc.scores, scoreDoc(&item.score))
		allPreds[item.prediction.ModelID] = append(allPreds[item.prediction.ModelID], predDoc)

		if item.score.Success {
			mc.results = append(mc.results, item.score.Result)
		}
	}

	ensembleSets, setsErr := s.ensembleSets(ctx, st, cycleStart)
	if setsErr != nil {
		return nil, nil, nil, setsErr
	}

	modelIDs := make([]string, 0, len(byModel))
	for modelID := range byModel {
		modelIDs = append(modelIDs, modelID)
	}

	sort.Strings(modelIDs)

	snapshots := make([]*entity.Snapshot, 0, len(byModel))
	modelMetrics := make(map[string]map[string]float64, len(byModel))

	for _, modelID := range modelIDs {
		mc := byModel[modelID]

		summary := s.contract.AggregateSnapshot(mc.results)

		computed := s.computeMetrics(mc.preds, mc.scores, &metrics.Context{
			ModelID:             modelID,
			WindowStart:         mc.start,
			WindowEnd:           now,
			AllModelPredictions: allPreds,
			Ensembles:           ensembleSets,
		})
		for name, value := range computed {
			summary[name] = value
		}

		s.stampRankingKey(summary)

		if value, ok := entity.NumericValue(summary, "value"); ok {
			computed["value"] = value
		}

		modelMetrics[modelID] = computed

		snapshot := &entity.Snapshot{
			ID:              entity.NewSnapshotID(modelID, now),
			ModelID:         modelID,
			PeriodStart:     mc.start,
			PeriodEnd:       now,
			PredictionCount: len(mc.preds),
			ResultSummary:   summary,
			CreatedAt:       now,
		}

		saveErr := st.Snapshots.Save(ctx, snapshot)
		if saveErr != nil {
			return nil, nil, nil, saveErr
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, modelMetrics, allPreds, nil
}

// computeEnsembles rebuilds every configured virtual model from this
// cycle's member predictions: filter members, weight them, synthesize
// group predictions, score them against the same actuals, and snapshot
// the virtual model like any competitor.
func (s *Service) computeEnsembles(
	ctx context.Context,
	st Stores,
	allPreds map[string][]map[string]any,
	modelMetrics map[string]map[string]float64,
	inputs map[string]*entity.Input,
	now time.Time,
) ([]*entity.Snapshot, error) {
	snapshots := make([]*entity.Snapshot, 0, len(s.contract.Ensembles))

	for _, cfg := range s.contract.Ensembles {
		members := ensemble.ApplyFilter(cfg, modelMetrics, allPreds)
		if len(members) == 0 {
			continue
		}

		strategy := cfg.Strategy
		if strategy == nil {
			strategy = ensemble.InverseVariance
		}

		weights := strategy(modelMetrics, members)

		predictions := ensemble.BuildPredictions(cfg.Name, weights, members, now)
		if len(predictions) == 0 {
			continue
		}

		var (
			results   []map[string]any
			predDocs  []map[string]any
			scoreDocs []map[string]any
		)

		for i := range predictions {
			prediction := &predictions[i]
			prediction.ResolvableAt = now

			saveErr := st.Predictions.Save(ctx, prediction)
			if saveErr != nil {
				return nil, saveErr
			}

			input, inputErr := s.lookupInput(ctx, st, inputs, prediction.InputID)
			if inputErr != nil {
				return nil, inputErr
			}

			if input == nil || input.Status != entity.InputResolved {
				continue
			}

			score := s.scoreOne(ctx, prediction, input.Actuals, now)

			scoreErr := st.Scores.Save(ctx, &score)
			if scoreErr != nil {
				return nil, scoreErr
			}

			predDocs = append(predDocs, predictionDoc(prediction))
			scoreDocs = append(scoreDocs, scoreDoc(&score))

			if score.Success {
				results = append(results, score.Result)
			}
		}

		if len(predDocs) == 0 {
			continue
		}

		virtualID := ensemble.ModelID(cfg.Name)

		summary := s.contract.AggregateSnapshot(results)

		computed := s.computeMetrics(predDocs, scoreDocs, &metrics.Context{
			ModelID:             virtualID,
			WindowStart:         now,
			WindowEnd:           now,
			AllModelPredictions: allPreds,
			Ensembles:           []metrics.EnsemblePredictions{{Name: cfg.Name, Preds: predDocs}},
		})
		for name, value := range computed {
			summary[name] = value
		}

		s.stampRankingKey(summary)

		snapshot := &entity.Snapshot{
			ID:              entity.NewSnapshotID(virtualID, now),
			ModelID:         virtualID,
			PeriodStart:     now,
			PeriodEnd:       now,
			PredictionCount: len(predDocs),
			ResultSummary:   summary,
			Meta:            map[string]any{"ensemble_name": cfg.Name, "weights": weights},
			CreatedAt:       now,
		}

		saveErr := st.Snapshots.Save(ctx, snapshot)
		if saveErr != nil {
			return nil, saveErr
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

// rebuildLeaderboard refreshes the standings from every snapshot inside
// the widest aggregation window.
func (s *Service) rebuildLeaderboard(ctx context.Context, st Stores, now time.Time) error {
	since := now.Add(-s.maxWindow())

	snapshots, err := st.Snapshots.Find(ctx, store.SnapshotQuery{Since: &since})
	if err != nil {
		return err
	}

	if len(snapshots) == 0 {
		return nil
	}

	models, modelsErr := st.Models.All(ctx)
	if modelsErr != nil {
		return modelsErr
	}

	entries := leaderboard.Build(snapshots, models, s.contract.Aggregation, s.contract.Metrics, now)

	meta := map[string]any{
		"generated_by": "score-cycle",
		"entry_count":  len(entries),
	}

	return st.Leaderboards.Save(ctx, leaderboard.AsDocuments(entries), meta, now)
}

// stampRankingKey records the snapshot's primary score under the
// contract ranking key, which is what the leaderboard windows average.
// A registry metric that already owns the key wins.
func (s *Service) stampRankingKey(summary map[string]any) {
	key := s.contract.Aggregation.RankingKey
	if key == "" {
		return
	}

	if _, taken := summary[key]; taken {
		return
	}

	if value, ok := entity.NumericValue(summary, "value"); ok {
		summary[key] = value
	}
}

func (s *Service) computeMetrics(
	preds, scores []map[string]any, mctx *metrics.Context,
) map[string]float64 {
	if s.registry == nil || len(s.contract.Metrics) == 0 {
		return map[string]float64{}
	}

	return s.registry.Compute(s.contract.Metrics, preds, scores, mctx)
}

// ensembleSets loads each configured ensemble's scored predictions
// since the window start, in configuration order, so member metrics can
// correlate against them.
func (s *Service) ensembleSets(
	ctx context.Context, st Stores, since time.Time,
) ([]metrics.EnsemblePredictions, error) {
	sets := make([]metrics.EnsemblePredictions, 0, len(s.contract.Ensembles))

	for _, cfg := range s.contract.Ensembles {
		preds, err := st.Predictions.Find(ctx, store.PredictionQuery{
			ModelID:  ensemble.ModelID(cfg.Name),
			Statuses: []entity.PredictionStatus{entity.PredictionScored},
			Since:    &since,
		})
		if err != nil {
			return nil, err
		}

		docs := make([]map[string]any, 0, len(preds))
		for i := range preds {
			docs = append(docs, predictionDoc(&preds[i]))
		}

		sets = append(sets, metrics.EnsemblePredictions{Name: cfg.Name, Preds: docs})
	}

	return sets, nil
}

func (s *Service) lookupInput(
	ctx context.Context, st Stores, cache map[string]*entity.Input, id string,
) (*entity.Input, error) {
	if input, ok := cache[id]; ok {
		return input, nil
	}

	input, err := st.Inputs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cache[id] = input

	return input, nil
}

func (s *Service) maxWindow() time.Duration {
	hours := 0

	for _, window := range s.contract.Aggregation.Windows {
		if window.Hours > hours {
			hours = window.Hours
		}
	}

	if hours == 0 {
		hours = 168
	}

	return time.Duration(hours) * time.Hour
}

// predictionDoc renders a prediction in the generic map shape the
// metric and ensemble functions consume.
func predictionDoc(p *entity.Prediction) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"input_id":         p.InputID,
		"model_id":         p.ModelID,
		"scope_key":        p.ScopeKey,
		"scope":            p.Scope,
		"inference_output": p.InferenceOutput,
	}
}

func scoreDoc(s *entity.Score) map[string]any {
	return map[string]any{
		"result":  s.Result,
		"success": s.Success,
	}
}
