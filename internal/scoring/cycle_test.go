package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/metrics"
	"github.com/crunchkit/coordinator/internal/store"
)

type fakeInputs struct {
	items map[string]*entity.Input
	order []string
}

func newFakeInputs() *fakeInputs {
	return &fakeInputs{items: map[string]*entity.Input{}}
}

func (f *fakeInputs) Find(_ context.Context, query store.InputQuery) ([]entity.Input, error) {
	var out []entity.Input

	for _, id := range f.order {
		input := f.items[id]

		if query.Status != "" && input.Status != query.Status {
			continue
		}

		if query.ResolvableBefore != nil {
			if input.ResolvableAt == nil || input.ResolvableAt.After(*query.ResolvableBefore) {
				continue
			}
		}

		out = append(out, *input)
	}

	return out, nil
}

func (f *fakeInputs) Get(_ context.Context, id string) (*entity.Input, error) {
	input, ok := f.items[id]
	if !ok {
		return nil, nil
	}

	clone := *input

	return &clone, nil
}

func (f *fakeInputs) Save(_ context.Context, input *entity.Input) error {
	if _, seen := f.items[input.ID]; !seen {
		f.order = append(f.order, input.ID)
	}

	clone := *input
	f.items[input.ID] = &clone

	return nil
}

type fakePredictions struct {
	items    map[string]*entity.Prediction
	order    []string
	failSave bool
}

func newFakePredictions() *fakePredictions {
	return &fakePredictions{items: map[string]*entity.Prediction{}}
}

func (f *fakePredictions) Find(_ context.Context, query store.PredictionQuery) ([]entity.Prediction, error) {
	var out []entity.Prediction

	for _, id := range f.order {
		prediction := f.items[id]

		if len(query.Statuses) > 0 && !containsStatus(query.Statuses, prediction.Status) {
			continue
		}

		if query.ModelID != "" && prediction.ModelID != query.ModelID {
			continue
		}

		if query.Since != nil && prediction.PerformedAt.Before(*query.Since) {
			continue
		}

		if query.ResolvableBefore != nil && prediction.ResolvableAt.After(*query.ResolvableBefore) {
			continue
		}

		out = append(out, *prediction)
	}

	return out, nil
}

func (f *fakePredictions) Save(_ context.Context, prediction *entity.Prediction) error {
	if f.failSave {
		return errors.New("prediction save refused")
	}

	if _, seen := f.items[prediction.ID]; !seen {
		f.order = append(f.order, prediction.ID)
	}

	clone := *prediction
	f.items[prediction.ID] = &clone

	return nil
}

func (f *fakePredictions) byModel(modelID string) []*entity.Prediction {
	var out []*entity.Prediction

	for _, id := range f.order {
		if f.items[id].ModelID == modelID {
			out = append(out, f.items[id])
		}
	}

	return out
}

func containsStatus(statuses []entity.PredictionStatus, status entity.PredictionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

type fakeScores struct {
	byPrediction map[string]entity.Score
}

func (f *fakeScores) Save(_ context.Context, score *entity.Score) error {
	f.byPrediction[score.PredictionID] = *score

	return nil
}

type fakeSnapshots struct {
	items []entity.Snapshot
}

func (f *fakeSnapshots) Save(_ context.Context, snapshot *entity.Snapshot) error {
	f.items = append(f.items, *snapshot)

	return nil
}

func (f *fakeSnapshots) Find(_ context.Context, query store.SnapshotQuery) ([]entity.Snapshot, error) {
	var out []entity.Snapshot

	for _, snapshot := range f.items {
		if query.ModelID != "" && snapshot.ModelID != query.ModelID {
			continue
		}

		if query.Since != nil && snapshot.PeriodEnd.Before(*query.Since) {
			continue
		}

		out = append(out, snapshot)
	}

	return out, nil
}

func (f *fakeSnapshots) byModel(modelID string) *entity.Snapshot {
	for i := range f.items {
		if f.items[i].ModelID == modelID {
			return &f.items[i]
		}
	}

	return nil
}

type fakeModels struct {
	items map[string]entity.Model
}

func (f *fakeModels) All(context.Context) (map[string]entity.Model, error) {
	return f.items, nil
}

type savedBoard struct {
	entries []map[string]any
	meta    map[string]any
}

type fakeLeaderboards struct {
	saved []savedBoard
}

func (f *fakeLeaderboards) Save(
	_ context.Context, entries []map[string]any, meta map[string]any, _ time.Time,
) error {
	f.saved = append(f.saved, savedBoard{entries: entries, meta: meta})

	return nil
}

type fakeWindow struct {
	records []entity.FeedRecord
	fetches int
}

func (f *fakeWindow) FetchWindow(context.Context, time.Time, time.Time) ([]entity.FeedRecord, error) {
	f.fetches++

	return f.records, nil
}

type fakeMerkle struct {
	committed [][]*entity.Snapshot
}

func (f *fakeMerkle) CommitCycle(
	_ context.Context, snapshots []*entity.Snapshot, _ time.Time,
) (*entity.MerkleCycle, error) {
	f.committed = append(f.committed, snapshots)

	return nil, nil
}

type fixture struct {
	inputs       *fakeInputs
	predictions  *fakePredictions
	scores       *fakeScores
	snapshots    *fakeSnapshots
	models       *fakeModels
	leaderboards *fakeLeaderboards
	window       *fakeWindow
	merkle       *fakeMerkle

	rolledBack bool
}

func (f *fixture) tx(_ context.Context, fn func(Stores) error) error {
	err := fn(Stores{
		Inputs:       f.inputs,
		Predictions:  f.predictions,
		Scores:       f.scores,
		Snapshots:    f.snapshots,
		Models:       f.models,
		Leaderboards: f.leaderboards,
	})
	if err != nil {
		f.rolledBack = true
	}

	return err
}

func newFixture() (*fixture, *Service) {
	f := &fixture{
		inputs:       newFakeInputs(),
		predictions:  newFakePredictions(),
		scores:       &fakeScores{byPrediction: map[string]entity.Score{}},
		snapshots:    &fakeSnapshots{},
		models:       &fakeModels{items: map[string]entity.Model{}},
		leaderboards: &fakeLeaderboards{},
		window:       &fakeWindow{},
		merkle:       &fakeMerkle{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	service := New(Options{
		Tx:       f.tx,
		Window:   f.window,
		Contract: challenge.Default(),
		Registry: metrics.DefaultRegistry(logger),
		Merkle:   f.merkle,
		Logger:   logger,
		Interval: time.Second,
	})

	return f, service
}

func candleRecord(ts time.Time, close float64) entity.FeedRecord {
	return entity.FeedRecord{
		ID:          entity.FeedRecordID("binance", "BTCUSDT", "candle", "1m", ts),
		Source:      "binance",
		Subject:     "BTCUSDT",
		Kind:        "candle",
		Granularity: "1m",
		TsEvent:     ts,
		Values:      map[string]any{"close": close},
	}
}

func receivedInput(id string, now time.Time) *entity.Input {
	resolvable := now.Add(-time.Minute)

	return &entity.Input{
		ID:           id,
		Status:       entity.InputReceived,
		RawData:      map[string]any{"symbol": "BTCUSDT"},
		Scope:        map[string]any{"subject": "BTC"},
		ReceivedAt:   now.Add(-2 * time.Minute),
		ResolvableAt: &resolvable,
	}
}

func pendingPrediction(id, modelID, inputID string, value float64, now time.Time) *entity.Prediction {
	return &entity.Prediction{
		ID:              id,
		InputID:         inputID,
		ModelID:         modelID,
		ScopeKey:        "btc-1m",
		Scope:           map[string]any{"subject": "BTC"},
		Status:          entity.PredictionPending,
		InferenceOutput: map[string]any{"value": value},
		PerformedAt:     now.Add(-2 * time.Minute),
		ResolvableAt:    now.Add(-time.Minute),
	}
}

func TestRunOnceResolvesInputs(t *testing.T) {
	t.Parallel()

	f, service := newFixture()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	f.window.records = []entity.FeedRecord{
		candleRecord(now.Add(-2*time.Minute), 100),
		candleRecord(now.Add(-time.Minute), 110),
	}

	require.NoError(t, f.inputs.Save(context.Background(), receivedInput("INP_1", now)))

	summary, err := service.RunOnce(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resolved)
	assert.Zero(t, summary.Scored)
	assert.Zero(t, summary.Snapshots)

	input := f.inputs.items["INP_1"]
	require.Equal(t, entity.InputResolved, input.Status)
	assert.InDelta(t, 0.1, input.Actuals["return"], 1e-9)
	assert.Equal(t, true, input.Actuals["direction_up"])

	assert.Empty(t, f.merkle.committed)
	assert.Empty(t, f.leaderboards.saved)
}

func TestRunOnceScoresFullCycle(t *testing.T) {
	t.Parallel()

	f, service := newFixture()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	f.window.records = []entity.FeedRecord{
		candleRecord(now.Add(-2*time.Minute), 100),
		candleRecord(now.Add(-time.Minute), 110),
	}

	ctx := context.Background()

	require.NoError(t, f.inputs.Save(ctx, receivedInput("INP_1", now)))
	require.NoError(t, f.predictions.Save(ctx, pendingPrediction("PRED_A", "model-a", "INP_1", 0.5, now)))
	require.NoError(t, f.predictions.Save(ctx, pendingPrediction("PRED_B", "model-b", "INP_1", -0.2, now)))

	f.models.items = map[string]entity.Model{
		"model-a": {ID: "model-a", Name: "alpha"},
		"model-b": {ID: "model-b", Name: "beta"},
	}

	summary, err := service.RunOnce(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 2, summary.Scored)
	assert.Equal(t, 3, summary.Snapshots)

	// Both members flipped to SCORED with directional scores attached.
	assert.Equal(t, entity.PredictionScored, f.predictions.items["PRED_A"].Status)
	assert.Equal(t, entity.PredictionScored, f.predictions.items["PRED_B"].Status)

	scoreA := f.scores.byPrediction["PRED_A"]
	require.True(t, scoreA.Success)
	assert.InDelta(t, 0.1, scoreA.Result["value"].(float64), 1e-9)

	scoreB := f.scores.byPrediction["PRED_B"]
	require.True(t, scoreB.Success)
	assert.InDelta(t, -0.1, scoreB.Result["value"].(float64), 1e-9)

	// The default ensemble averages both members with equal inverse
	// variance weight: 0.5*0.5 + 0.5*(-0.2).
	ensemblePreds := f.predictions.byModel(ensemble.ModelID("all"))
	require.Len(t, ensemblePreds, 1)
	assert.Equal(t, entity.PredictionScored, ensemblePreds[0].Status)

	value, ok := ensemblePreds[0].OutputValue()
	require.True(t, ok)
	assert.InDelta(t, 0.15, value, 1e-9)

	ensembleScore := f.scores.byPrediction[ensemblePreds[0].ID]
	require.True(t, ensembleScore.Success)
	assert.InDelta(t, 0.1, ensembleScore.Result["value"].(float64), 1e-9)

	// One snapshot per member plus the ensemble, all in the merkle commit.
	require.Len(t, f.snapshots.items, 3)

	snapA := f.snapshots.byModel("model-a")
	require.NotNil(t, snapA)
	assert.Equal(t, 1, snapA.PredictionCount)
	assert.InDelta(t, 0.1, snapA.ResultSummary["value"].(float64), 1e-9)
	assert.Equal(t, now, snapA.PeriodEnd)

	// The primary score rides under the ranking key for the standings.
	assert.InDelta(t, 0.1, snapA.ResultSummary["score_recent"].(float64), 1e-9)

	require.Len(t, f.merkle.committed, 1)
	assert.Len(t, f.merkle.committed[0], 3)

	require.Len(t, f.leaderboards.saved, 1)

	board := f.leaderboards.saved[0]
	assert.Len(t, board.entries, 3)
	assert.Equal(t, "score-cycle", board.meta["generated_by"])
}

func TestRunOnceScoreFailureStaysScored(t *testing.T) {
	t.Parallel()

	f, service := newFixture()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	ctx := context.Background()

	// Already resolved, but the actuals are unusable for the scorer.
	input := receivedInput("INP_1", now)
	input.Status = entity.InputResolved
	input.Actuals = map[string]any{"entry_price": 100.0}
	require.NoError(t, f.inputs.Save(ctx, input))

	require.NoError(t, f.predictions.Save(ctx, pendingPrediction("PRED_A", "model-a", "INP_1", 0.5, now)))

	summary, err := service.RunOnce(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Scored)
	assert.Equal(t, entity.PredictionScored, f.predictions.items["PRED_A"].Status)

	score := f.scores.byPrediction["PRED_A"]
	assert.False(t, score.Success)
	assert.NotEmpty(t, score.FailedReason)
	assert.Empty(t, score.Result)
}

func TestRunOnceSkipsUnresolvedInputs(t *testing.T) {
	t.Parallel()

	f, service := newFixture()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	ctx := context.Background()

	// Empty feed window: the resolver cannot attach actuals yet.
	require.NoError(t, f.inputs.Save(ctx, receivedInput("INP_1", now)))
	require.NoError(t, f.predictions.Save(ctx, pendingPrediction("PRED_A", "model-a", "INP_1", 0.5, now)))

	summary, err := service.RunOnce(ctx, now)
	require.NoError(t, err)

	assert.Zero(t, summary.Resolved)
	assert.Zero(t, summary.Scored)
	assert.Equal(t, entity.PredictionPending, f.predictions.items["PRED_A"].Status)
	assert.Equal(t, entity.InputReceived, f.inputs.items["INP_1"].Status)
}

func TestRunOnceRollsBackOnRepositoryError(t *testing.T) {
	t.Parallel()

	f, service := newFixture()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	f.window.records = []entity.FeedRecord{
		candleRecord(now.Add(-2*time.Minute), 100),
		candleRecord(now.Add(-time.Minute), 110),
	}

	ctx := context.Background()

	require.NoError(t, f.inputs.Save(ctx, receivedInput("INP_1", now)))
	require.NoError(t, f.predictions.Save(ctx, pendingPrediction("PRED_A", "model-a", "INP_1", 0.5, now)))

	f.predictions.failSave = true

	_, err := service.RunOnce(ctx, now)
	require.Error(t, err)

	assert.True(t, f.rolledBack)
	assert.Empty(t, f.merkle.committed)
	assert.Empty(t, f.leaderboards.saved)
}

func TestIntervalDerivation(t *testing.T) {
	t.Parallel()

	explicit := Interval(
		config.ScoringConfig{IntervalSeconds: 30},
		config.CheckpointConfig{IntervalSeconds: 3600},
	)
	assert.Equal(t, 30*time.Second, explicit)

	capped := Interval(
		config.ScoringConfig{},
		config.CheckpointConfig{IntervalSeconds: 3600},
	)
	assert.Equal(t, time.Minute, capped)

	short := Interval(
		config.ScoringConfig{},
		config.CheckpointConfig{IntervalSeconds: 10},
	)
	assert.Equal(t, 10*time.Second, short)
}
