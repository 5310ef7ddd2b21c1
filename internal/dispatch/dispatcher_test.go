package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/runner"
)

type fakeBuilder struct {
	input map[string]any
}

func (b *fakeBuilder) BuildInput(context.Context, time.Time) (map[string]any, error) {
	return b.input, nil
}

type fakeCaller struct {
	models    []entity.Model
	responses map[string]runner.Response
	predicts  int
}

func (c *fakeCaller) Init(context.Context) error { return nil }

func (c *fakeCaller) Tick(context.Context, map[string]any) ([]entity.Model, error) {
	return c.models, nil
}

func (c *fakeCaller) Predict(
	_ context.Context, _ string, _ map[string]any,
) (map[string]runner.Response, error) {
	c.predicts++

	return c.responses, nil
}

type fakeStores struct {
	inputs      []entity.Input
	predictions []*entity.Prediction
	models      []*entity.Model
	configs     []entity.ScheduledPredictionConfig
}

func (s *fakeStores) Save(_ context.Context, input *entity.Input) error {
	s.inputs = append(s.inputs, *input)

	return nil
}

func (s *fakeStores) SaveAll(_ context.Context, predictions []*entity.Prediction) error {
	s.predictions = append(s.predictions, predictions...)

	return nil
}

func (s *fakeStores) SaveAllModels(_ context.Context, models []*entity.Model) error {
	s.models = append(s.models, models...)

	return nil
}

func (s *fakeStores) Active(context.Context) ([]entity.ScheduledPredictionConfig, error) {
	return s.configs, nil
}

type modelStoreAdapter struct{ s *fakeStores }

func (a modelStoreAdapter) SaveAll(ctx context.Context, models []*entity.Model) error {
	return a.s.SaveAllModels(ctx, models)
}

func newDispatcher(caller *fakeCaller, stores *fakeStores) *Dispatcher {
	return New(Options{
		Builder:     &fakeBuilder{input: map[string]any{"asof_ts": int64(1)}},
		Caller:      caller,
		Inputs:      stores,
		Predictions: stores,
		Models:      modelStoreAdapter{s: stores},
		Configs:     stores,
		Contract:    challenge.Default(),
		Feed: config.FeedConfig{
			Source:      "binance",
			Subjects:    []string{"BTCUSDT"},
			Kind:        "candle",
			Granularity: "1m",
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func scheduledConfig(id string) entity.ScheduledPredictionConfig {
	return entity.ScheduledPredictionConfig{
		ID:       id,
		ScopeKey: "btc-1m",
		Schedule: entity.Schedule{PredictionIntervalSeconds: 60},
		Active:   true,
	}
}

func TestRunOncePersistsPendingPredictions(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		models: []entity.Model{{ID: "model-1", Name: "alpha"}},
		responses: map[string]runner.Response{
			"model-1": {ModelID: "model-1", Output: map[string]any{"value": 0.7}, ExecTimeMs: 3.5},
		},
	}

	stores := &fakeStores{configs: []entity.ScheduledPredictionConfig{scheduledConfig("cfg-1")}}
	dispatcher := newDispatcher(caller, stores)

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	count, err := dispatcher.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Len(t, stores.predictions, 1)

	prediction := stores.predictions[0]
	assert.Equal(t, entity.PredictionPending, prediction.Status)
	assert.Equal(t, "model-1", prediction.ModelID)
	assert.Equal(t, "btc-1m", prediction.ScopeKey)
	assert.Equal(t, "cfg-1", prediction.PredictionConfigID)
	assert.Equal(t, 0.7, prediction.InferenceOutput["value"])
	assert.InDelta(t, 3.5, prediction.ExecTimeMS, 1e-9)

	// Scope on the record carries the merged context minus the key.
	assert.Equal(t, "BTC", prediction.Scope["subject"])
	assert.NotContains(t, prediction.Scope, "scope_key")

	// Horizon default: resolvable 60s after dispatch.
	assert.Equal(t, now.Add(time.Minute), prediction.ResolvableAt)

	require.Len(t, stores.models, 1)
}

func TestRunOnceMarksNonRespondersAbsent(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		models: []entity.Model{{ID: "model-1"}, {ID: "model-2"}},
		responses: map[string]runner.Response{
			"model-1": {ModelID: "model-1", Output: map[string]any{"value": 0.1}},
		},
	}

	stores := &fakeStores{configs: []entity.ScheduledPredictionConfig{scheduledConfig("cfg-1")}}
	dispatcher := newDispatcher(caller, stores)

	_, err := dispatcher.RunOnce(context.Background(), time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, stores.predictions, 2)

	byModel := map[string]*entity.Prediction{}
	for _, prediction := range stores.predictions {
		byModel[prediction.ModelID] = prediction
	}

	assert.Equal(t, entity.PredictionPending, byModel["model-1"].Status)

	absent := byModel["model-2"]
	assert.Equal(t, entity.PredictionAbsent, absent.Status)
	assert.Empty(t, absent.InferenceOutput)
	assert.Contains(t, absent.ID, "ABS_")
}

func TestRunOnceFailsInvalidOutput(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		models: []entity.Model{{ID: "model-1"}},
		responses: map[string]runner.Response{
			"model-1": {ModelID: "model-1", Output: map[string]any{"value": "not-a-number"}},
		},
	}

	stores := &fakeStores{configs: []entity.ScheduledPredictionConfig{scheduledConfig("cfg-1")}}
	dispatcher := newDispatcher(caller, stores)

	_, err := dispatcher.RunOnce(context.Background(), time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, stores.predictions, 1)

	failed := stores.predictions[0]
	assert.Equal(t, entity.PredictionFailed, failed.Status)
	assert.Contains(t, failed.InferenceOutput, "_validation_error")
	assert.Contains(t, failed.InferenceOutput, "raw_output")
}

func TestRunOnceHonorsNextRun(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		models: []entity.Model{{ID: "model-1"}},
		responses: map[string]runner.Response{
			"model-1": {ModelID: "model-1", Output: map[string]any{"value": 0.1}},
		},
	}

	stores := &fakeStores{configs: []entity.ScheduledPredictionConfig{scheduledConfig("cfg-1")}}
	dispatcher := newDispatcher(caller, stores)

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	_, err := dispatcher.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.predicts)

	// 30s later the 60s schedule has not come due.
	_, err = dispatcher.RunOnce(context.Background(), now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, caller.predicts)

	_, err = dispatcher.RunOnce(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, caller.predicts)
}

func TestRunOnceTightensInputResolvableAt(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		models: []entity.Model{{ID: "model-1"}},
		responses: map[string]runner.Response{
			"model-1": {ModelID: "model-1", Output: map[string]any{"value": 0.1}},
		},
	}

	slow := scheduledConfig("cfg-slow")
	slow.Schedule.ResolveAfterSeconds = 600

	fast := scheduledConfig("cfg-fast")
	fast.Schedule.ResolveAfterSeconds = 30

	stores := &fakeStores{configs: []entity.ScheduledPredictionConfig{slow, fast}}
	dispatcher := newDispatcher(caller, stores)

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	_, err := dispatcher.RunOnce(context.Background(), now)
	require.NoError(t, err)

	// The earliest horizon wins on the stored input.
	require.NotEmpty(t, stores.inputs)

	final := stores.inputs[len(stores.inputs)-1]
	require.NotNil(t, final.ResolvableAt)
	assert.Equal(t, now.Add(30*time.Second), *final.ResolvableAt)

	// Feed dimensions land on the input scope for the resolver; scope
	// overlay keys win over feed defaults.
	assert.Equal(t, "binance", final.Scope["source"])
	assert.Equal(t, "candle", final.Scope["kind"])
	assert.Equal(t, "1m", final.Scope["granularity"])
	assert.Equal(t, "BTC", final.Scope["subject"])
}

func TestRunOnceSkipsWhenNoConfigs(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{models: []entity.Model{{ID: "model-1"}}}
	stores := &fakeStores{}
	dispatcher := newDispatcher(caller, stores)

	count, err := dispatcher.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Zero(t, count)
	assert.Zero(t, caller.predicts)
	assert.Empty(t, stores.predictions)
}
