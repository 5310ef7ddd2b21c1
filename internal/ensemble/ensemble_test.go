package ensemble_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
)

const (
	testInputID  = "INP_20250601_083000.000"
	testScopeKey = "btc_1m"
)

func memberPred(inputID, scopeKey string, value float64) map[string]any {
	return map[string]any{
		"input_id":         inputID,
		"scope_key":        scopeKey,
		"inference_output": map[string]any{"value": value},
		"scope":            map[string]any{"subject": "BTC"},
	}
}

func TestModelID(t *testing.T) {
	t.Parallel()

	id := ensemble.ModelID("all")

	assert.Equal(t, "__ensemble_all__", id)
	assert.True(t, ensemble.IsEnsembleModel(id))
	assert.False(t, ensemble.IsEnsembleModel("model-a"))
}

func TestInverseVariance_FavorsStableModels(t *testing.T) {
	t.Parallel()

	predictions := map[string][]map[string]any{
		"stable": {
			memberPred(testInputID, testScopeKey, 1.00),
			memberPred(testInputID, testScopeKey, 1.01),
			memberPred(testInputID, testScopeKey, 0.99),
		},
		"volatile": {
			memberPred(testInputID, testScopeKey, 5.0),
			memberPred(testInputID, testScopeKey, -5.0),
			memberPred(testInputID, testScopeKey, 3.0),
		},
	}

	weights := ensemble.InverseVariance(nil, predictions)

	require.Len(t, weights, 2)
	assert.Greater(t, weights["stable"], weights["volatile"])
	assert.InDelta(t, 1.0, weights["stable"]+weights["volatile"], 1e-9)
}

func TestInverseVariance_FewValuesGetUnitWeight(t *testing.T) {
	t.Parallel()

	predictions := map[string][]map[string]any{
		"one": {memberPred(testInputID, testScopeKey, 1.0)},
		"two": {memberPred(testInputID, testScopeKey, 2.0)},
	}

	weights := ensemble.InverseVariance(nil, predictions)

	assert.InDelta(t, 0.5, weights["one"], 1e-9)
	assert.InDelta(t, 0.5, weights["two"], 1e-9)
}

func TestInverseVariance_ZeroVarianceTreatedAsUnit(t *testing.T) {
	t.Parallel()

	predictions := map[string][]map[string]any{
		"constant": {
			memberPred(testInputID, testScopeKey, 2.0),
			memberPred(testInputID, testScopeKey, 2.0),
			memberPred(testInputID, testScopeKey, 2.0),
		},
	}

	weights := ensemble.InverseVariance(nil, predictions)

	assert.InDelta(t, 1.0, weights["constant"], 1e-9)
}

func TestInverseVariance_Empty(t *testing.T) {
	t.Parallel()

	weights := ensemble.InverseVariance(nil, map[string][]map[string]any{})

	assert.Empty(t, weights)
}

func TestEqualWeight(t *testing.T) {
	t.Parallel()

	predictions := map[string][]map[string]any{
		"a": {memberPred(testInputID, testScopeKey, 1.0)},
		"b": {memberPred(testInputID, testScopeKey, 2.0)},
		"c": {memberPred(testInputID, testScopeKey, 3.0)},
	}

	weights := ensemble.EqualWeight(nil, predictions)

	require.Len(t, weights, 3)
	for _, w := range weights {
		assert.InDelta(t, 1.0/3.0, w, 1e-9)
	}
}

func TestApplyFilter_TopN(t *testing.T) {
	t.Parallel()

	metrics := map[string]map[string]float64{
		"best":   {"value": 0.9},
		"middle": {"value": 0.5},
		"worst":  {"value": 0.1},
	}
	predictions := map[string][]map[string]any{
		"best":   {memberPred(testInputID, testScopeKey, 1.0)},
		"middle": {memberPred(testInputID, testScopeKey, 1.0)},
		"worst":  {memberPred(testInputID, testScopeKey, 1.0)},
	}

	kept := ensemble.ApplyFilter(ensemble.Config{Name: "top", TopN: 2}, metrics, predictions)

	require.Len(t, kept, 2)
	assert.Contains(t, kept, "best")
	assert.Contains(t, kept, "middle")
	assert.NotContains(t, kept, "worst")
}

func TestApplyFilter_MinMetric(t *testing.T) {
	t.Parallel()

	metrics := map[string]map[string]float64{
		"good": {"ic": 0.05},
		"bad":  {"ic": 0.01},
	}
	predictions := map[string][]map[string]any{
		"good": {memberPred(testInputID, testScopeKey, 1.0)},
		"bad":  {memberPred(testInputID, testScopeKey, 1.0)},
	}

	cfg := ensemble.Config{Name: "gated", Filter: ensemble.MinMetric("ic", 0.04)}
	kept := ensemble.ApplyFilter(cfg, metrics, predictions)

	require.Len(t, kept, 1)
	assert.Contains(t, kept, "good")
}

func TestApplyFilter_NoFilterKeepsAll(t *testing.T) {
	t.Parallel()

	predictions := map[string][]map[string]any{
		"a": {memberPred(testInputID, testScopeKey, 1.0)},
		"b": {memberPred(testInputID, testScopeKey, 2.0)},
	}

	kept := ensemble.ApplyFilter(ensemble.Config{Name: "open"}, nil, predictions)

	assert.Len(t, kept, 2)
}

func TestBuildPredictions_WeightedMean(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	weights := map[string]float64{"a": 0.75, "b": 0.25}
	byModel := map[string][]map[string]any{
		"a": {memberPred(testInputID, testScopeKey, 2.0)},
		"b": {memberPred(testInputID, testScopeKey, -2.0)},
	}

	preds := ensemble.BuildPredictions("all", weights, byModel, now)

	require.Len(t, preds, 1)

	p := preds[0]
	assert.Equal(t, "pred___ensemble_all___"+testInputID+"_"+testScopeKey, p.ID)
	assert.Equal(t, "__ensemble_all__", p.ModelID)
	assert.Equal(t, testInputID, p.InputID)
	assert.Equal(t, testScopeKey, p.ScopeKey)
	assert.Equal(t, entity.PredictionScored, p.Status)
	assert.Equal(t, now, p.PerformedAt)

	value, ok := entity.AsNumber(p.InferenceOutput["value"])
	require.True(t, ok)
	assert.InDelta(t, 0.75*2.0+0.25*(-2.0), value, 1e-9)

	assert.Equal(t, "all", p.Meta["ensemble_name"])
}

func TestBuildPredictions_UnweightedModelIgnored(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	weights := map[string]float64{"a": 1.0}
	byModel := map[string][]map[string]any{
		"a":        {memberPred(testInputID, testScopeKey, 3.0)},
		"outsider": {memberPred(testInputID, testScopeKey, 100.0)},
	}

	preds := ensemble.BuildPredictions("all", weights, byModel, now)

	require.Len(t, preds, 1)

	value, ok := entity.AsNumber(preds[0].InferenceOutput["value"])
	require.True(t, ok)
	assert.InDelta(t, 3.0, value, 1e-9)
}

func TestBuildPredictions_ZeroWeightSumSkipsGroup(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	weights := map[string]float64{"a": 0.0}
	byModel := map[string][]map[string]any{
		"a": {memberPred(testInputID, testScopeKey, 3.0)},
	}

	preds := ensemble.BuildPredictions("all", weights, byModel, now)

	assert.Empty(t, preds)
}

func TestBuildPredictions_GroupsByInputAndScope(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	weights := map[string]float64{"a": 0.5, "b": 0.5}
	byModel := map[string][]map[string]any{
		"a": {
			memberPred("INP_1", "btc_1m", 1.0),
			memberPred("INP_2", "btc_1m", 2.0),
		},
		"b": {
			memberPred("INP_1", "btc_1m", 3.0),
		},
	}

	preds := ensemble.BuildPredictions("all", weights, byModel, now)

	require.Len(t, preds, 2)

	values := make(map[string]float64, len(preds))

	for _, p := range preds {
		v, ok := entity.AsNumber(p.InferenceOutput["value"])
		require.True(t, ok)

		values[p.InputID] = v
	}

	assert.InDelta(t, 2.0, values["INP_1"], 1e-9)
	assert.InDelta(t, 2.0, values["INP_2"], 1e-9)
}
