package challenge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/challenge"
)

func TestScoreFuncByName(t *testing.T) {
	t.Parallel()

	fn, err := challenge.ScoreFuncByName(challenge.ScoreFuncDirectional)

	require.NoError(t, err)
	assert.NotNil(t, fn)
}

func TestScoreFuncByName_Unknown(t *testing.T) {
	t.Parallel()

	_, err := challenge.ScoreFuncByName("does-not-exist")

	require.Error(t, err)
	assert.ErrorIs(t, err, challenge.ErrUnknownScoreFunc)
}

func TestScoreFuncNames_IncludesBuiltins(t *testing.T) {
	t.Parallel()

	names := challenge.ScoreFuncNames()

	assert.Contains(t, names, challenge.ScoreFuncBaseline)
	assert.Contains(t, names, challenge.ScoreFuncDirectional)
}

func TestBaselineScore(t *testing.T) {
	t.Parallel()

	result, err := challenge.BaselineScore(map[string]any{"value": 9.9}, map[string]any{"return": 0.5})

	require.NoError(t, err)
	assert.InDelta(t, 0.0, result["value"].(float64), 0)
	assert.Equal(t, true, result["success"])
}

func TestDirectionalScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		signal float64
		ret    float64
		want   float64
	}{
		{name: "long_up", signal: 1.5, ret: 0.02, want: 0.02},
		{name: "long_down", signal: 0.3, ret: -0.01, want: -0.01},
		{name: "short_down", signal: -2.0, ret: -0.05, want: 0.05},
		{name: "short_up", signal: -0.1, ret: 0.03, want: -0.03},
		{name: "zero_counts_as_long", signal: 0.0, ret: 0.04, want: 0.04},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			output := map[string]any{"value": tt.signal}
			actuals := map[string]any{"return": tt.ret, "direction_up": tt.ret > 0}

			result, err := challenge.DirectionalScore(output, actuals)

			require.NoError(t, err)
			assert.InDelta(t, tt.want, result["value"].(float64), 1e-9)
			assert.Equal(t, true, result["success"])
			assert.InDelta(t, tt.ret, result["actual_return"].(float64), 1e-9)
		})
	}
}

func TestDirectionalScore_MissingSignal(t *testing.T) {
	t.Parallel()

	_, err := challenge.DirectionalScore(map[string]any{}, map[string]any{"return": 0.1})

	assert.Error(t, err)
}

func TestDirectionalScore_MissingReturn(t *testing.T) {
	t.Parallel()

	_, err := challenge.DirectionalScore(map[string]any{"value": 1.0}, map[string]any{})

	assert.Error(t, err)
}

func TestValidateOutput(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	output := map[string]any{"value": 1.25, "confidence": 0.9}

	require.NoError(t, contract.ValidateOutput(output))
	assert.Equal(t, 0.9, output["confidence"])
}

func TestValidateOutput_FillsDefault(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	output := map[string]any{}

	require.NoError(t, contract.ValidateOutput(output))
	assert.InDelta(t, 0.0, output["value"].(float64), 0)
}

func TestValidateOutput_WrongType(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	err := contract.ValidateOutput(map[string]any{"value": "not a number"})

	require.Error(t, err)
	assert.ErrorIs(t, err, challenge.ErrOutputSchema)
}

func TestValidateOutput_Nil(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	assert.ErrorIs(t, contract.ValidateOutput(nil), challenge.ErrOutputSchema)
}

func TestValidateScore_PreservesExtraKeys(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	result := map[string]any{"value": 0.5, "actual_return": 0.02}

	require.NoError(t, contract.ValidateScore(result))
	assert.Equal(t, 0.02, result["actual_return"])
	assert.Equal(t, true, result["success"])
}

func TestValidateScore_RejectsBadSuccess(t *testing.T) {
	t.Parallel()

	contract := challenge.Default()

	err := contract.ValidateScore(map[string]any{"value": 0.5, "success": "yes"})

	require.Error(t, err)
	assert.ErrorIs(t, err, challenge.ErrScoreSchema)
}
