package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    CheckpointStatus
		to      CheckpointStatus
		allowed bool
	}{
		{name: "pending_to_submitted", from: CheckpointPending, to: CheckpointSubmitted, allowed: true},
		{name: "submitted_to_claimable", from: CheckpointSubmitted, to: CheckpointClaimable, allowed: true},
		{name: "claimable_to_paid", from: CheckpointClaimable, to: CheckpointPaid, allowed: true},
		{name: "pending_to_claimable_skips", from: CheckpointPending, to: CheckpointClaimable, allowed: false},
		{name: "pending_to_paid_skips", from: CheckpointPending, to: CheckpointPaid, allowed: false},
		{name: "submitted_back_to_pending", from: CheckpointSubmitted, to: CheckpointPending, allowed: false},
		{name: "paid_is_terminal", from: CheckpointPaid, to: CheckpointPending, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ckpt := Checkpoint{Status: tt.from}
			assert.Equal(t, tt.allowed, ckpt.CanTransitionTo(tt.to))
		})
	}
}

func TestBackfillStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, BackfillPending.Terminal())
	assert.False(t, BackfillRunning.Terminal())
	assert.True(t, BackfillCompleted.Terminal())
	assert.True(t, BackfillFailed.Terminal())
}

func TestBackfillJobProgressPct(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Second)

	t.Run("no_cursor", func(t *testing.T) {
		t.Parallel()

		job := BackfillJob{StartTs: start, EndTs: end}
		assert.InDelta(t, 0, job.ProgressPct(), 0.0001)
	})

	t.Run("halfway", func(t *testing.T) {
		t.Parallel()

		cursor := start.Add(50 * time.Second)
		job := BackfillJob{StartTs: start, EndTs: end, CursorTs: &cursor}
		assert.InDelta(t, 50, job.ProgressPct(), 0.0001)
	})

	t.Run("cursor_past_end_clamped", func(t *testing.T) {
		t.Parallel()

		cursor := end.Add(time.Minute)
		job := BackfillJob{StartTs: start, EndTs: end, CursorTs: &cursor}
		assert.InDelta(t, 100, job.ProgressPct(), 0.0001)
	})

	t.Run("empty_range", func(t *testing.T) {
		t.Parallel()

		cursor := start
		job := BackfillJob{StartTs: start, EndTs: start, CursorTs: &cursor}
		assert.InDelta(t, 100, job.ProgressPct(), 0.0001)
	})
}

func TestNumericValue(t *testing.T) {
	t.Parallel()

	m := map[string]any{
		"float":  1.5,
		"int":    int(3),
		"int64":  int64(4),
		"string": "nope",
	}

	for _, key := range []string{"float", "int", "int64"} {
		_, ok := NumericValue(m, key)
		assert.True(t, ok, key)
	}

	_, ok := NumericValue(m, "string")
	assert.False(t, ok)

	_, ok = NumericValue(m, "missing")
	assert.False(t, ok)

	_, ok = NumericValue(nil, "anything")
	assert.False(t, ok)
}

func TestAsNumber_BoolAndJSONNumber(t *testing.T) {
	t.Parallel()

	v, ok := AsNumber(true)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 0)

	v, ok = AsNumber(false)
	require.True(t, ok)
	assert.InDelta(t, 0.0, v, 0)

	v, ok = AsNumber(json.Number("2.5"))
	require.True(t, ok)
	assert.InDelta(t, 2.5, v, 1e-9)

	_, ok = AsNumber(json.Number("not-a-number"))
	assert.False(t, ok)
}

func TestPredictionOutputValue(t *testing.T) {
	t.Parallel()

	pred := Prediction{InferenceOutput: map[string]any{"value": 0.42}}

	got, ok := pred.OutputValue()
	assert.True(t, ok)
	assert.InDelta(t, 0.42, got, 0.0001)

	empty := Prediction{}
	_, ok = empty.OutputValue()
	assert.False(t, ok)
}
