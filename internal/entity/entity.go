// Package entity defines the domain records shared by the coordinator's
// storage, scoring, and reporting layers. Records mirror the canonical
// table set one to one; JSONB columns surface as plain maps.
package entity

import (
	"encoding/json"
	"time"
)

// InputStatus tracks the ground-truth lifecycle of an input.
type InputStatus string

const (
	// InputReceived marks an input persisted but not yet resolved.
	InputReceived InputStatus = "RECEIVED"
	// InputResolved marks an input whose ground truth has been attached.
	InputResolved InputStatus = "RESOLVED"
)

// PredictionStatus tracks the scoring lifecycle of a prediction.
type PredictionStatus string

const (
	// PredictionPending marks a prediction awaiting ground truth.
	PredictionPending PredictionStatus = "PENDING"
	// PredictionScored marks a prediction with a score record attached.
	PredictionScored PredictionStatus = "SCORED"
	// PredictionFailed marks a prediction the runner or validator rejected.
	PredictionFailed PredictionStatus = "FAILED"
	// PredictionAbsent marks a scheduled slot a model did not answer.
	PredictionAbsent PredictionStatus = "ABSENT"
)

// CheckpointStatus tracks the settlement lifecycle of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "PENDING"
	CheckpointSubmitted CheckpointStatus = "SUBMITTED"
	CheckpointClaimable CheckpointStatus = "CLAIMABLE"
	CheckpointPaid      CheckpointStatus = "PAID"
)

// Input is one assembled inference input handed to every model.
type Input struct {
	ID           string         `json:"id"`
	Status       InputStatus    `json:"status"`
	RawData      map[string]any `json:"raw_data"`
	Actuals      map[string]any `json:"actuals,omitempty"`
	Scope        map[string]any `json:"scope"`
	Meta         map[string]any `json:"meta,omitempty"`
	ReceivedAt   time.Time      `json:"received_at"`
	ResolvableAt *time.Time     `json:"resolvable_at,omitempty"`
}

// Prediction is one model's answer for one input and scope.
type Prediction struct {
	ID                 string           `json:"id"`
	InputID            string           `json:"input_id"`
	ModelID            string           `json:"model_id"`
	PredictionConfigID string           `json:"prediction_config_id,omitempty"`
	ScopeKey           string           `json:"scope_key"`
	Scope              map[string]any   `json:"scope"`
	Status             PredictionStatus `json:"status"`
	ExecTimeMS         float64          `json:"exec_time_ms"`
	InferenceOutput    map[string]any   `json:"inference_output"`
	Meta               map[string]any   `json:"meta,omitempty"`
	PerformedAt        time.Time        `json:"performed_at"`
	ResolvableAt       time.Time        `json:"resolvable_at"`
}

// OutputValue returns the numeric "value" field of the inference output.
func (p *Prediction) OutputValue() (float64, bool) {
	return NumericValue(p.InferenceOutput, "value")
}

// Score is the evaluation of a single prediction against ground truth.
type Score struct {
	ID           string         `json:"id"`
	PredictionID string         `json:"prediction_id"`
	Result       map[string]any `json:"result"`
	Success      bool           `json:"success"`
	FailedReason string         `json:"failed_reason,omitempty"`
	ScoredAt     time.Time      `json:"scored_at"`
}

// Value returns the numeric "value" field of the score result.
func (s *Score) Value() (float64, bool) {
	return NumericValue(s.Result, "value")
}

// Snapshot is a per-model aggregate over the scores of one cycle.
type Snapshot struct {
	ID              string         `json:"id"`
	ModelID         string         `json:"model_id"`
	PeriodStart     time.Time      `json:"period_start"`
	PeriodEnd       time.Time      `json:"period_end"`
	PredictionCount int            `json:"prediction_count"`
	ResultSummary   map[string]any `json:"result_summary"`
	Meta            map[string]any `json:"meta,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Checkpoint is a settlement period with its ranked emission payload.
type Checkpoint struct {
	ID          string           `json:"id"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Status      CheckpointStatus `json:"status"`
	Entries     []map[string]any `json:"entries"`
	Meta        map[string]any   `json:"meta,omitempty"`
	MerkleRoot  string           `json:"merkle_root,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	TxHash      string           `json:"tx_hash,omitempty"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
}

// CanTransitionTo reports whether the checkpoint status machine permits
// moving from the current status to next. Only forward single steps are
// allowed: PENDING→SUBMITTED→CLAIMABLE→PAID.
func (c *Checkpoint) CanTransitionTo(next CheckpointStatus) bool {
	switch c.Status {
	case CheckpointPending:
		return next == CheckpointSubmitted
	case CheckpointSubmitted:
		return next == CheckpointClaimable
	case CheckpointClaimable:
		return next == CheckpointPaid
	default:
		return false
	}
}

// Model is a registered competitor discovered through the runner.
type Model struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	DeploymentIdentifier string           `json:"deployment_identifier"`
	PlayerID             string           `json:"player_id"`
	PlayerName           string           `json:"player_name"`
	OverallScore         map[string]any   `json:"overall_score,omitempty"`
	ScoresByScope        []map[string]any `json:"scores_by_scope,omitempty"`
	Meta                 map[string]any   `json:"meta,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Leaderboard is one rebuilt standings document.
type Leaderboard struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Entries   []map[string]any `json:"entries"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// Schedule configures the cadence of one scheduled prediction config.
type Schedule struct {
	PredictionIntervalSeconds int `json:"prediction_interval_seconds" yaml:"prediction_interval_seconds" validate:"gte=1"`
	ResolveAfterSeconds       int `json:"resolve_after_seconds"       yaml:"resolve_after_seconds"       validate:"gte=0"`
}

// ScheduledPredictionConfig describes one recurring dispatch slot.
type ScheduledPredictionConfig struct {
	ID            string         `json:"id"`
	ScopeKey      string         `json:"scope_key"`
	ScopeTemplate map[string]any `json:"scope_template,omitempty"`
	Schedule      Schedule       `json:"schedule"`
	Active        bool           `json:"active"`
	Order         int            `json:"order"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// NumericValue reads key from m and coerces it to float64.
// JSON decoding yields float64 for all numbers; int variants cover
// values assembled in process.
func NumericValue(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}

	raw, ok := m[key]
	if !ok {
		return 0, false
	}

	return AsNumber(raw)
}

// AsNumber coerces a JSON-ish scalar to float64. Booleans count as 1 and 0
// so flags average into rates during aggregation.
func AsNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}

		return f, true
	case bool:
		if v {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}
