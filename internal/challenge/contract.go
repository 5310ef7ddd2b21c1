// Package challenge defines the contract between the coordinator engine and a
// concrete competition: data shapes, scoring, aggregation and payout policy.
// The engine never hardcodes challenge behavior; it calls the functions the
// contract carries.
package challenge

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/crunchkit/coordinator/internal/emission"
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
)

var (
	// ErrInvalidContract indicates the contract failed static validation.
	ErrInvalidContract = errors.New("invalid contract")

	// ErrUnknownScoreFunc indicates a scoring function name with no registration.
	ErrUnknownScoreFunc = errors.New("unknown scoring function")
)

// ScoreFunc scores one inference output against resolved actuals.
// The returned map must satisfy the contract score schema.
type ScoreFunc func(output, actuals map[string]any) (map[string]any, error)

// ResolveFunc computes ground-truth actuals from a feed window.
// A nil result means the window cannot be resolved yet.
type ResolveFunc func(records []entity.FeedRecord) map[string]any

// AggregateFunc folds per-prediction score results into a snapshot summary.
type AggregateFunc func(results []map[string]any) map[string]any

// Scope is the default prediction context sent to models. Scheduled
// configs overlay their own fields on top of it.
type Scope struct {
	Subject        string `json:"subject" validate:"required"`
	HorizonSeconds int    `json:"horizon_seconds" validate:"gte=1"`
	StepSeconds    int    `json:"step_seconds" validate:"gte=1"`
}

// AsMap returns the scope as a mergeable payload map.
func (s Scope) AsMap() map[string]any {
	return map[string]any{
		"subject":         s.Subject,
		"horizon_seconds": s.HorizonSeconds,
		"step_seconds":    s.StepSeconds,
	}
}

// Window is a rolling time window for score aggregation.
type Window struct {
	Hours int `json:"hours" validate:"gte=1"`
}

// Aggregation describes how scores roll up per model and how the
// leaderboard is ranked.
type Aggregation struct {
	Windows          map[string]Window `json:"windows" validate:"min=1,dive"`
	RankingKey       string            `json:"ranking_key" validate:"required"`
	RankingDirection string            `json:"ranking_direction" validate:"oneof=asc desc"`
}

// Contract is the single source of truth for a challenge: identifiers,
// prediction scope, score aggregation, and the challenge-owned callables
// injected at process init.
type Contract struct {
	// On-chain identifiers.
	CrunchPubkey    string `validate:"-"`
	ComputeProvider string `validate:"-"`
	DataProvider    string `validate:"-"`

	// CallMethod is the RPC method invoked on models for predictions.
	CallMethod string `validate:"required"`

	Scope       Scope       `validate:"required"`
	Aggregation Aggregation `validate:"required"`

	// Metrics lists the registry names computed into every snapshot.
	Metrics []string `validate:"-"`

	// Ensembles configures virtual meta-models built from member predictions.
	Ensembles []ensemble.Config `validate:"-"`

	Score              ScoreFunc        `validate:"-"`
	ResolveGroundTruth ResolveFunc      `validate:"-"`
	AggregateSnapshot  AggregateFunc    `validate:"-"`
	BuildEmission      emission.Builder `validate:"-"`

	outputSchema *compiledSchema
	scoreSchema  *compiledSchema
}

// DefaultMetrics is the full built-in metric set, tiers one through three.
var DefaultMetrics = []string{
	"ic", "ic_sharpe", "mean_return", "hit_rate", "model_correlation",
	"max_drawdown", "sortino_ratio", "turnover",
	"fnc", "contribution", "ensemble_correlation",
}

// Default returns the engine contract: BTC one-minute candles, directional
// scoring, tiered emissions, all built-in metrics and one inverse-variance
// ensemble over every member model.
func Default() *Contract {
	contract := &Contract{
		CallMethod: "predict",
		Scope: Scope{
			Subject:        "BTC",
			HorizonSeconds: 60,
			StepSeconds:    15,
		},
		Aggregation: Aggregation{
			Windows: map[string]Window{
				"score_recent": {Hours: 24},
				"score_steady": {Hours: 72},
				"score_anchor": {Hours: 168},
			},
			RankingKey:       "score_recent",
			RankingDirection: "desc",
		},
		Metrics: append([]string(nil), DefaultMetrics...),
		Ensembles: []ensemble.Config{
			{Name: "all"},
		},
		Score:              DirectionalScore,
		ResolveGroundTruth: DefaultResolveGroundTruth,
		AggregateSnapshot:  DefaultAggregateSnapshot,
		BuildEmission:      emission.BuildDefault,
	}

	contract.outputSchema = mustCompileSchema(DefaultOutputSchemaJSON)
	contract.scoreSchema = mustCompileSchema(DefaultScoreSchemaJSON)

	return contract
}

// Validate checks the contract's static shape. Callables and schemas must
// be present; field constraints follow the struct tags.
func (c *Contract) Validate() error {
	structErr := validator.New().Struct(c)
	if structErr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidContract, structErr)
	}

	if c.Score == nil {
		return fmt.Errorf("%w: score function not set", ErrInvalidContract)
	}

	if c.ResolveGroundTruth == nil {
		return fmt.Errorf("%w: ground truth resolver not set", ErrInvalidContract)
	}

	if c.AggregateSnapshot == nil {
		return fmt.Errorf("%w: snapshot aggregator not set", ErrInvalidContract)
	}

	if c.BuildEmission == nil {
		return fmt.Errorf("%w: emission builder not set", ErrInvalidContract)
	}

	if c.outputSchema == nil || c.scoreSchema == nil {
		return fmt.Errorf("%w: payload schemas not compiled", ErrInvalidContract)
	}

	return nil
}

// SelfCheck runs a synthetic record window through the resolver and the
// score function and validates both payloads against the compiled
// schemas. A contract that fails here would fail on every real cycle, so
// callers treat the error as fatal at startup.
func (c *Contract) SelfCheck() error {
	validateErr := c.Validate()
	if validateErr != nil {
		return validateErr
	}

	window := []entity.FeedRecord{
		{Values: map[string]any{"close": 100.0}},
		{Values: map[string]any{"close": 101.0}},
	}

	actuals := c.ResolveGroundTruth(window)
	if actuals == nil {
		return fmt.Errorf("%w: resolver returned nil for a priced window", ErrInvalidContract)
	}

	output := map[string]any{"value": 1.0}

	outputErr := c.ValidateOutput(output)
	if outputErr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidContract, outputErr)
	}

	result, scoreErr := c.Score(output, actuals)
	if scoreErr != nil {
		return fmt.Errorf("%w: score synthetic window: %w", ErrInvalidContract, scoreErr)
	}

	resultErr := c.ValidateScore(result)
	if resultErr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidContract, resultErr)
	}

	return nil
}

// DefaultAggregateSnapshot averages every numeric key across score results.
func DefaultAggregateSnapshot(results []map[string]any) map[string]any {
	if len(results) == 0 {
		return map[string]any{}
	}

	totals := make(map[string]float64)
	counts := make(map[string]int)

	for _, result := range results {
		for key, value := range result {
			num, ok := entity.AsNumber(value)
			if !ok {
				continue
			}

			totals[key] += num
			counts[key]++
		}
	}

	summary := make(map[string]any, len(totals))
	for key, total := range totals {
		summary[key] = total / float64(counts[key])
	}

	return summary
}
