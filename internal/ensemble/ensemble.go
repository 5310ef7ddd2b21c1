// Package ensemble combines member model predictions into virtual
// meta-models that are scored and ranked like any other competitor.
package ensemble

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/pkg/stats"
)

// Prefix and Suffix bracket ensemble virtual model IDs.
const (
	Prefix = "__ensemble_"
	Suffix = "__"
)

// normalizeEps guards divisions during weight normalization.
const normalizeEps = 1e-12

// ModelID builds the virtual model ID for a named ensemble.
func ModelID(name string) string {
	return Prefix + name + Suffix
}

// IsEnsembleModel reports whether a model ID belongs to a virtual ensemble.
func IsEnsembleModel(modelID string) bool {
	return strings.HasPrefix(modelID, Prefix)
}

// WeightFunc assigns a weight per member model from metrics and the
// members' predictions in the current window.
type WeightFunc func(modelMetrics map[string]map[string]float64, predictions map[string][]map[string]any) map[string]float64

// FilterFunc decides whether a model participates in the ensemble.
type FilterFunc func(modelID string, metrics map[string]float64) bool

// Config describes one ensemble: a name, an optional weight strategy
// (nil means inverse variance) and an optional member filter.
type Config struct {
	Name     string
	Strategy WeightFunc
	Filter   FilterFunc

	// TopN keeps only the N best models by primary value metric.
	// Zero disables the cut.
	TopN int
}

// InverseVariance weights each member by 1/var of its predicted values,
// normalized. Members with fewer than two values or near-zero variance
// get weight 1 before normalization.
func InverseVariance(_ map[string]map[string]float64, predictions map[string][]map[string]any) map[string]float64 {
	raw := make(map[string]float64, len(predictions))

	for modelID, preds := range predictions {
		values := predictionValues(preds)
		if len(values) < 2 {
			raw[modelID] = 1.0

			continue
		}

		_, stddev := stats.MeanStdDev(values)
		variance := stddev * stddev

		if variance < normalizeEps {
			raw[modelID] = 1.0
		} else {
			raw[modelID] = 1.0 / variance
		}
	}

	var total float64
	for _, w := range raw {
		total += w
	}

	if total < normalizeEps {
		n := len(raw)
		if n == 0 {
			return map[string]float64{}
		}

		equal := make(map[string]float64, n)
		for modelID := range raw {
			equal[modelID] = 1.0 / float64(n)
		}

		return equal
	}

	weights := make(map[string]float64, len(raw))
	for modelID, w := range raw {
		weights[modelID] = w / total
	}

	return weights
}

// EqualWeight assigns 1/N to every member.
func EqualWeight(_ map[string]map[string]float64, predictions map[string][]map[string]any) map[string]float64 {
	n := len(predictions)
	if n == 0 {
		return map[string]float64{}
	}

	weights := make(map[string]float64, n)
	for modelID := range predictions {
		weights[modelID] = 1.0 / float64(n)
	}

	return weights
}

// MinMetric returns a filter keeping models at or above a metric threshold.
func MinMetric(name string, threshold float64) FilterFunc {
	return func(_ string, metrics map[string]float64) bool {
		return metrics[name] >= threshold
	}
}

func predictionValues(preds []map[string]any) []float64 {
	values := make([]float64, 0, len(preds))

	for _, p := range preds {
		output, _ := p["inference_output"].(map[string]any)

		num, ok := entity.AsNumber(output["value"])
		if ok {
			values = append(values, num)
		}
	}

	return values
}

// predictionValue extracts the numeric signal from one prediction dict.
func predictionValue(pred map[string]any) (float64, bool) {
	output, _ := pred["inference_output"].(map[string]any)

	return entity.AsNumber(output["value"])
}

// BuildPredictions produces weighted-average ensemble predictions, one per
// (input_id, scope_key) group across the weighted members. Groups whose
// member weights sum below the epsilon are dropped.
func BuildPredictions(name string, weights map[string]float64, predictionsByModel map[string][]map[string]any, now time.Time) []entity.Prediction {
	virtualModelID := ModelID(name)

	type groupKey struct {
		inputID  string
		scopeKey string
	}

	groups := make(map[groupKey]map[string]map[string]any)
	order := make([]groupKey, 0)

	for modelID, preds := range predictionsByModel {
		if _, ok := weights[modelID]; !ok {
			continue
		}

		for _, p := range preds {
			inputID, _ := p["input_id"].(string)
			scopeKey, _ := p["scope_key"].(string)
			key := groupKey{inputID: inputID, scopeKey: scopeKey}

			if _, seen := groups[key]; !seen {
				groups[key] = make(map[string]map[string]any)

				order = append(order, key)
			}

			groups[key][modelID] = p
		}
	}

	ensemblePreds := make([]entity.Prediction, 0, len(groups))

	for _, key := range order {
		memberPreds := groups[key]

		var weightedSum, weightSum float64

		for modelID, pred := range memberPreds {
			value, ok := predictionValue(pred)
			if !ok {
				continue
			}

			w := weights[modelID]
			weightedSum += w * value
			weightSum += w
		}

		if weightSum < normalizeEps {
			continue
		}

		var scope map[string]any
		for _, pred := range memberPreds {
			if s, ok := pred["scope"].(map[string]any); ok {
				scope = s

				break
			}
		}

		ensemblePreds = append(ensemblePreds, entity.Prediction{
			ID:              fmt.Sprintf("pred_%s_%s_%s", virtualModelID, key.inputID, key.scopeKey),
			InputID:         key.inputID,
			ModelID:         virtualModelID,
			ScopeKey:        key.scopeKey,
			Scope:           scope,
			Status:          entity.PredictionScored,
			ExecTimeMS:      0,
			InferenceOutput: map[string]any{"value": weightedSum / weightSum},
			Meta: map[string]any{
				"weights":       weights,
				"ensemble_name": name,
			},
			PerformedAt: now,
		})
	}

	return ensemblePreds
}

// ApplyFilter selects which members participate. A TopN cut ranks by the
// primary "value" metric descending; an explicit filter is called per model.
func ApplyFilter(cfg Config, modelMetrics map[string]map[string]float64, predictions map[string][]map[string]any) map[string][]map[string]any {
	filtered := predictions

	if cfg.TopN > 0 {
		filtered = topNByValue(cfg.TopN, modelMetrics, filtered)
	}

	if cfg.Filter == nil {
		return filtered
	}

	kept := make(map[string][]map[string]any, len(filtered))

	for modelID, preds := range filtered {
		if cfg.Filter(modelID, modelMetrics[modelID]) {
			kept[modelID] = preds
		}
	}

	return kept
}

func topNByValue(n int, modelMetrics map[string]map[string]float64, predictions map[string][]map[string]any) map[string][]map[string]any {
	type scored struct {
		modelID string
		value   float64
	}

	ranked := make([]scored, 0, len(predictions))
	for modelID := range predictions {
		ranked = append(ranked, scored{modelID: modelID, value: modelMetrics[modelID]["value"]})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value > ranked[j].value
		}

		return ranked[i].modelID < ranked[j].modelID
	})

	if n > len(ranked) {
		n = len(ranked)
	}

	kept := make(map[string][]map[string]any, n)
	for _, entry := range ranked[:n] {
		kept[entry.modelID] = predictions[entry.modelID]
	}

	return kept
}
