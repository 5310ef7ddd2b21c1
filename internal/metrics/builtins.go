package metrics

import (
	"math"
	"sort"

	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/pkg/stats"
)

// corrEps is the floor below which a deviation is treated as zero.
const corrEps = 1e-12

// signalKeys are the output fields probed for the prediction signal, in
// preference order.
var signalKeys = []string{"value", "expected_return", "signal", "prediction"}

// PredValues extracts the numeric signal from each prediction's
// inference_output. Predictions with no numeric signal are skipped.
func PredValues(predictions []map[string]any) []float64 {
	values := make([]float64, 0, len(predictions))

	for _, p := range predictions {
		output, _ := p["inference_output"].(map[string]any)
		if output == nil {
			continue
		}

		value, ok := signalValue(output)
		if ok {
			values = append(values, value)
		}
	}

	return values
}

func signalValue(output map[string]any) (float64, bool) {
	for _, key := range signalKeys {
		raw, present := output[key]
		if !present || raw == nil {
			continue
		}

		if num, ok := entity.AsNumber(raw); ok {
			return num, true
		}
	}

	// Fallback: first numeric field by sorted key.
	keys := make([]string, 0, len(output))
	for key := range output {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if num, ok := entity.AsNumber(output[key]); ok {
			return num, true
		}
	}

	return 0, false
}

// ScoreValues extracts the primary score value from each score result.
func ScoreValues(scores []map[string]any) []float64 {
	values := make([]float64, 0, len(scores))

	for _, s := range scores {
		result, _ := s["result"].(map[string]any)

		if num, ok := entity.AsNumber(result["value"]); ok {
			values = append(values, num)
		}
	}

	return values
}

// ActualReturns extracts realized returns from score results, set by the
// ground-truth resolver. Results without one contribute 0.
func ActualReturns(scores []map[string]any) []float64 {
	values := make([]float64, 0, len(scores))

	for _, s := range scores {
		result, _ := s["result"].(map[string]any)

		found := false

		for _, key := range []string{"actual_return", "return"} {
			if num, ok := entity.AsNumber(result[key]); ok {
				values = append(values, num)
				found = true

				break
			}
		}

		if !found {
			values = append(values, 0.0)
		}
	}

	return values
}

// IC is the Information Coefficient: Spearman rank correlation between
// predicted signals and realized returns.
func IC(predictions, scores []map[string]any, _ *Context) float64 {
	return stats.Spearman(PredValues(predictions), ActualReturns(scores))
}

// ICSharpe rewards consistency: the window is split into chunks, IC is
// computed per chunk, and the result is mean(IC)/std(IC).
func ICSharpe(predictions, scores []map[string]any, _ *Context) float64 {
	predVals := PredValues(predictions)
	actualReturns := ActualReturns(scores)

	n := len(predVals)
	if len(actualReturns) < n {
		n = len(actualReturns)
	}

	if n < 4 {
		return 0.0
	}

	chunkDiv := n / 10
	if chunkDiv < 3 {
		chunkDiv = 3
	}

	chunkSize := n / chunkDiv
	if chunkSize < 2 {
		chunkSize = 2
	}

	ics := make([]float64, 0, n/chunkSize+1)

	for start := 0; start <= n-chunkSize; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}

		if end-start < 2 {
			continue
		}

		ics = append(ics, stats.Spearman(predVals[start:end], actualReturns[start:end]))
	}

	if len(ics) < 2 {
		return 0.0
	}

	meanIC, stdIC := stats.MeanStdDev(ics)

	if stdIC < corrEps {
		// Identical chunk ICs: a perfectly consistent signal.
		if math.Abs(meanIC) > corrEps {
			return math.Inf(1)
		}

		return 0.0
	}

	return meanIC / stdIC
}

// MeanReturn is the average return of a long-short strategy built from the
// signals: positive signal goes long, negative goes short.
func MeanReturn(predictions, scores []map[string]any, _ *Context) float64 {
	return stats.Mean(strategyReturns(predictions, scores))
}

func strategyReturns(predictions, scores []map[string]any) []float64 {
	predVals := PredValues(predictions)
	actualReturns := ActualReturns(scores)

	n := len(predVals)
	if len(actualReturns) < n {
		n = len(actualReturns)
	}

	returns := make([]float64, 0, n)

	for i := 0; i < n; i++ {
		sign := 1.0
		if predVals[i] < 0 {
			sign = -1.0
		}

		returns = append(returns, sign*actualReturns[i])
	}

	return returns
}

// HitRate is the fraction of predictions with the correct directional sign.
func HitRate(predictions, scores []map[string]any, _ *Context) float64 {
	predVals := PredValues(predictions)
	actualReturns := ActualReturns(scores)

	n := len(predVals)
	if len(actualReturns) < n {
		n = len(actualReturns)
	}

	if n == 0 {
		return 0.0
	}

	correct := 0

	for i := 0; i < n; i++ {
		predUp := predVals[i] >= 0
		actualUp := actualReturns[i] >= 0

		if predUp == actualUp {
			correct++
		}
	}

	return float64(correct) / float64(n)
}

// ModelCorrelation is the mean pairwise Spearman correlation of this
// model's signals against every other member model.
func ModelCorrelation(predictions, _ []map[string]any, ctx *Context) float64 {
	myVals := PredValues(predictions)
	if len(myVals) < 2 {
		return 0.0
	}

	var total float64

	count := 0

	for _, otherID := range sortedModelIDs(ctx.AllModelPredictions) {
		if otherID == ctx.ModelID || ensemble.IsEnsembleModel(otherID) {
			continue
		}

		otherVals := PredValues(ctx.AllModelPredictions[otherID])
		if len(otherVals) < 2 {
			continue
		}

		total += stats.Spearman(myVals, otherVals)
		count++
	}

	if count == 0 {
		return 0.0
	}

	return total / float64(count)
}

func sortedModelIDs(byModel map[string][]map[string]any) []string {
	ids := make([]string, 0, len(byModel))
	for id := range byModel {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// MaxDrawdown is the worst peak-to-trough on cumulative score values.
// Zero or negative; more negative is worse.
func MaxDrawdown(_ []map[string]any, scores []map[string]any, _ *Context) float64 {
	scoreVals := ScoreValues(scores)
	if len(scoreVals) < 2 {
		return 0.0
	}

	var cumulative, peak, maxDD float64

	for _, v := range scoreVals {
		cumulative += v
		if cumulative > peak {
			peak = cumulative
		}

		if dd := cumulative - peak; dd < maxDD {
			maxDD = dd
		}
	}

	return maxDD
}

// sortinoFloor substitutes for a zero downside deviation.
const sortinoFloor = 1e-9

// SortinoRatio is mean strategy return over downside deviation. Only
// negative returns count toward the deviation.
func SortinoRatio(predictions, scores []map[string]any, _ *Context) float64 {
	returns := strategyReturns(predictions, scores)
	if len(returns) < 2 {
		return 0.0
	}

	meanRet := stats.Mean(returns)

	var downsideSq float64

	downsideCount := 0

	for _, r := range returns {
		if r < 0 {
			downsideSq += r * r
			downsideCount++
		}
	}

	if downsideCount == 0 {
		if meanRet != 0 {
			return meanRet / sortinoFloor
		}

		return 0.0
	}

	downsideDev := math.Sqrt(downsideSq / float64(downsideCount))
	if downsideDev < corrEps {
		return 0.0
	}

	return meanRet / downsideDev
}

// Turnover is the mean absolute change in signal between consecutive
// predictions. Lower means a more stable signal.
func Turnover(predictions, _ []map[string]any, _ *Context) float64 {
	predVals := PredValues(predictions)
	if len(predVals) < 2 {
		return 0.0
	}

	var total float64
	for i := 1; i < len(predVals); i++ {
		total += math.Abs(predVals[i] - predVals[i-1])
	}

	return total / float64(len(predVals)-1)
}
