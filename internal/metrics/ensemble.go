package metrics

import (
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/pkg/stats"
)

// Tier 3 metrics relate a model to the ensembles built on top of it. They
// return 0 whenever no usable ensemble context exists.

// EnsembleCorrelation is the Spearman correlation of this model's signals
// to the first ensemble carrying at least two values.
func EnsembleCorrelation(predictions, _ []map[string]any, ctx *Context) float64 {
	myVals := PredValues(predictions)
	if len(myVals) < 2 {
		return 0.0
	}

	for _, ens := range ctx.Ensembles {
		ensVals := PredValues(ens.Preds)
		if len(ensVals) < 2 {
			continue
		}

		return stats.Spearman(myVals, ensVals)
	}

	return 0.0
}

// Contribution approximates leave-one-out value: the IC difference between
// the full ensemble and an equal-weight ensemble of the remaining models.
// Positive means this model helps the ensemble.
func Contribution(predictions, scores []map[string]any, ctx *Context) float64 {
	myVals := PredValues(predictions)
	if len(myVals) < 2 {
		return 0.0
	}

	if len(ctx.Ensembles) == 0 {
		return 0.0
	}

	ensPreds := ctx.Ensembles[0].Preds
	if len(ensPreds) == 0 {
		return 0.0
	}

	ensVals := PredValues(ensPreds)
	if len(ensVals) < 2 {
		return 0.0
	}

	otherIDs := make([]string, 0, len(ctx.AllModelPredictions))

	for _, modelID := range sortedModelIDs(ctx.AllModelPredictions) {
		if modelID == ctx.ModelID || ensemble.IsEnsembleModel(modelID) {
			continue
		}

		otherIDs = append(otherIDs, modelID)
	}

	if len(otherIDs) == 0 {
		return 0.0
	}

	nPreds := len(myVals)
	if len(ensVals) < nPreds {
		nPreds = len(ensVals)
	}

	looVals := make([]float64, nPreds)
	nOthers := float64(len(otherIDs))

	for _, modelID := range otherIDs {
		otherVals := PredValues(ctx.AllModelPredictions[modelID])

		limit := len(otherVals)
		if nPreds < limit {
			limit = nPreds
		}

		for i := 0; i < limit; i++ {
			looVals[i] += otherVals[i] / nOthers
		}
	}

	actualReturns := ActualReturns(scores)
	if len(actualReturns) < 2 {
		return 0.0
	}

	if len(actualReturns) > nPreds {
		actualReturns = actualReturns[:nPreds]
	}

	icFull := stats.Spearman(ensVals[:nPreds], actualReturns)
	icLoo := stats.Spearman(looVals, actualReturns)

	return icFull - icLoo
}

// FNC is the feature-neutral correlation: IC of the residual signal after
// removing the mean prediction across all member models. With a single
// member it degenerates to plain IC.
func FNC(predictions, scores []map[string]any, ctx *Context) float64 {
	myVals := PredValues(predictions)
	if len(myVals) < 2 {
		return 0.0
	}

	actualReturns := ActualReturns(scores)

	n := len(myVals)
	if len(actualReturns) < n {
		n = len(actualReturns)
	}

	if n < 2 {
		return 0.0
	}

	memberIDs := make([]string, 0, len(ctx.AllModelPredictions))

	for _, modelID := range sortedModelIDs(ctx.AllModelPredictions) {
		if ensemble.IsEnsembleModel(modelID) {
			continue
		}

		memberIDs = append(memberIDs, modelID)
	}

	if len(memberIDs) <= 1 {
		return stats.Spearman(myVals[:n], actualReturns[:n])
	}

	meanPreds := make([]float64, n)
	nModels := float64(len(memberIDs))

	for _, modelID := range memberIDs {
		vals := PredValues(ctx.AllModelPredictions[modelID])

		limit := len(vals)
		if n < limit {
			limit = n
		}

		for i := 0; i < limit; i++ {
			meanPreds[i] += vals[i] / nModels
		}
	}

	residuals := make([]float64, n)
	for i := 0; i < n; i++ {
		residuals[i] = myVals[i] - meanPreds[i]
	}

	return stats.Spearman(residuals, actualReturns[:n])
}
