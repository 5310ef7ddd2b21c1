package emission

import "github.com/crunchkit/coordinator/internal/entity"

// ContributionOptions tunes the contribution-weighted strategy. Weights
// must sum to 1.
type ContributionOptions struct {
	RankWeight         float64
	ContributionWeight float64
	DiversityWeight    float64
	MinPct             float64
}

// DefaultContributionOptions returns the standard 50/30/20 blend with a
// 1% reward floor.
func DefaultContributionOptions() ContributionOptions {
	return ContributionOptions{
		RankWeight:         0.5,
		ContributionWeight: 0.3,
		DiversityWeight:    0.2,
		MinPct:             1.0,
	}
}

const normalizeEps = 1e-12

// NewContributionWeighted builds an emission Builder that blends rank,
// ensemble contribution, and diversity into a composite score per model.
// Each component is min-max normalized across models; degenerate
// components (zero range) fall back to a uniform share. Percentages are
// floored at MinPct and re-normalized so the total stays at 100% before
// the frac64 conversion.
func NewContributionWeighted(opts ContributionOptions) Builder {
	return func(entries []Ranked, crunchPubkey, computeProvider, dataProvider string) Checkpoint {
		if len(entries) == 0 {
			return assemble(nil, crunchPubkey, computeProvider, dataProvider)
		}

		n := len(entries)

		inverseRanks := make([]float64, n)
		contributions := make([]float64, n)
		uniqueness := make([]float64, n)

		for i, entry := range entries {
			rank := entry.Rank
			if rank <= 0 {
				rank = n
			}

			inverseRanks[i] = 1.0 / float64(rank)

			contribution, _ := entity.NumericValue(entry.Summary, "contribution")
			contributions[i] = contribution

			correlation, _ := entity.NumericValue(entry.Summary, "model_correlation")
			uniqueness[i] = 1.0 - correlation
		}

		rankScores := minMaxNormalize(inverseRanks)
		contributionScores := minMaxNormalize(contributions)
		diversityScores := minMaxNormalize(uniqueness)

		composite := make([]float64, n)

		var totalComposite float64

		for i := range composite {
			composite[i] = opts.RankWeight*rankScores[i] +
				opts.ContributionWeight*contributionScores[i] +
				opts.DiversityWeight*diversityScores[i]
			totalComposite += composite[i]
		}

		rawPcts := make([]float64, n)

		if totalComposite < normalizeEps {
			for i := range rawPcts {
				rawPcts[i] = 100.0 / float64(n)
			}
		} else {
			for i, c := range composite {
				rawPcts[i] = max(opts.MinPct, c/totalComposite*100.0)
			}
		}

		var pctSum float64
		for _, pct := range rawPcts {
			pctSum += pct
		}

		for i := range rawPcts {
			rawPcts[i] = rawPcts[i] / pctSum * 100.0
		}

		return assemble(rawPcts, crunchPubkey, computeProvider, dataProvider)
	}
}

// minMaxNormalize scales values to [0, 1]. A degenerate range collapses
// to a uniform 1/n share.
func minMaxNormalize(values []float64) []float64 {
	n := len(values)
	lo, hi := values[0], values[0]

	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}

		if v > hi {
			hi = v
		}
	}

	out := make([]float64, n)

	if hi-lo < normalizeEps {
		for i := range out {
			out[i] = 1.0 / float64(n)
		}

		return out
	}

	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}

	return out
}
