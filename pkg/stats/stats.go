// Package stats holds the numeric primitives behind model scoring and
// ensemble weighting: means, population standard deviation, and rank
// correlation. All standard deviation calculations use population
// stddev (÷n, not ÷(n−1)).
package stats

import (
	"math"
	"sort"
)

// stdEps is the standard-deviation floor below which a series is
// treated as constant and its correlation defined as zero.
const stdEps = 1e-12

// Mean returns the arithmetic mean of values.
// Returns 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64

	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// MeanStdDev returns the arithmetic mean and population standard deviation.
// Returns (0, 0) for an empty slice.
func MeanStdDev(values []float64) (mean, stddev float64) {
	count := len(values)
	if count == 0 {
		return 0, 0
	}

	mean = Mean(values)

	var sumSq float64

	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}

	return mean, math.Sqrt(sumSq / float64(count))
}

// Ranks returns the zero-based rank of each element within values.
// Ties rank in input order. The input slice is not modified.
func Ranks(values []float64) []float64 {
	n := len(values)

	indexed := make([]int, n)
	for i := range indexed {
		indexed[i] = i
	}

	sort.SliceStable(indexed, func(a, b int) bool {
		return values[indexed[a]] < values[indexed[b]]
	})

	out := make([]float64, n)
	for rank, idx := range indexed {
		out[idx] = float64(rank)
	}

	return out
}

// Spearman computes the Spearman rank correlation of two series,
// truncated to the shorter length. Fewer than two paired observations,
// or a constant series on either side, yields 0.
func Spearman(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}

	if n < 2 {
		return 0.0
	}

	rx := Ranks(x[:n])
	ry := Ranks(y[:n])

	meanX := Mean(rx)
	meanY := Mean(ry)

	var cov, varX, varY float64

	for i := 0; i < n; i++ {
		dx := rx[i] - meanX
		dy := ry[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	stdX := math.Sqrt(varX)
	stdY := math.Sqrt(varY)

	if stdX < stdEps || stdY < stdEps {
		return 0.0
	}

	return cov / (stdX * stdY)
}
