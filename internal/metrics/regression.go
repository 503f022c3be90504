// Package metrics implements the regression-quality scores used to compare
// predicted and measured expression vectors.
//
// Every function takes (pred, truth) in that order. Inputs must have equal,
// non-zero length; callers validate shapes. Correlations of a zero-variance
// series are NaN here and are coerced by the aggregator.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Func scores a prediction vector against a truth vector
type Func func(pred, truth []float64) float64

// Metric pairs a name with its scoring function
type Metric struct {
	Name string
	Fn   Func
	// Correlation marks metrics whose undefined result is coerced to 0
	Correlation bool
}

// Registry lists the metrics in reporting order
var Registry = []Metric{
	{Name: "mse", Fn: MSE},
	{Name: "mae", Fn: MAE},
	{Name: "spearman", Fn: Spearman, Correlation: true},
	{Name: "pearson", Fn: Pearson, Correlation: true},
	{Name: "r2", Fn: R2},
}

// MSE is the mean squared error
func MSE(pred, truth []float64) float64 {
	diff := make([]float64, len(pred))
	floats.SubTo(diff, pred, truth)
	return floats.Dot(diff, diff) / float64(len(truth))
}

// MAE is the mean absolute error
func MAE(pred, truth []float64) float64 {
	return floats.Distance(pred, truth, 1) / float64(len(truth))
}

// Pearson is the linear correlation coefficient
func Pearson(pred, truth []float64) float64 {
	if len(pred) < 2 {
		return math.NaN()
	}
	return clamp(stat.Correlation(pred, truth, nil))
}

// Spearman is the Pearson correlation of average ranks
func Spearman(pred, truth []float64) float64 {
	if len(pred) < 2 {
		return math.NaN()
	}
	return clamp(stat.Correlation(Ranks(pred), Ranks(truth), nil))
}

// R2 is the coefficient of determination with pred as the reference series.
// A constant reference scores 1 on an exact match and 0 otherwise.
func R2(pred, truth []float64) float64 {
	if len(pred) < 2 {
		return math.NaN()
	}
	mean := stat.Mean(pred, nil)
	var ssRes, ssTot float64
	for i := range pred {
		r := pred[i] - truth[i]
		ssRes += r * r
		d := pred[i] - mean
		ssTot += d * d
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

// Ranks converts values to 1-based ranks, averaging ties
func Ranks(data []float64) []float64 {
	n := len(data)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return data[idx[a]] < data[idx[b]]
	})

	ranks := make([]float64, n)
	i := 0
	for i < n {
		j := i + 1
		for j < n && data[idx[j]] == data[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
}

// Finite replaces NaN and infinities with 0
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// clamp keeps rounding noise inside [-1, 1]; NaN passes through
func clamp(r float64) float64 {
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}
