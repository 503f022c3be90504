package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMSEAndMAE(t *testing.T) {
	pred := []float64{1, 2, 3, 4}
	truth := []float64{2, 2, 1, 4}

	assert.InDelta(t, (1.0+0+4+0)/4, MSE(pred, truth), 1e-12)
	assert.InDelta(t, (1.0+0+2+0)/4, MAE(pred, truth), 1e-12)
	assert.Equal(t, 0.0, MSE(truth, truth))
}

func TestMSE_ExactOnWholeNumbers(t *testing.T) {
	assert.Equal(t, 1.0, MSE([]float64{0, 0, 0}, []float64{1, 1, 1}))
	assert.Equal(t, 4.0, MSE([]float64{0, 0}, []float64{2, 2}))
	assert.Equal(t, 9.0, MSE([]float64{3, -3}, []float64{0, 0}))
	assert.Equal(t, 2.25, MSE([]float64{1, 2, 3, 4}, []float64{2, 2, 1, 2}))
}

func TestPearson_PerfectAndInverse(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	neg := []float64{5, 4, 3, 2, 1}

	assert.InDelta(t, 1.0, Pearson(x, y), 1e-12)
	assert.InDelta(t, -1.0, Pearson(x, neg), 1e-12)
}

func TestCorrelation_ConstantSeriesIsNaN(t *testing.T) {
	x := []float64{1, 2, 3}
	c := []float64{7, 7, 7}

	assert.True(t, math.IsNaN(Pearson(x, c)))
	assert.True(t, math.IsNaN(Spearman(c, x)))
	assert.Equal(t, 0.0, Finite(Pearson(x, c)))
}

func TestSpearman_MonotonicNonLinear(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = math.Exp(v)
	}
	assert.InDelta(t, 1.0, Spearman(x, y), 1e-12)
	assert.Less(t, Pearson(x, y), 1.0)
}

func TestRanks_AveragesTies(t *testing.T) {
	got := Ranks([]float64{10, 20, 10, 30, 20})
	assert.Equal(t, []float64{1.5, 3.5, 1.5, 5, 3.5}, got)
}

func TestR2_UsesPredAsReference(t *testing.T) {
	pred := []float64{1, 2, 3}
	truth := []float64{1, 2, 4}

	// ss_res = 1, ss_tot over pred = 2
	assert.InDelta(t, 0.5, R2(pred, truth), 1e-12)
	assert.Equal(t, 1.0, R2(pred, pred))
}

func TestR2_ConstantReference(t *testing.T) {
	c := []float64{3, 3, 3}
	assert.Equal(t, 1.0, R2(c, c))
	assert.Equal(t, 0.0, R2(c, []float64{3, 3, 4}))
}

func TestShortSeriesAreUndefined(t *testing.T) {
	one := []float64{1}
	assert.True(t, math.IsNaN(Pearson(one, one)))
	assert.True(t, math.IsNaN(R2(one, one)))
	assert.Equal(t, 0.0, MSE(one, one))
}

func TestRegistryOrder(t *testing.T) {
	names := make([]string, len(Registry))
	for i, m := range Registry {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"mse", "mae", "spearman", "pearson", "r2"}, names)
}
