package excel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/models"
)

func writeWorkbook(t *testing.T, sheets map[string][][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	first := true
	for name, rows := range sheets {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", name))
			first = false
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		require.NoError(t, writeRows(f, name, rows))
	}

	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestReadResults_RoundTrip(t *testing.T) {
	results := &evaluation.Results{
		PertCat: []string{"A+ctrl", "B+ctrl", "ctrl"},
		Pred:    mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}),
		Truth:   mat.NewDense(3, 2, []float64{1.5, 2, 3, 4.5, 5, 6}),
		PredDE:  mat.NewDense(3, 1, []float64{1, 3, 0}),
		TruthDE: mat.NewDense(3, 1, []float64{1.5, 3, 0}),
	}
	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteResults(path, results))

	got, err := ReadResults(path)
	require.NoError(t, err)

	assert.Equal(t, results.PertCat, got.PertCat)
	assert.True(t, mat.Equal(results.Pred, got.Pred))
	assert.True(t, mat.Equal(results.Truth, got.Truth))
	require.True(t, got.HasDE())
	assert.True(t, mat.Equal(results.TruthDE, got.TruthDE))
}

func TestReadResults_WithoutDE(t *testing.T) {
	path := writeWorkbook(t, map[string][][]interface{}{
		SheetPred:  {{"perturbation", "g0", "g1"}, {"A", 1, 2}},
		SheetTruth: {{"perturbation", "g0", "g1"}, {"A", 1, 3}},
	})

	got, err := ReadResults(path)
	require.NoError(t, err)
	assert.False(t, got.HasDE())
	assert.Equal(t, 1, got.NumSamples())
	assert.Equal(t, 2, got.NumGenes())
}

func TestReadResults_Errors(t *testing.T) {
	t.Run("missing truth sheet", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]interface{}{
			SheetPred: {{"perturbation", "g0"}, {"A", 1}},
		})
		_, err := ReadResults(path)
		assert.Error(t, err)
	})

	t.Run("label mismatch", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]interface{}{
			SheetPred:  {{"perturbation", "g0"}, {"A", 1}},
			SheetTruth: {{"perturbation", "g0"}, {"B", 1}},
		})
		_, err := ReadResults(path)
		assert.Error(t, err)
	})

	t.Run("non numeric value", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]interface{}{
			SheetPred:  {{"perturbation", "g0"}, {"A", "high"}},
			SheetTruth: {{"perturbation", "g0"}, {"A", 1}},
		})
		_, err := ReadResults(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadResults(filepath.Join(t.TempDir(), "absent.xlsx"))
		assert.Error(t, err)
	})
}

func TestReadBatches(t *testing.T) {
	path := writeWorkbook(t, map[string][][]interface{}{
		SheetSamples: {
			{"perturbation", "de_idx", "g0", "g1", "g2"},
			{"A+ctrl", "0;2", 1, 2, 3},
			{"ctrl", "", 4, 5, 6},
			{"B+ctrl", "1", 7, 8, 9},
		},
	})

	loader, err := ReadBatches(path, 2)
	require.NoError(t, err)
	require.Equal(t, 2, loader.Len())

	first, err := loader.Batch(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A+ctrl", "ctrl"}, first.Perts)
	assert.Equal(t, []int{0, 2}, first.DE(0))
	assert.Nil(t, first.DE(1))
	assert.Equal(t, 6.0, first.Y.At(1, 2))

	second, err := loader.Batch(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, second.DE(0))
}

func TestReadBatches_OutOfRangeDE(t *testing.T) {
	path := writeWorkbook(t, map[string][][]interface{}{
		SheetSamples: {
			{"perturbation", "de_idx", "g0"},
			{"A", "5", 1},
		},
	})
	_, err := ReadBatches(path, 8)
	assert.Error(t, err)
}

func TestReadGraph_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.csv")
	require.NoError(t, os.WriteFile(path, []byte("source,target,weight\n0,1,0.5\n1,3,0.25\n"), 0o644))

	graph, weights, err := ReadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 4, graph.NumNodes)
	assert.Equal(t, [][2]int{{0, 1}, {1, 3}}, graph.Edges)
	require.NotNil(t, weights)
	assert.Equal(t, []float64{0.5, 0.25}, weights.Values)
}

func TestReadGraph_Unweighted(t *testing.T) {
	path := writeWorkbook(t, map[string][][]interface{}{
		SheetGraph: {{"source", "target"}, {0, 1}, {2, 1}},
	})

	graph, weights, err := ReadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 3, graph.NumNodes)
	assert.Nil(t, weights)
}

func TestWriteReport(t *testing.T) {
	run := &models.EvaluationRun{
		Name:      "holdout",
		ModelName: "gears",
		Metrics:   models.ScoreMap{"mse_macro": 0.5, "pearson": 0.75},
		PerturbationMetrics: map[string]models.ScoreMap{
			"B+ctrl": {"mse": 0.25},
			"A+ctrl": {"mse": 0.5},
		},
	}
	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteReport(path, run))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetPerturbations)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "A+ctrl", rows[1][0])
	assert.Equal(t, "mse", rows[0][1])

	metrics, err := f.GetRows(SheetMetrics)
	require.NoError(t, err)
	assert.Equal(t, "holdout", metrics[1][1])
}

func TestWriteMatrix_ReplacesSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pred.xlsx")
	require.NoError(t, WriteMatrix(path, SheetPredictions, nil, mat.NewDense(2, 2, []float64{1, 2, 3, 4})))
	require.NoError(t, WriteMatrix(path, SheetPredictions, []string{"A"}, mat.NewDense(1, 1, []float64{9})))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetPredictions)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"A", "9"}, rows[1])
}
