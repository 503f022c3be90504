package evaluator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/internal/errors"
)

// echoModel predicts the truth plus a constant offset
type echoModel struct {
	offset   float64
	evalMode bool
	device   string
	cols     []int
}

func (m *echoModel) Eval() { m.evalMode = true }

func (m *echoModel) To(device string) error {
	m.device = device
	return nil
}

func (m *echoModel) Forward(ctx context.Context, batch *evaluation.Batch, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights) (*mat.Dense, error) {
	r, c := batch.Y.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 { return v + m.offset }, batch.Y)
	if m.cols != nil {
		return selectColumns(out, m.cols)
	}
	return out, nil
}

type brokenDevice struct{ echoModel }

func (b *brokenDevice) To(device string) error { return fmt.Errorf("no such device: %s", device) }

func makeBatch(perts []string, genes int, start float64, de [][]int) *evaluation.Batch {
	data := make([]float64, len(perts)*genes)
	for i := range data {
		data[i] = start + float64(i)
	}
	return &evaluation.Batch{
		Perts: perts,
		Y:     mat.NewDense(len(perts), genes, data),
		DEIdx: de,
	}
}

func TestEvaluate_StacksAllBatches(t *testing.T) {
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "A", "B"}, 4, 0, [][]int{{0, 1}, {2, 3}, {1, 2}}),
		makeBatch([]string{"B", "ctrl", "A"}, 4, 100, [][]int{{0, 3}, {0, 1}, {1, 3}}),
	)
	model := &echoModel{}

	res, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{NumNodes: 4}, nil, model, evaluation.Options{}, 2, nil)
	require.NoError(t, err)

	assert.True(t, model.evalMode)
	assert.Equal(t, 6, res.NumSamples())
	assert.Equal(t, 4, res.NumGenes())
	assert.Equal(t, []string{"A", "A", "B", "B", "ctrl", "A"}, res.PertCat)

	r, c := res.PredDE.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 2, c)
	// second batch, third sample, DE genes 1 and 3: values 100+8+1, 100+8+3
	assert.Equal(t, []float64{109, 111}, res.TruthDE.RawRowView(5))
	assert.Equal(t, []bool{false, false, false, false, false, false}, res.DEPlaceholder)
}

func TestEvaluate_ZeroFillsMissingDE(t *testing.T) {
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "B"}, 5, 1, [][]int{{0, 4}, nil}),
		makeBatch([]string{"C"}, 5, 1, nil),
	)

	res, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &echoModel{offset: 1}, evaluation.Options{}, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, true}, res.DEPlaceholder)
	assert.Equal(t, []float64{0, 0}, res.PredDE.RawRowView(1))
	assert.Equal(t, []float64{0, 0}, res.TruthDE.RawRowView(2))
	assert.Equal(t, []float64{2, 6}, res.PredDE.RawRowView(0))
}

func TestEvaluate_RaggedDEWidthFails(t *testing.T) {
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "B"}, 5, 0, [][]int{{0, 1, 2}, nil}),
	)

	_, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeShapeMismatch))
}

func TestEvaluate_GeneSubset(t *testing.T) {
	loader := evaluation.NewSliceLoader(makeBatch([]string{"A", "B"}, 5, 0, [][]int{{0, 1}, {2, 3}}))
	geneIdx := []int{4, 0}

	res, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, geneIdx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.NumGenes())
	assert.Equal(t, []float64{4, 0}, res.Truth.RawRowView(0))
	assert.Equal(t, []float64{9, 5}, res.Pred.RawRowView(1))
	assert.False(t, res.HasDE())
	assert.Nil(t, res.DEPlaceholder)
}

func TestEvaluate_SingleOutSkipsPredictionSubset(t *testing.T) {
	loader := evaluation.NewSliceLoader(makeBatch([]string{"A"}, 5, 0, nil))
	geneIdx := []int{3}
	model := &echoModel{cols: geneIdx}

	res, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, model, evaluation.Options{SingleOut: true}, 2, geneIdx)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, res.Pred.RawRowView(0))
	assert.Equal(t, []float64{3}, res.Truth.RawRowView(0))

	// without SingleOut the already-narrow output cannot be indexed by gene 3
	_, err = Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, model, evaluation.Options{}, 2, geneIdx)
	assert.True(t, errors.HasCode(err, errors.CodeShapeMismatch))
}

func TestEvaluate_MovesEverythingToDevice(t *testing.T) {
	batch := makeBatch([]string{"A"}, 3, 0, nil)
	graph := &evaluation.GeneGraph{NumNodes: 3}
	weights := &evaluation.EdgeWeights{Values: []float64{0.5}}
	model := &echoModel{}

	_, err := Evaluate(context.Background(), evaluation.NewSliceLoader(batch), graph, weights, model, evaluation.Options{Device: "cuda:0"}, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, "cuda:0", batch.Device)
	assert.Equal(t, "cuda:0", graph.Device)
	assert.Equal(t, "cuda:0", weights.Device)
	assert.Equal(t, "cuda:0", model.device)
}

func TestEvaluate_DeviceFailurePropagates(t *testing.T) {
	loader := evaluation.NewSliceLoader(makeBatch([]string{"A"}, 3, 0, nil))

	_, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &brokenDevice{}, evaluation.Options{Device: "tpu"}, 2, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDeviceError, errors.GetCode(err))
}

func TestEvaluate_EmptyLoader(t *testing.T) {
	_, err := Evaluate(context.Background(), evaluation.NewSliceLoader(), &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := evaluation.NewSliceLoader(makeBatch([]string{"A"}, 3, 0, nil))

	_, err := Evaluate(ctx, loader, &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateThenCompute_IdenticalPredictions(t *testing.T) {
	// two batches of three samples, all perturbation A, pred == truth
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "A", "A"}, 4, 0, [][]int{{0, 1}, {1, 2}, {2, 3}}),
		makeBatch([]string{"A", "A", "A"}, 4, 50, [][]int{{0, 1}, {1, 2}, {2, 3}}),
	)

	res, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.NumSamples())

	m, perPert, err := ComputeMetrics(res, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, m.Macro(evaluation.MetricMSE))
	assert.InDelta(t, 1.0, m.Macro(evaluation.MetricPearson), 1e-12)
	assert.InDelta(t, 1.0, m.Macro(evaluation.MetricSpearman), 1e-12)
	assert.Contains(t, perPert, "A")
}

// silentModel returns neither predictions nor an error
type silentModel struct{}

func (silentModel) Eval() {}

func (silentModel) Forward(ctx context.Context, batch *evaluation.Batch, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights) (*mat.Dense, error) {
	return nil, nil
}

func TestEvaluate_MissingPredictionsFail(t *testing.T) {
	loader := evaluation.NewSliceLoader(makeBatch([]string{"A"}, 3, 0, nil))

	_, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, silentModel{}, evaluation.Options{}, 2, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeShapeMismatch, errors.GetCode(err))

	_, err = Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, silentModel{}, evaluation.Options{}, 2, []int{0, 2})
	require.Error(t, err)
	assert.Equal(t, errors.CodeShapeMismatch, errors.GetCode(err))
}

func TestEvaluate_NilBatchIsInvalidInput(t *testing.T) {
	loader := evaluation.NewSliceLoader(nil)

	_, err := Evaluate(context.Background(), loader, &evaluation.GeneGraph{}, nil, &echoModel{}, evaluation.Options{}, 2, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}
