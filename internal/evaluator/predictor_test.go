package evaluator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/internal/errors"
)

// nodeModel outputs Y[r,0] + 100*node + c for every column c
type nodeModel struct {
	node  int
	cols  int
	calls *int32
	fail  bool
}

func (m nodeModel) Forward(ctx context.Context, batch *evaluation.Batch) (*mat.Dense, error) {
	if m.calls != nil {
		atomic.AddInt32(m.calls, 1)
	}
	if m.fail {
		return nil, fmt.Errorf("node %d exploded", m.node)
	}
	rows := batch.Size()
	out := mat.NewDense(rows, m.cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < m.cols; c++ {
			out.Set(r, c, batch.Y.At(r, 0)+float64(100*m.node+c))
		}
	}
	return out, nil
}

func ensemble(n int, calls *int32) []evaluation.NodeModel {
	models := make([]evaluation.NodeModel, n)
	for i := range models {
		models[i] = nodeModel{node: i, cols: n, calls: calls}
	}
	return models
}

func TestNodeSpecificBatchOut_TakesOwnColumn(t *testing.T) {
	batch := makeBatch([]string{"A", "B"}, 1, 7, nil)

	out, err := NodeSpecificBatchOut(context.Background(), ensemble(3, nil), batch)
	require.NoError(t, err)

	r, c := out.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 7+101*float64(i), out.At(0, i))
		assert.Equal(t, 8+101*float64(i), out.At(1, i))
	}
}

func TestBatchPredict_StacksBatches(t *testing.T) {
	var calls int32
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "A", "B"}, 1, 0, nil),
		makeBatch([]string{"C", "D"}, 1, 10, nil),
	)

	out, err := BatchPredict(context.Background(), loader, ensemble(4, &calls), evaluation.Options{Device: "cpu"})
	require.NoError(t, err)

	r, c := out.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, int32(8), calls)

	firstColumn := mat.Col(nil, 0, out)
	assert.Equal(t, []float64{0, 1, 2, 10, 11}, firstColumn)
	assert.Equal(t, []float64{303, 304, 305, 313, 314}, mat.Col(nil, 3, out))
}

func TestPredictor_ParallelMatchesSequential(t *testing.T) {
	loader := evaluation.NewSliceLoader(
		makeBatch([]string{"A", "B", "C", "D"}, 1, 3, nil),
	)
	models := ensemble(8, nil)

	seq, err := BatchPredict(context.Background(), loader, models, evaluation.Options{})
	require.NoError(t, err)
	par, err := Predictor{Parallelism: 4}.Predict(context.Background(), loader, models, evaluation.Options{})
	require.NoError(t, err)

	assert.True(t, mat.Equal(seq, par))
}

func TestNodeSpecificBatchOut_Errors(t *testing.T) {
	batch := makeBatch([]string{"A"}, 1, 0, nil)

	_, err := NodeSpecificBatchOut(context.Background(), nil, batch)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

	narrow := []evaluation.NodeModel{nodeModel{node: 0, cols: 1}, nodeModel{node: 1, cols: 1}}
	_, err = NodeSpecificBatchOut(context.Background(), narrow, batch)
	assert.True(t, errors.HasCode(err, errors.CodeShapeMismatch))

	failing := []evaluation.NodeModel{nodeModel{node: 0, cols: 2}, nodeModel{node: 1, cols: 2, fail: true}}
	_, err = NodeSpecificBatchOut(context.Background(), failing, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node 1 exploded")
}

type silentNode struct{}

func (silentNode) Forward(ctx context.Context, batch *evaluation.Batch) (*mat.Dense, error) {
	return nil, nil
}

func TestNodeSpecificBatchOut_MissingOutput(t *testing.T) {
	batch := makeBatch([]string{"A", "B"}, 1, 0, nil)
	models := []evaluation.NodeModel{nodeModel{node: 0, cols: 2}, silentNode{}}

	_, err := NodeSpecificBatchOut(context.Background(), models, batch)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeShapeMismatch))

	_, err = NodeSpecificBatchOut(context.Background(), ensemble(2, nil), nil)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestBatchPredict_RejectsMissingInputs(t *testing.T) {
	_, err := BatchPredict(context.Background(), nil, ensemble(2, nil), evaluation.Options{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

	_, err = BatchPredict(context.Background(), evaluation.NewSliceLoader(nil), ensemble(2, nil), evaluation.Options{Device: "cpu"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}
