// Package evaluator runs a perturbation model over held-out batches and turns
// the collected predictions into macro and per-perturbation metrics.
package evaluator

import (
	"context"
	"log"

	"gonum.org/v1/gonum/mat"

	"perteval/domain/core"
	"perteval/domain/evaluation"
	"perteval/internal"
	"perteval/internal/errors"
)

// collector accumulates rows before they are stacked into dense matrices
type collector struct {
	width int
	data  []float64
	rows  int
}

func (c *collector) add(row []float64) error {
	if c.rows == 0 && c.width == 0 {
		c.width = len(row)
	}
	if len(row) != c.width {
		return errors.ShapeMismatch("row %d has width %d, expected %d", c.rows, len(row), c.width)
	}
	c.data = append(c.data, row...)
	c.rows++
	return nil
}

func (c *collector) dense() *mat.Dense {
	if c.rows == 0 || c.width == 0 {
		return nil
	}
	return mat.NewDense(c.rows, c.width, c.data)
}

// Evaluate runs model over every batch of loader and returns stacked
// predictions and truths. With geneIdx set, both are restricted to those
// genes and no DE matrices are collected. Without it, each sample
// contributes its DE genes, or a zero row of width numDEIdx when it has none.
func Evaluate(ctx context.Context, loader evaluation.Loader, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights,
	model evaluation.Model, opts evaluation.Options, numDEIdx int, geneIdx []int) (*evaluation.Results, error) {

	if loader == nil || model == nil {
		return nil, errors.InvalidInput("loader and model are required")
	}
	if numDEIdx <= 0 {
		numDEIdx = evaluation.DefaultNumDEIdx
	}

	model.Eval()

	var (
		pertCat     []string
		pred, truth collector
		predDE      collector
		truthDE     collector
		placeholder []bool
	)

	for itr := 0; itr < loader.Len(); itr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := loader.Batch(ctx, itr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load batch %d", itr)
		}
		if err := batch.Validate(); err != nil {
			return nil, errors.WithCode(errors.CodeInvalidInput, errors.Wrapf(err, "batch %d", itr))
		}

		if err := place(opts.Device, batch, model, graph, weights); err != nil {
			return nil, err
		}

		pertCat = append(pertCat, batch.Perts...)
		internal.DefaultLogger.Debug("[Evaluator] batch %d/%d: %d samples on %s", itr+1, loader.Len(), batch.Size(), opts.Device)

		p, err := model.Forward(ctx, batch, graph, weights)
		if err != nil {
			return nil, errors.Wrapf(err, "forward pass failed on batch %d", itr)
		}
		if p == nil {
			return nil, errors.ShapeMismatch("batch %d: model returned no predictions", itr)
		}
		t := batch.Y

		if geneIdx != nil {
			if !opts.SingleOut {
				if p, err = selectColumns(p, geneIdx); err != nil {
					return nil, errors.Wrapf(err, "batch %d prediction", itr)
				}
			}
			if t, err = selectColumns(t, geneIdx); err != nil {
				return nil, errors.Wrapf(err, "batch %d truth", itr)
			}
		}

		pr, pc := p.Dims()
		tr, tc := t.Dims()
		if pr != tr || pc != tc {
			return nil, errors.ShapeMismatch("batch %d: prediction is %dx%d but truth is %dx%d", itr, pr, pc, tr, tc)
		}

		for row := 0; row < pr; row++ {
			if err := pred.add(p.RawRowView(row)); err != nil {
				return nil, err
			}
			if err := truth.add(t.RawRowView(row)); err != nil {
				return nil, err
			}
		}

		if geneIdx != nil {
			continue
		}
		for row := 0; row < pr; row++ {
			de := batch.DE(row)
			if de == nil {
				zeros := make([]float64, numDEIdx)
				if err := predDE.add(zeros); err != nil {
					return nil, errors.Wrapf(err, "batch %d sample %d DE placeholder", itr, row)
				}
				if err := truthDE.add(zeros); err != nil {
					return nil, err
				}
				placeholder = append(placeholder, true)
				continue
			}
			if err := predDE.add(pick(p, row, de)); err != nil {
				return nil, errors.Wrapf(err, "batch %d sample %d DE genes", itr, row)
			}
			if err := truthDE.add(pick(t, row, de)); err != nil {
				return nil, err
			}
			placeholder = append(placeholder, false)
		}
	}

	if pred.rows == 0 {
		return nil, errors.WithCode(errors.CodeInvalidInput, core.ErrNoSamples)
	}

	results := &evaluation.Results{
		PertCat: pertCat,
		Pred:    pred.dense(),
		Truth:   truth.dense(),
	}
	if geneIdx == nil {
		results.PredDE = predDE.dense()
		results.TruthDE = truthDE.dense()
		results.DEPlaceholder = placeholder
	}

	log.Printf("[Evaluator] evaluated %d samples over %d batches (%d genes, DE=%t)",
		results.NumSamples(), loader.Len(), results.NumGenes(), results.HasDE())
	return results, nil
}

// place moves every participant of a forward pass to device
func place(device string, batch *evaluation.Batch, model evaluation.Model, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights) error {
	if device == "" {
		return nil
	}
	targets := []evaluation.Placeable{batch}
	if m, ok := model.(evaluation.Placeable); ok {
		targets = append(targets, m)
	}
	if graph != nil {
		targets = append(targets, graph)
	}
	if weights != nil {
		targets = append(targets, weights)
	}
	for _, t := range targets {
		if err := t.To(device); err != nil {
			return errors.DeviceError(device, err)
		}
	}
	return nil
}

// selectColumns copies the given columns of m into a new matrix
func selectColumns(m *mat.Dense, cols []int) (*mat.Dense, error) {
	rows, width := m.Dims()
	for _, c := range cols {
		if c < 0 || c >= width {
			return nil, errors.ShapeMismatch("gene index %d out of range [0,%d)", c, width)
		}
	}
	if len(cols) == 0 {
		return nil, errors.InvalidInput("gene index subset is empty")
	}
	out := mat.NewDense(rows, len(cols), nil)
	for r := 0; r < rows; r++ {
		src := m.RawRowView(r)
		dst := out.RawRowView(r)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out, nil
}

// pick gathers the given columns of one row
func pick(m *mat.Dense, row int, cols []int) []float64 {
	src := m.RawRowView(row)
	out := make([]float64, len(cols))
	for j, c := range cols {
		out[j] = src[c]
	}
	return out
}
