package evaluator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/internal"
	"perteval/internal/errors"
)

// Predictor runs node-specific ensembles where member i predicts node i
type Predictor struct {
	// Parallelism bounds how many members run at once; <= 1 is sequential
	Parallelism int
}

// NodeSpecificBatchOut runs every member sequentially on batch
func NodeSpecificBatchOut(ctx context.Context, models []evaluation.NodeModel, batch *evaluation.Batch) (*mat.Dense, error) {
	return Predictor{}.BatchOut(ctx, models, batch)
}

// BatchPredict runs every member sequentially over every batch of loader
func BatchPredict(ctx context.Context, loader evaluation.Loader, models []evaluation.NodeModel, opts evaluation.Options) (*mat.Dense, error) {
	return Predictor{}.Predict(ctx, loader, models, opts)
}

// BatchOut returns a samples x len(models) matrix whose column i is column i
// of member i's output
func (p Predictor) BatchOut(ctx context.Context, models []evaluation.NodeModel, batch *evaluation.Batch) (*mat.Dense, error) {
	if len(models) == 0 {
		return nil, errors.InvalidInput("no node models")
	}
	samples := batch.Size()
	if samples == 0 {
		return nil, errors.InvalidInput("empty batch")
	}

	out := mat.NewDense(samples, len(models), nil)

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for idx, model := range models {
		g.Go(func() error {
			res, err := model.Forward(gctx, batch)
			if err != nil {
				return errors.Wrapf(err, "node model %d failed", idx)
			}
			if res == nil {
				return errors.ShapeMismatch("node model %d returned no predictions", idx)
			}
			rows, cols := res.Dims()
			if rows != samples {
				return errors.ShapeMismatch("node model %d returned %d rows for %d samples", idx, rows, samples)
			}
			if idx >= cols {
				return errors.ShapeMismatch("node model %d returned %d columns, needs column %d", idx, cols, idx)
			}
			// each member owns its own column, so writes never overlap
			for r := 0; r < rows; r++ {
				out.Set(r, idx, res.At(r, idx))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict vertically stacks BatchOut over every batch of loader
func (p Predictor) Predict(ctx context.Context, loader evaluation.Loader, models []evaluation.NodeModel, opts evaluation.Options) (*mat.Dense, error) {
	if loader == nil {
		return nil, errors.InvalidInput("loader is required")
	}
	internal.DefaultLogger.Info("[BatchPredict] loader size: %d", loader.Len())

	var (
		data []float64
		rows int
	)
	for itr := 0; itr < loader.Len(); itr++ {
		batch, err := loader.Batch(ctx, itr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load batch %d", itr)
		}
		if batch == nil {
			return nil, errors.InvalidInput(fmt.Sprintf("batch %d is nil", itr))
		}
		if opts.Device != "" {
			if err := batch.To(opts.Device); err != nil {
				return nil, errors.DeviceError(opts.Device, err)
			}
		}

		part, err := p.BatchOut(ctx, models, batch)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", itr)
		}
		r, _ := part.Dims()
		data = append(data, part.RawMatrix().Data...)
		rows += r
		internal.DefaultLogger.Debug("[BatchPredict] batch %d/%d done (%d samples)", itr+1, loader.Len(), r)
	}

	if rows == 0 {
		return nil, errors.InvalidInput("loader produced no batches")
	}
	return mat.NewDense(rows, len(models), data), nil
}
