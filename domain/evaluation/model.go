package evaluation

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Model predicts expression for every gene of a batch
type Model interface {
	// Eval switches the model to inference mode
	Eval()
	// Forward returns a samples x genes prediction matrix
	Forward(ctx context.Context, batch *Batch, graph *GeneGraph, weights *EdgeWeights) (*mat.Dense, error)
}

// NodeModel is one member of a node-specific ensemble. Only column i of the
// i-th member's output is used.
type NodeModel interface {
	Forward(ctx context.Context, batch *Batch) (*mat.Dense, error)
}

// Loader is an indexed source of batches
type Loader interface {
	Len() int
	Batch(ctx context.Context, i int) (*Batch, error)
}

// SliceLoader serves batches from memory
type SliceLoader struct {
	batches []*Batch
}

// NewSliceLoader wraps pre-built batches
func NewSliceLoader(batches ...*Batch) *SliceLoader {
	return &SliceLoader{batches: batches}
}

// Len returns the number of batches
func (l *SliceLoader) Len() int { return len(l.batches) }

// Batch returns batch i
func (l *SliceLoader) Batch(ctx context.Context, i int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(l.batches) {
		return nil, fmt.Errorf("batch index %d out of range [0,%d)", i, len(l.batches))
	}
	return l.batches[i], nil
}

// Split cuts one large batch into batches of at most size samples
func Split(b *Batch, size int) []*Batch {
	n := b.Size()
	if size <= 0 || size >= n {
		return []*Batch{b}
	}
	var out []*Batch
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		part := &Batch{
			Perts:  b.Perts[start:end],
			Device: b.Device,
		}
		if b.Y != nil {
			_, c := b.Y.Dims()
			part.Y = mat.DenseCopyOf(b.Y.Slice(start, end, 0, c))
		}
		if b.X != nil {
			_, c := b.X.Dims()
			part.X = mat.DenseCopyOf(b.X.Slice(start, end, 0, c))
		}
		if b.DEIdx != nil {
			part.DEIdx = b.DEIdx[start:end]
		}
		out = append(out, part)
	}
	return out
}
