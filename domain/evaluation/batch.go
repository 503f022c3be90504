package evaluation

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Placeable is anything that can be moved to a compute target
type Placeable interface {
	To(device string) error
}

// Batch is a group of samples evaluated together
type Batch struct {
	// Perts holds one perturbation label per sample
	Perts []string
	// X is the optional model input (samples x features)
	X *mat.Dense
	// Y is the measured expression (samples x genes)
	Y *mat.Dense
	// DEIdx holds per-sample DE gene indices; a nil entry means none
	DEIdx [][]int
	// Device is the compute target the batch currently lives on
	Device string
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Perts)
}

// To records the target device on the batch
func (b *Batch) To(device string) error {
	b.Device = device
	return nil
}

// DE returns the DE indices of sample i, or nil when the sample has none
func (b *Batch) DE(i int) []int {
	if i < 0 || i >= len(b.DEIdx) {
		return nil
	}
	return b.DEIdx[i]
}

// Validate checks that labels, truth rows and DE entries line up
func (b *Batch) Validate() error {
	if b == nil {
		return fmt.Errorf("batch is nil")
	}
	if b.Y == nil {
		return fmt.Errorf("batch has no truth matrix")
	}
	rows, cols := b.Y.Dims()
	if rows != len(b.Perts) {
		return fmt.Errorf("batch has %d labels but %d truth rows", len(b.Perts), rows)
	}
	if b.X != nil {
		if xr, _ := b.X.Dims(); xr != rows {
			return fmt.Errorf("batch has %d input rows but %d truth rows", xr, rows)
		}
	}
	if b.DEIdx != nil && len(b.DEIdx) != rows {
		return fmt.Errorf("batch has %d DE entries but %d samples", len(b.DEIdx), rows)
	}
	for i, idx := range b.DEIdx {
		for _, g := range idx {
			if g < 0 || g >= cols {
				return fmt.Errorf("sample %d: DE index %d out of range [0,%d)", i, g, cols)
			}
		}
	}
	return nil
}

// GeneGraph is the reference gene graph the model propagates over
type GeneGraph struct {
	NumNodes int      `json:"num_nodes"`
	Edges    [][2]int `json:"edges"`
	Device   string   `json:"-"`
}

// To records the target device on the graph
func (g *GeneGraph) To(device string) error {
	g.Device = device
	return nil
}

// EdgeWeights holds one weight per graph edge
type EdgeWeights struct {
	Values []float64 `json:"values"`
	Device string    `json:"-"`
}

// To records the target device on the weights
func (w *EdgeWeights) To(device string) error {
	w.Device = device
	return nil
}
