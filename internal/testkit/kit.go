// Package testkit provides fixtures and fakes for exercising the evaluation
// pipeline without a trained model or a database.
package testkit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"perteval/domain/core"
	"perteval/domain/evaluation"
	"perteval/internal/errors"
	"perteval/models"
	"perteval/ports"
)

// TestKit builds deterministic synthetic perturbation data
type TestKit struct {
	rng *rand.Rand
}

// NewTestKit creates a kit seeded with seed
func NewTestKit(seed int64) *TestKit {
	return &TestKit{rng: newRand(seed)}
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

// DatasetSpec shapes a synthetic held-out set
type DatasetSpec struct {
	Perturbations []string
	SamplesPer    int
	Genes         int
	DEWidth       int
	BatchSize     int
}

// Loader generates normally distributed expression for every perturbation.
// Each non-control sample carries DEWidth distinct DE indices; control
// samples carry none.
func (k *TestKit) Loader(spec DatasetSpec) (*evaluation.SliceLoader, error) {
	if spec.Genes <= 0 || spec.SamplesPer <= 0 || len(spec.Perturbations) == 0 {
		return nil, fmt.Errorf("dataset spec needs perturbations, samples and genes")
	}
	if spec.DEWidth > spec.Genes {
		return nil, fmt.Errorf("DE width %d exceeds %d genes", spec.DEWidth, spec.Genes)
	}

	n := len(spec.Perturbations) * spec.SamplesPer
	all := &evaluation.Batch{
		Perts: make([]string, 0, n),
		Y:     mat.NewDense(n, spec.Genes, nil),
		DEIdx: make([][]int, 0, n),
	}
	row := 0
	for _, pert := range spec.Perturbations {
		shift := k.rng.NormFloat64()
		for s := 0; s < spec.SamplesPer; s++ {
			all.Perts = append(all.Perts, pert)
			for g := 0; g < spec.Genes; g++ {
				all.Y.Set(row, g, shift+k.rng.NormFloat64())
			}
			if pert == evaluation.CtrlLabel || spec.DEWidth == 0 {
				all.DEIdx = append(all.DEIdx, nil)
			} else {
				de := k.rng.Perm(spec.Genes)[:spec.DEWidth]
				sort.Ints(de)
				all.DEIdx = append(all.DEIdx, de)
			}
			row++
		}
	}
	return evaluation.NewSliceLoader(evaluation.Split(all, spec.BatchSize)...), nil
}

// NoisyModel predicts the truth plus N(0, Scale²) noise
type NoisyModel struct {
	Scale float64
	Seed  int64

	mu       sync.Mutex
	noise    *distuv.Normal
	Device   string
	EvalMode bool
}

// Eval marks the model as switched to inference mode
func (m *NoisyModel) Eval() { m.EvalMode = true }

// To records the device
func (m *NoisyModel) To(device string) error {
	m.Device = device
	return nil
}

// Forward returns truth + noise
func (m *NoisyModel) Forward(ctx context.Context, batch *evaluation.Batch, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights) (*mat.Dense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noise == nil {
		m.noise = &distuv.Normal{Mu: 0, Sigma: m.Scale, Src: newRand(m.Seed)}
	}
	r, c := batch.Y.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 { return v + m.noise.Rand() }, batch.Y)
	return out, nil
}

// ColumnModel is a node model whose every output column equals Value(node)
type ColumnModel struct {
	Node  int
	Width int
	Value func(node int) float64
}

// Forward returns a samples x Width matrix filled with Value(Node)
func (m ColumnModel) Forward(ctx context.Context, batch *evaluation.Batch) (*mat.Dense, error) {
	out := mat.NewDense(batch.Size(), m.Width, nil)
	v := m.Value(m.Node)
	out.Apply(func(i, j int, _ float64) float64 { return v }, out)
	return out, nil
}

// ColumnEnsemble builds n ColumnModels of width n
func ColumnEnsemble(n int, value func(node int) float64) []evaluation.NodeModel {
	out := make([]evaluation.NodeModel, n)
	for i := range out {
		out[i] = ColumnModel{Node: i, Width: n, Value: value}
	}
	return out
}

// MemoryRunRepository keeps runs in memory
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[core.RunID]*models.EvaluationRun
}

var _ ports.RunRepository = (*MemoryRunRepository)(nil)

// NewMemoryRunRepository creates an empty repository
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{runs: make(map[core.RunID]*models.EvaluationRun)}
}

func (r *MemoryRunRepository) SaveRun(ctx context.Context, run *models.EvaluationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *MemoryRunRepository) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, errors.NotFound("run "+id.String(), core.ErrRunNotFound)
	}
	return run, nil
}

func (r *MemoryRunRepository) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.EvaluationRun, 0, len(r.runs))
	for _, run := range r.runs {
		summary := *run
		summary.PerturbationMetrics = nil
		out = append(out, &summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.UnixMilli() == out[j].CreatedAt.UnixMilli() {
			return out[i].ID > out[j].ID
		}
		return out[j].CreatedAt.Before(out[i].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRunRepository) DeleteRun(ctx context.Context, id core.RunID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
	return nil
}

// MockRunRepository is a testify mock of ports.RunRepository
type MockRunRepository struct {
	mock.Mock
}

var _ ports.RunRepository = (*MockRunRepository)(nil)

func (m *MockRunRepository) SaveRun(ctx context.Context, run *models.EvaluationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*models.EvaluationRun)
	return run, args.Error(1)
}

func (m *MockRunRepository) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]*models.EvaluationRun)
	return runs, args.Error(1)
}

func (m *MockRunRepository) DeleteRun(ctx context.Context, id core.RunID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
