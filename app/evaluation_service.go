package app

import (
	"context"
	"log"

	"gonum.org/v1/gonum/mat"

	"perteval/domain/core"
	"perteval/domain/evaluation"
	"perteval/internal/config"
	"perteval/internal/errors"
	"perteval/internal/evaluator"
	"perteval/models"
	"perteval/ports"
)

// EvaluationRequest describes one evaluation pass over a held-out loader
type EvaluationRequest struct {
	Name      string
	ModelName string
	Loader    evaluation.Loader
	Graph     *evaluation.GeneGraph
	Weights   *evaluation.EdgeWeights
	Model     evaluation.Model
	// Options, NumDEIdx and GeneIdx override the configured defaults when set
	Options  *evaluation.Options
	NumDEIdx int
	GeneIdx  []int
}

// EvaluationResult is a persisted run plus the raw stacked matrices
type EvaluationResult struct {
	Run     *models.EvaluationRun
	Results *evaluation.Results
}

// EvaluationService runs evaluations, scores results and stores the runs
type EvaluationService struct {
	runs       ports.RunRepository
	cfg        config.EvaluationConfig
	aggregator evaluator.Aggregator
	predictor  evaluator.Predictor
}

// NewEvaluationService creates a service; runs may be nil to skip persistence
func NewEvaluationService(runs ports.RunRepository, cfg config.EvaluationConfig) *EvaluationService {
	return &EvaluationService{
		runs:       runs,
		cfg:        cfg,
		aggregator: evaluator.Aggregator{ExcludeDEPlaceholders: cfg.ExcludeDEPlaceholders},
		predictor:  evaluator.Predictor{Parallelism: cfg.Parallelism},
	}
}

// RunEvaluation evaluates the model, aggregates metrics and saves the run
func (s *EvaluationService) RunEvaluation(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	if req.Loader == nil || req.Model == nil {
		return nil, errors.InvalidInput("loader and model are required")
	}

	opts := evaluation.Options{Device: s.cfg.Device, SingleOut: s.cfg.SingleOut}
	if req.Options != nil {
		opts = *req.Options
	}
	numDEIdx := s.cfg.NumDEIdx
	if req.NumDEIdx > 0 {
		numDEIdx = req.NumDEIdx
	}
	geneIdx := s.cfg.GeneIdx
	if req.GeneIdx != nil {
		geneIdx = req.GeneIdx
	}

	log.Printf("[EvaluationService] Starting evaluation %q of model %q on %s", req.Name, req.ModelName, opts.Device)
	results, err := evaluator.Evaluate(ctx, req.Loader, req.Graph, req.Weights, req.Model, opts, numDEIdx, geneIdx)
	if err != nil {
		return nil, errors.Wrap(err, "evaluation failed")
	}

	run, err := s.score(ctx, req.Name, req.ModelName, opts, results, geneIdx)
	if err != nil {
		return nil, err
	}
	return &EvaluationResult{Run: run, Results: results}, nil
}

// ScoreResults aggregates externally produced results and saves the run
func (s *EvaluationService) ScoreResults(ctx context.Context, name string, results *evaluation.Results, geneIdx []int) (*models.EvaluationRun, error) {
	return s.score(ctx, name, "", evaluation.Options{Device: s.cfg.Device}, results, geneIdx)
}

func (s *EvaluationService) score(ctx context.Context, name, modelName string, opts evaluation.Options, results *evaluation.Results, geneIdx []int) (*models.EvaluationRun, error) {
	metrics, perPert, err := s.aggregator.Compute(results, geneIdx)
	if err != nil {
		return nil, errors.Wrap(err, "metric aggregation failed")
	}

	run := models.NewEvaluationRun(name, modelName, opts, results, geneIdx != nil, metrics, perPert)
	log.Printf("[EvaluationService] Run %s: %d samples, %d perturbations, mse=%.4f pearson=%.4f",
		run.ID, run.NumSamples, len(perPert), metrics[evaluation.MetricMSE], metrics[evaluation.MetricPearson])

	if s.runs == nil {
		return run, nil
	}
	if err := s.runs.SaveRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "failed to save evaluation run")
	}
	return run, nil
}

// Predict runs a node-specific ensemble over every batch of loader
func (s *EvaluationService) Predict(ctx context.Context, loader evaluation.Loader, nodeModels []evaluation.NodeModel) (*mat.Dense, error) {
	opts := evaluation.Options{Device: s.cfg.Device, SingleOut: s.cfg.SingleOut}
	return s.predictor.Predict(ctx, loader, nodeModels, opts)
}

// GetRun loads a stored run
func (s *EvaluationService) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	if s.runs == nil {
		return nil, errors.ConfigInvalid("no run repository configured")
	}
	return s.runs.GetRun(ctx, id)
}

// ListRuns returns the newest runs first
func (s *EvaluationService) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	if s.runs == nil {
		return nil, errors.ConfigInvalid("no run repository configured")
	}
	return s.runs.ListRuns(ctx, limit)
}

// DeleteRun removes a stored run
func (s *EvaluationService) DeleteRun(ctx context.Context, id core.RunID) error {
	if s.runs == nil {
		return errors.ConfigInvalid("no run repository configured")
	}
	return s.runs.DeleteRun(ctx, id)
}
