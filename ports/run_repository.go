package ports

import (
	"context"

	"perteval/domain/core"
	"perteval/models"
)

// RunRepository defines the interface for evaluation run persistence
type RunRepository interface {
	// SaveRun inserts or replaces a run together with its per-perturbation scores
	SaveRun(ctx context.Context, run *models.EvaluationRun) error

	// GetRun loads a run; unknown IDs return a NOT_FOUND error
	GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error)

	// ListRuns returns the newest runs first, without per-perturbation scores
	ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error)

	// DeleteRun removes a run; deleting an unknown run is not an error
	DeleteRun(ctx context.Context, id core.RunID) error
}
