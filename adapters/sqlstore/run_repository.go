package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"

	"perteval/domain/core"
	"perteval/internal/errors"
	"perteval/models"
	"perteval/ports"
)

// RunRepositoryImpl implements RunRepository on postgres or sqlite
type RunRepositoryImpl struct {
	db *sqlx.DB
}

// NewRunRepository creates a new SQL run repository
func NewRunRepository(db *sqlx.DB) ports.RunRepository {
	return &RunRepositoryImpl{db: db}
}

type runRow struct {
	ID         string          `db:"id"`
	Name       string          `db:"name"`
	ModelName  string          `db:"model_name"`
	Device     string          `db:"device"`
	NumSamples int             `db:"num_samples"`
	NumGenes   int             `db:"num_genes"`
	GeneSubset bool            `db:"gene_subset"`
	Metrics    models.ScoreMap `db:"metrics"`
	CreatedAt  int64           `db:"created_at"`
}

func (r runRow) toModel() *models.EvaluationRun {
	return &models.EvaluationRun{
		ID:         core.RunID(r.ID),
		Name:       r.Name,
		ModelName:  r.ModelName,
		Device:     r.Device,
		NumSamples: r.NumSamples,
		NumGenes:   r.NumGenes,
		GeneSubset: r.GeneSubset,
		Metrics:    r.Metrics,
		CreatedAt:  core.FromUnixMilli(r.CreatedAt),
	}
}

type perturbationRow struct {
	Perturbation string          `db:"perturbation"`
	Metrics      models.ScoreMap `db:"metrics"`
}

const runColumns = `id, name, model_name, device, num_samples, num_genes, gene_subset, metrics, created_at`

// SaveRun inserts or replaces a run and its per-perturbation scores in one transaction
func (r *RunRepositoryImpl) SaveRun(ctx context.Context, run *models.EvaluationRun) error {
	if run == nil || run.ID == "" {
		return errors.InvalidInput("run must have an ID")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = core.Now()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO evaluation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model_name = EXCLUDED.model_name,
			device = EXCLUDED.device,
			num_samples = EXCLUDED.num_samples,
			num_genes = EXCLUDED.num_genes,
			gene_subset = EXCLUDED.gene_subset,
			metrics = EXCLUDED.metrics`),
		run.ID.String(), run.Name, run.ModelName, run.Device, run.NumSamples, run.NumGenes,
		run.GeneSubset, run.Metrics, run.CreatedAt.UnixMilli())
	if err != nil {
		return errors.DatabaseError("failed to upsert evaluation run", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM perturbation_metrics WHERE run_id = ?`), run.ID.String()); err != nil {
		return errors.DatabaseError("failed to clear perturbation metrics", err)
	}

	insert := tx.Rebind(`INSERT INTO perturbation_metrics (run_id, perturbation, metrics) VALUES (?, ?, ?)`)
	for _, pert := range run.Perturbations() {
		if _, err := tx.ExecContext(ctx, insert, run.ID.String(), pert, run.PerturbationMetrics[pert]); err != nil {
			return errors.DatabaseError(fmt.Sprintf("failed to insert metrics for %s", pert), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("failed to commit evaluation run", err)
	}

	log.Printf("[RunRepository] saved run %s (%d perturbations)", run.ID, len(run.PerturbationMetrics))
	return nil
}

// GetRun loads a run with its per-perturbation scores
func (r *RunRepositoryImpl) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+runColumns+` FROM evaluation_runs WHERE id = ?`), id.String())
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("run "+id.String(), core.ErrRunNotFound)
	}
	if err != nil {
		return nil, errors.DatabaseError("failed to load evaluation run", err)
	}

	var perts []perturbationRow
	err = r.db.SelectContext(ctx, &perts, r.db.Rebind(`
		SELECT perturbation, metrics FROM perturbation_metrics
		WHERE run_id = ?
		ORDER BY perturbation`), id.String())
	if err != nil {
		return nil, errors.DatabaseError("failed to load perturbation metrics", err)
	}

	run := row.toModel()
	run.PerturbationMetrics = make(map[string]models.ScoreMap, len(perts))
	for _, p := range perts {
		run.PerturbationMetrics[p.Perturbation] = p.Metrics
	}
	return run, nil
}

// ListRuns returns the newest runs first
func (r *RunRepositoryImpl) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+runColumns+` FROM evaluation_runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, errors.DatabaseError("failed to list evaluation runs", err)
	}

	runs := make([]*models.EvaluationRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

// DeleteRun removes a run and its per-perturbation scores
func (r *RunRepositoryImpl) DeleteRun(ctx context.Context, id core.RunID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM perturbation_metrics WHERE run_id = ?`), id.String()); err != nil {
		return errors.DatabaseError("failed to delete perturbation metrics", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM evaluation_runs WHERE id = ?`), id.String()); err != nil {
		return errors.DatabaseError("failed to delete evaluation run", err)
	}
	return tx.Commit()
}
