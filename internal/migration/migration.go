package migration

import (
	"context"
	"fmt"

	"perteval/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	jsonType, err := jsonColumnType(db.DriverName())
	if err != nil {
		return err
	}

	if err := r.createEvaluationRunsTable(ctx, db, jsonType); err != nil {
		return errors.Wrap(err, "failed to create evaluation_runs table")
	}

	if err := r.createPerturbationMetricsTable(ctx, db, jsonType); err != nil {
		return errors.Wrap(err, "failed to create perturbation_metrics table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

// jsonColumnType picks the column type used for metric maps
func jsonColumnType(driver string) (string, error) {
	switch driver {
	case "postgres", "pgx":
		return "JSONB", nil
	case "sqlite", "sqlite3":
		return "TEXT", nil
	default:
		return "", errors.ConfigInvalid(fmt.Sprintf("unsupported database driver %q", driver))
	}
}

func (r *MigrationRunner) createEvaluationRunsTable(ctx context.Context, db *sqlx.DB, jsonType string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS evaluation_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model_name TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL DEFAULT '',
			num_samples INTEGER NOT NULL DEFAULT 0,
			num_genes INTEGER NOT NULL DEFAULT 0,
			gene_subset BOOLEAN NOT NULL DEFAULT FALSE,
			metrics %s NOT NULL,
			created_at BIGINT NOT NULL
		)
	`, jsonType))
	return err
}

func (r *MigrationRunner) createPerturbationMetricsTable(ctx context.Context, db *sqlx.DB, jsonType string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS perturbation_metrics (
			run_id TEXT NOT NULL REFERENCES evaluation_runs(id) ON DELETE CASCADE,
			perturbation TEXT NOT NULL,
			metrics %s NOT NULL,
			PRIMARY KEY (run_id, perturbation)
		)
	`, jsonType))
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_evaluation_runs_created_at ON evaluation_runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluation_runs_model_name ON evaluation_runs(model_name)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
