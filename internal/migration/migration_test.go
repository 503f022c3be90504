package migration

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"perteval/internal/errors"
)

func TestRun_Idempotent(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	runner := NewRunner()
	ctx := context.Background()
	require.NoError(t, runner.Run(ctx, db))
	require.NoError(t, runner.Run(ctx, db))

	var tables []string
	require.NoError(t, db.Select(&tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('evaluation_runs', 'perturbation_metrics') ORDER BY name`))
	assert.Equal(t, []string{"evaluation_runs", "perturbation_metrics"}, tables)
}

func TestJSONColumnType(t *testing.T) {
	typ, err := jsonColumnType("postgres")
	require.NoError(t, err)
	assert.Equal(t, "JSONB", typ)

	typ, err = jsonColumnType("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "TEXT", typ)

	_, err = jsonColumnType("mysql")
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}
