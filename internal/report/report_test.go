package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"perteval/domain/core"
	"perteval/models"
)

func sampleRun() *models.EvaluationRun {
	return &models.EvaluationRun{
		ID:         core.NewRunID(),
		Name:       "norman-holdout",
		ModelName:  "gears",
		Device:     "cpu",
		NumSamples: 12,
		NumGenes:   5045,
		Metrics: models.ScoreMap{
			"mse_macro": 0.01234,
			"pearson":   0.9,
		},
		PerturbationMetrics: map[string]models.ScoreMap{
			"KLF1+ctrl": {"mse": 0.5, "pearson_de": 0.25},
			"ctrl":      {"mse": 0.1},
		},
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleRun())

	assert.True(t, strings.HasPrefix(md, "# Evaluation norman-holdout\n"))
	assert.Contains(t, md, "| mse | 0.0123 | 0.0000 | 0.0000 | 0.0000 |")
	assert.Contains(t, md, "| pearson | 0.0000 | 0.0000 | 0.9000 | 0.0000 |")
	assert.Contains(t, md, "## Perturbations (2)")
	assert.Less(t, strings.Index(md, "| KLF1+ctrl |"), strings.Index(md, "| ctrl |"))
}

func TestMarkdown_NoPerturbations(t *testing.T) {
	run := sampleRun()
	run.PerturbationMetrics = nil
	run.GeneSubset = true

	md := Markdown(run)
	assert.NotContains(t, md, "## Perturbations")
	assert.Contains(t, md, "Gene subset")
}

func TestMarkdown_EscapesPipes(t *testing.T) {
	run := sampleRun()
	run.PerturbationMetrics = map[string]models.ScoreMap{"A|B": {}}

	assert.Contains(t, Markdown(run), `| A\|B |`)
}

func TestHTML(t *testing.T) {
	out := string(HTML(sampleRun()))

	assert.Contains(t, out, "<h1")
	assert.Contains(t, out, "<table>")
	assert.Contains(t, out, "KLF1+ctrl")
}
