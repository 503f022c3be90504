package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"

	"perteval/domain/core"
	"perteval/domain/evaluation"
)

// ScoreMap is a metric map stored in a JSON column (JSONB on postgres, TEXT on sqlite)
type ScoreMap map[string]float64

// Value implements driver.Valuer interface
func (s ScoreMap) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner interface
func (s *ScoreMap) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*s = ScoreMap{}
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ScoreMap", value)
	}

	result := ScoreMap{}
	if len(bytes) > 0 {
		if err := json.Unmarshal(bytes, &result); err != nil {
			return err
		}
	}
	*s = result
	return nil
}

// EvaluationRun is one persisted evaluation with its metric breakdown
type EvaluationRun struct {
	ID         core.RunID     `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	ModelName  string         `json:"model_name" db:"model_name"`
	Device     string         `json:"device" db:"device"`
	NumSamples int            `json:"num_samples" db:"num_samples"`
	NumGenes   int            `json:"num_genes" db:"num_genes"`
	GeneSubset bool           `json:"gene_subset" db:"gene_subset"`
	Metrics    ScoreMap       `json:"metrics" db:"metrics"`
	CreatedAt  core.Timestamp `json:"created_at" db:"-"`

	PerturbationMetrics map[string]ScoreMap `json:"perturbation_metrics,omitempty" db:"-"`
}

// NewEvaluationRun packages aggregated metrics into a run record
func NewEvaluationRun(name, modelName string, opts evaluation.Options, results *evaluation.Results,
	geneSubset bool, metrics evaluation.Metrics, perPert evaluation.MetricsPert) *EvaluationRun {

	run := &EvaluationRun{
		ID:                  core.NewRunID(),
		Name:                name,
		ModelName:           modelName,
		Device:              opts.Device,
		NumSamples:          results.NumSamples(),
		NumGenes:            results.NumGenes(),
		GeneSubset:          geneSubset,
		Metrics:             ScoreMap(metrics),
		CreatedAt:           core.Now(),
		PerturbationMetrics: make(map[string]ScoreMap, len(perPert)),
	}
	for pert, scores := range perPert {
		run.PerturbationMetrics[pert] = ScoreMap(scores)
	}
	return run
}

// Perturbations returns the perturbation labels in sorted order
func (r *EvaluationRun) Perturbations() []string {
	labels := make([]string, 0, len(r.PerturbationMetrics))
	for label := range r.PerturbationMetrics {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
