package models

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
)

func TestScoreMap_ScanAndValue(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected ScoreMap
		wantErr  bool
	}{
		{name: "bytes", input: []byte(`{"mse":0.5}`), expected: ScoreMap{"mse": 0.5}},
		{name: "string", input: `{"pearson":1}`, expected: ScoreMap{"pearson": 1}},
		{name: "null", input: nil, expected: ScoreMap{}},
		{name: "empty", input: "", expected: ScoreMap{}},
		{name: "bad json", input: "{", wantErr: true},
		{name: "bad type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s ScoreMap
			err := s.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(s) != len(tt.expected) {
				t.Fatalf("Expected %v, got %v", tt.expected, s)
			}
			for k, v := range tt.expected {
				if s[k] != v {
					t.Errorf("Key %s: expected %v, got %v", k, v, s[k])
				}
			}
		})
	}

	v, err := ScoreMap{"mae": 2}.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if v != `{"mae":2}` {
		t.Errorf("Unexpected value %v", v)
	}
}

func TestNewEvaluationRun(t *testing.T) {
	results := &evaluation.Results{
		PertCat: []string{"B", "A"},
		Pred:    mat.NewDense(2, 3, nil),
		Truth:   mat.NewDense(2, 3, nil),
	}
	metrics := evaluation.Metrics{"mse_macro": 0.25}
	perPert := evaluation.MetricsPert{
		"B": {"mse": 0.1},
		"A": {"mse": 0.4},
	}

	run := NewEvaluationRun("holdout", "gears", evaluation.Options{Device: "cuda:0"}, results, false, metrics, perPert)

	if run.ID == "" {
		t.Error("Expected a run ID")
	}
	if run.NumSamples != 2 || run.NumGenes != 3 {
		t.Errorf("Expected 2x3, got %dx%d", run.NumSamples, run.NumGenes)
	}
	if run.Device != "cuda:0" {
		t.Errorf("Expected device cuda:0, got %s", run.Device)
	}
	if got := run.Perturbations(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("Expected sorted perturbations [A B], got %v", got)
	}
	if run.PerturbationMetrics["A"]["mse"] != 0.4 {
		t.Errorf("Expected A mse 0.4, got %v", run.PerturbationMetrics["A"]["mse"])
	}
}
