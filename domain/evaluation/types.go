// Package evaluation holds the data model shared by the evaluator, the
// metrics aggregator and the node-specific batch predictor.
package evaluation

import (
	"gonum.org/v1/gonum/mat"
)

// CtrlLabel is the perturbation label of unperturbed control samples.
// Control groups never contribute to DE micro averages.
const CtrlLabel = "ctrl"

// DefaultNumDEIdx is the DE width used when the caller does not set one
const DefaultNumDEIdx = 20

// Metric names, in the order they are computed and reported
const (
	MetricMSE      = "mse"
	MetricMAE      = "mae"
	MetricSpearman = "spearman"
	MetricPearson  = "pearson"
	MetricR2       = "r2"
)

// MetricNames lists every metric in reporting order
var MetricNames = []string{MetricMSE, MetricMAE, MetricSpearman, MetricPearson, MetricR2}

// Key suffixes for the aggregate metrics map
const (
	SuffixDE      = "_de"
	SuffixMacro   = "_macro"
	SuffixDEMacro = "_de_macro"
)

// Options carries the runtime switches of an evaluation
type Options struct {
	// Device is the compute target every model, graph and batch is moved to
	Device string `json:"device" yaml:"device"`
	// SingleOut means the model output is already restricted to the gene subset
	SingleOut bool `json:"single_out" yaml:"single_out"`
}

// Results holds stacked predictions and truths from one evaluation pass
type Results struct {
	PertCat []string   `json:"pert_cat"`
	Pred    *mat.Dense `json:"-"`
	Truth   *mat.Dense `json:"-"`

	// PredDE and TruthDE are nil when a fixed gene subset was evaluated
	PredDE  *mat.Dense `json:"-"`
	TruthDE *mat.Dense `json:"-"`

	// DEPlaceholder marks DE rows that were zero-filled because the sample
	// carried no DE indices. These rows are not measurements.
	DEPlaceholder []bool `json:"de_placeholder,omitempty"`
}

// NumSamples returns the number of evaluated samples
func (r *Results) NumSamples() int {
	if r == nil || r.Pred == nil {
		return 0
	}
	rows, _ := r.Pred.Dims()
	return rows
}

// NumGenes returns the number of gene columns in the full-gene matrices
func (r *Results) NumGenes() int {
	if r == nil || r.Pred == nil {
		return 0
	}
	_, cols := r.Pred.Dims()
	return cols
}

// HasDE reports whether DE matrices were collected
func (r *Results) HasDE() bool {
	return r != nil && r.PredDE != nil && r.TruthDE != nil
}

// Scores maps a metric name (optionally with the _de suffix) to its value
type Scores map[string]float64

// Metrics is the aggregate metric map: <m>_macro, <m>_de_macro, <m>, <m>_de
type Metrics map[string]float64

// MetricsPert holds the per-perturbation breakdown
type MetricsPert map[string]Scores

// Macro returns the pooled value of metric m
func (m Metrics) Macro(name string) float64 { return m[name+SuffixMacro] }

// DEMacro returns the pooled DE value of metric m
func (m Metrics) DEMacro(name string) float64 { return m[name+SuffixDEMacro] }

// Micro returns the per-perturbation average of metric m
func (m Metrics) Micro(name string) float64 { return m[name] }

// DEMicro returns the per-perturbation DE average of metric m
func (m Metrics) DEMicro(name string) float64 { return m[name+SuffixDE] }
