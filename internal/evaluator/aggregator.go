package evaluator

import (
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/internal/errors"
	"perteval/internal/metrics"
)

// Aggregator turns evaluation results into metric maps
type Aggregator struct {
	// ExcludeDEPlaceholders drops zero-filled DE rows from every DE statistic.
	// Off by default so scores stay comparable with earlier runs.
	ExcludeDEPlaceholders bool
}

// ComputeMetrics aggregates results with the default Aggregator
func ComputeMetrics(results *evaluation.Results, geneIdx []int) (evaluation.Metrics, evaluation.MetricsPert, error) {
	return Aggregator{}.Compute(results, geneIdx)
}

// Compute returns the macro and micro-averaged metrics plus the
// per-perturbation breakdown. A non-nil geneIdx means results were produced
// on a fixed gene subset: per-perturbation scores are then recorded as 0.
func (a Aggregator) Compute(results *evaluation.Results, geneIdx []int) (evaluation.Metrics, evaluation.MetricsPert, error) {
	if err := validateResults(results); err != nil {
		return nil, nil, err
	}
	subset := geneIdx != nil

	out := evaluation.Metrics{}
	perPert := evaluation.MetricsPert{}

	deRows := a.deRows(results)
	var predDE, truthDE []float64
	if results.HasDE() && !subset {
		predDE = flattenRows(results.PredDE, deRows)
		truthDE = flattenRows(results.TruthDE, deRows)
	}

	predAll := flattenRows(results.Pred, nil)
	truthAll := flattenRows(results.Truth, nil)
	for _, m := range metrics.Registry {
		out[m.Name+evaluation.SuffixMacro] = score(m, predAll, truthAll)
		out[m.Name+evaluation.SuffixDEMacro] = score(m, predDE, truthDE)
	}

	micro := make(map[string][]float64, len(metrics.Registry))
	microDE := make(map[string][]float64, len(metrics.Registry))

	groups := groupRows(results.PertCat)
	for _, pert := range sortedKeys(groups) {
		rows := groups[pert]
		scores := evaluation.Scores{}
		perPert[pert] = scores

		if !subset {
			p := columnMean(results.Pred, rows)
			t := columnMean(results.Truth, rows)
			for _, m := range metrics.Registry {
				v := score(m, p, t)
				scores[m.Name] = v
				micro[m.Name] = append(micro[m.Name], v)
			}
		} else {
			for _, m := range metrics.Registry {
				scores[m.Name] = 0
				micro[m.Name] = append(micro[m.Name], 0)
			}
		}

		var de []int
		if pert != evaluation.CtrlLabel && !subset && results.HasDE() {
			de = intersect(rows, deRows)
		}
		if len(de) == 0 {
			for _, m := range metrics.Registry {
				scores[m.Name+evaluation.SuffixDE] = 0
			}
			continue
		}
		p := columnMean(results.PredDE, de)
		t := columnMean(results.TruthDE, de)
		for _, m := range metrics.Registry {
			v := score(m, p, t)
			scores[m.Name+evaluation.SuffixDE] = v
			microDE[m.Name] = append(microDE[m.Name], v)
		}
	}

	for _, m := range metrics.Registry {
		out[m.Name] = mean(micro[m.Name])
		out[m.Name+evaluation.SuffixDE] = mean(microDE[m.Name])
	}
	return out, perPert, nil
}

// deRows returns the DE rows that take part in statistics, or nil for all rows
func (a Aggregator) deRows(results *evaluation.Results) []int {
	if !results.HasDE() {
		return nil
	}
	rows, _ := results.PredDE.Dims()
	if !a.ExcludeDEPlaceholders || len(results.DEPlaceholder) != rows {
		return allRows(rows)
	}
	keep := make([]int, 0, rows)
	for i, isPlaceholder := range results.DEPlaceholder {
		if !isPlaceholder {
			keep = append(keep, i)
		}
	}
	return keep
}

func validateResults(results *evaluation.Results) error {
	if results == nil || results.Pred == nil || results.Truth == nil {
		return errors.InvalidInput("results have no predictions")
	}
	pr, pc := results.Pred.Dims()
	tr, tc := results.Truth.Dims()
	if pr != tr || pc != tc {
		return errors.ShapeMismatch("pred is %dx%d but truth is %dx%d", pr, pc, tr, tc)
	}
	if len(results.PertCat) != pr {
		return errors.ShapeMismatch("%d perturbation labels for %d rows", len(results.PertCat), pr)
	}
	if (results.PredDE == nil) != (results.TruthDE == nil) {
		return errors.InvalidInput("pred_de and truth_de must be provided together")
	}
	if results.HasDE() {
		dr, dc := results.PredDE.Dims()
		er, ec := results.TruthDE.Dims()
		if dr != er || dc != ec {
			return errors.ShapeMismatch("pred_de is %dx%d but truth_de is %dx%d", dr, dc, er, ec)
		}
		if dr != pr {
			return errors.ShapeMismatch("%d DE rows for %d samples", dr, pr)
		}
	}
	return nil
}

// score applies one metric; undefined results become 0
func score(m metrics.Metric, pred, truth []float64) float64 {
	if len(pred) == 0 || len(pred) != len(truth) {
		return 0
	}
	return metrics.Finite(m.Fn(pred, truth))
}

func mean(values []float64) float64 {
	v, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return v
}

// flattenRows concatenates the selected rows in row-major order; nil selects all
func flattenRows(m *mat.Dense, rows []int) []float64 {
	r, c := m.Dims()
	if rows == nil {
		rows = allRows(r)
	}
	out := make([]float64, 0, len(rows)*c)
	for _, i := range rows {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

// columnMean averages the selected rows column by column
func columnMean(m *mat.Dense, rows []int) []float64 {
	_, c := m.Dims()
	out := make([]float64, c)
	for _, i := range rows {
		row := m.RawRowView(i)
		for j := range out {
			out[j] += row[j]
		}
	}
	n := float64(len(rows))
	for j := range out {
		out[j] /= n
	}
	return out
}

func groupRows(labels []string) map[string][]int {
	groups := make(map[string][]int)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	return groups
}

func sortedKeys(groups map[string][]int) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// intersect keeps the rows of a that also appear in the sorted slice b
func intersect(a, b []int) []int {
	out := make([]int, 0, len(a))
	for _, v := range a {
		k := sort.SearchInts(b, v)
		if k < len(b) && b[k] == v {
			out = append(out, v)
		}
	}
	return out
}
