package excel

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/models"
)

// WriteReport writes the metrics and per-perturbation sheets of a run
func WriteReport(path string, run *models.EvaluationRun) error {
	startTime := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetMetrics); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	rows := [][]interface{}{
		{"run_id", run.ID.String()},
		{"name", run.Name},
		{"model", run.ModelName},
		{"device", run.Device},
		{"samples", run.NumSamples},
		{"genes", run.NumGenes},
		{"gene_subset", run.GeneSubset},
		{},
		{"metric", "macro", "de_macro", "micro", "de_micro"},
	}
	for _, m := range evaluation.MetricNames {
		rows = append(rows, []interface{}{
			m,
			run.Metrics[m+evaluation.SuffixMacro],
			run.Metrics[m+evaluation.SuffixDEMacro],
			run.Metrics[m],
			run.Metrics[m+evaluation.SuffixDE],
		})
	}
	if err := writeRows(f, SheetMetrics, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetPerturbations); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", SheetPerturbations, err)
	}
	header := []interface{}{"perturbation"}
	for _, m := range evaluation.MetricNames {
		header = append(header, m)
	}
	for _, m := range evaluation.MetricNames {
		header = append(header, m+evaluation.SuffixDE)
	}
	pertRows := [][]interface{}{header}
	for _, pert := range run.Perturbations() {
		scores := run.PerturbationMetrics[pert]
		row := []interface{}{pert}
		for _, m := range evaluation.MetricNames {
			row = append(row, scores[m])
		}
		for _, m := range evaluation.MetricNames {
			row = append(row, scores[m+evaluation.SuffixDE])
		}
		pertRows = append(pertRows, row)
	}
	if err := writeRows(f, SheetPerturbations, pertRows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report %s: %w", path, err)
	}
	log.Printf("[DataWriter] report for run %s written in %.2fms", run.ID, float64(time.Since(startTime).Nanoseconds())/1e6)
	return nil
}

// WriteMatrix writes m into sheet, with gene_<j> headers and optional row
// labels in column A. An existing workbook at path is updated in place.
func WriteMatrix(path, sheet string, labels []string, m mat.Matrix) error {
	f, created, err := openOrCreate(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := resetSheet(f, sheet, created); err != nil {
		return err
	}

	r, c := m.Dims()
	if labels != nil && len(labels) != r {
		return fmt.Errorf("%d labels for %d rows", len(labels), r)
	}
	header := []interface{}{"perturbation"}
	for j := 0; j < c; j++ {
		header = append(header, fmt.Sprintf("gene_%d", j))
	}
	rows := [][]interface{}{header}
	for i := 0; i < r; i++ {
		label := ""
		if labels != nil {
			label = labels[i]
		}
		row := make([]interface{}, 0, c+1)
		row = append(row, label)
		for j := 0; j < c; j++ {
			row = append(row, m.At(i, j))
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, sheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	log.Printf("[DataWriter] %dx%d matrix written to %s!%s", r, c, path, sheet)
	return nil
}

// WriteResults writes every matrix of results into the workbook layout
// ReadResults expects
func WriteResults(path string, results *evaluation.Results) error {
	sheets := []struct {
		name string
		m    *mat.Dense
	}{
		{SheetPred, results.Pred},
		{SheetTruth, results.Truth},
		{SheetPredDE, results.PredDE},
		{SheetTruthDE, results.TruthDE},
	}
	for _, s := range sheets {
		if s.m == nil {
			continue
		}
		if err := WriteMatrix(path, s.name, results.PertCat, s.m); err != nil {
			return err
		}
	}
	return nil
}

// resetSheet leaves an empty sheet named sheet in f
func resetSheet(f *excelize.File, sheet string, created bool) error {
	if created {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("failed to rename sheet: %w", err)
		}
		return nil
	}

	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		return fmt.Errorf("failed to look up sheet %s: %w", sheet, err)
	}
	if idx < 0 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
		return nil
	}

	// a workbook cannot lose its last sheet, so stage the replacement first
	staging := sheet + "_new"
	if _, err := f.NewSheet(staging); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", staging, err)
	}
	if err := f.DeleteSheet(sheet); err != nil {
		return fmt.Errorf("failed to replace sheet %s: %w", sheet, err)
	}
	if err := f.SetSheetName(staging, sheet); err != nil {
		return fmt.Errorf("failed to rename sheet %s: %w", staging, err)
	}
	return nil
}

func openOrCreate(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return excelize.NewFile(), true, nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open Excel file: %w", err)
	}
	return f, false, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
