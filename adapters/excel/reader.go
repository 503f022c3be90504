package excel

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
)

// Sheet names of the workbook formats
const (
	SheetPred          = "pred"
	SheetTruth         = "truth"
	SheetPredDE        = "pred_de"
	SheetTruthDE       = "truth_de"
	SheetSamples       = "samples"
	SheetGraph         = "graph"
	SheetMetrics       = "metrics"
	SheetPerturbations = "perturbations"
	SheetPredictions   = "predictions"
)

// DataReader handles reading Excel and CSV files
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
}

// NewDataReader creates a new data reader that handles both Excel and CSV files.
// A CSV file stands in for a single sheet.
func NewDataReader(filePath string) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	return &DataReader{filePath: filePath, fileType: fileType}
}

// sheets reads the requested sheets; missing optional sheets come back nil
func (r *DataReader) sheets(required []string, optional ...string) (map[string][][]string, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s file not found: %s", strings.ToUpper(r.fileType), r.filePath)
	}

	startTime := time.Now()
	out := make(map[string][][]string)

	if r.fileType == "csv" {
		if len(required) != 1 || len(optional) != 0 {
			return nil, fmt.Errorf("CSV input holds one sheet, %d required", len(required)+len(optional))
		}
		file, err := os.Open(r.filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open CSV file: %w", err)
		}
		defer file.Close()

		reader := csv.NewReader(file)
		reader.FieldsPerRecord = -1
		rows, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV file: %w", err)
		}
		out[required[0]] = rows
		log.Printf("[DataReader] CSV file read in %.2fms (%d rows)", float64(time.Since(startTime).Nanoseconds())/1e6, len(rows))
		return out, nil
	}

	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	present := make(map[string]bool)
	for _, name := range f.GetSheetList() {
		present[name] = true
	}

	read := func(name string) error {
		rows, err := f.GetRows(name)
		if err != nil {
			return fmt.Errorf("failed to read sheet %s: %w", name, err)
		}
		out[name] = rows
		return nil
	}
	for _, name := range required {
		if !present[name] {
			return nil, fmt.Errorf("workbook %s has no %q sheet", r.filePath, name)
		}
		if err := read(name); err != nil {
			return nil, err
		}
	}
	for _, name := range optional {
		if present[name] {
			if err := read(name); err != nil {
				return nil, err
			}
		}
	}

	log.Printf("[DataReader] %d sheets read in %.2fms", len(out), float64(time.Since(startTime).Nanoseconds())/1e6)
	return out, nil
}

// labelledMatrix parses a sheet whose header row names genes and whose first
// column holds the perturbation label
func labelledMatrix(sheet string, rows [][]string) ([]string, *mat.Dense, error) {
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("sheet %s must have a header row and at least one data row", sheet)
	}
	width := len(rows[0]) - 1
	if width < 1 {
		return nil, nil, fmt.Errorf("sheet %s has no value columns", sheet)
	}

	labels := make([]string, 0, len(rows)-1)
	data := make([]float64, 0, (len(rows)-1)*width)
	for i, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		labels = append(labels, strings.TrimSpace(row[0]))
		values, err := parseFloats(row[1:], width)
		if err != nil {
			return nil, nil, fmt.Errorf("sheet %s row %d: %w", sheet, i+2, err)
		}
		data = append(data, values...)
	}
	if len(labels) == 0 {
		return nil, nil, fmt.Errorf("sheet %s has no data rows", sheet)
	}
	return labels, mat.NewDense(len(labels), width, data), nil
}

// parseFloats parses exactly width cells; trailing blanks read as 0 because
// excelize trims empty trailing cells
func parseFloats(cells []string, width int) ([]float64, error) {
	if len(cells) > width {
		return nil, fmt.Errorf("%d values, expected %d", len(cells), width)
	}
	out := make([]float64, width)
	for j, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", j+2, err)
		}
		out[j] = v
	}
	return out, nil
}

// ReadResults loads externally produced predictions. pred and truth are
// required; pred_de and truth_de are read when both exist.
func (r *DataReader) ReadResults() (*evaluation.Results, error) {
	sheets, err := r.sheets([]string{SheetPred, SheetTruth}, SheetPredDE, SheetTruthDE)
	if err != nil {
		return nil, err
	}

	labels, truth, err := labelledMatrix(SheetTruth, sheets[SheetTruth])
	if err != nil {
		return nil, err
	}
	predLabels, pred, err := labelledMatrix(SheetPred, sheets[SheetPred])
	if err != nil {
		return nil, err
	}
	if err := sameLabels(labels, predLabels, SheetPred); err != nil {
		return nil, err
	}

	results := &evaluation.Results{PertCat: labels, Pred: pred, Truth: truth}

	if sheets[SheetPredDE] != nil && sheets[SheetTruthDE] != nil {
		deLabels, truthDE, err := labelledMatrix(SheetTruthDE, sheets[SheetTruthDE])
		if err != nil {
			return nil, err
		}
		if err := sameLabels(labels, deLabels, SheetTruthDE); err != nil {
			return nil, err
		}
		predDELabels, predDE, err := labelledMatrix(SheetPredDE, sheets[SheetPredDE])
		if err != nil {
			return nil, err
		}
		if err := sameLabels(labels, predDELabels, SheetPredDE); err != nil {
			return nil, err
		}
		results.PredDE = predDE
		results.TruthDE = truthDE
	}

	log.Printf("[DataReader] results loaded: %d samples, %d genes, DE=%t", results.NumSamples(), results.NumGenes(), results.HasDE())
	return results, nil
}

func sameLabels(want, got []string, sheet string) error {
	if len(want) != len(got) {
		return fmt.Errorf("sheet %s has %d rows, truth has %d", sheet, len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("sheet %s row %d is labelled %q, truth says %q", sheet, i+2, got[i], want[i])
		}
	}
	return nil
}

// ReadBatches loads the samples sheet (perturbation, de_idx, gene values...)
// and splits it into batches of batchSize
func (r *DataReader) ReadBatches(batchSize int) (*evaluation.SliceLoader, error) {
	sheets, err := r.sheets([]string{SheetSamples})
	if err != nil {
		return nil, err
	}
	rows := sheets[SheetSamples]
	if len(rows) < 2 {
		return nil, fmt.Errorf("sheet %s must have a header row and at least one data row", SheetSamples)
	}
	width := len(rows[0]) - 2
	if width < 1 {
		return nil, fmt.Errorf("sheet %s needs perturbation, de_idx and at least one gene column", SheetSamples)
	}

	all := &evaluation.Batch{}
	var data []float64
	hasDE := false
	for i, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		cells := append(row, make([]string, 2)...)
		all.Perts = append(all.Perts, strings.TrimSpace(cells[0]))

		de, err := parseIndices(cells[1])
		if err != nil {
			return nil, fmt.Errorf("sheet %s row %d: %w", SheetSamples, i+2, err)
		}
		hasDE = hasDE || de != nil
		all.DEIdx = append(all.DEIdx, de)

		var valueCells []string
		if len(row) > 2 {
			valueCells = row[2:]
		}
		values, err := parseFloats(valueCells, width)
		if err != nil {
			return nil, fmt.Errorf("sheet %s row %d: %w", SheetSamples, i+2, err)
		}
		data = append(data, values...)
	}
	if len(all.Perts) == 0 {
		return nil, fmt.Errorf("sheet %s has no data rows", SheetSamples)
	}
	all.Y = mat.NewDense(len(all.Perts), width, data)
	if !hasDE {
		all.DEIdx = nil
	}
	if err := all.Validate(); err != nil {
		return nil, err
	}

	batches := evaluation.Split(all, batchSize)
	log.Printf("[DataReader] %d samples split into %d batches", all.Size(), len(batches))
	return evaluation.NewSliceLoader(batches...), nil
}

// parseIndices reads "3;17;42"; an empty cell means no DE indices
func parseIndices(cell string) ([]int, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, nil
	}
	parts := strings.Split(cell, ";")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad DE index %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ReadGraph loads the graph sheet (source, target, optional weight). Weights
// are returned only when every edge has one.
func (r *DataReader) ReadGraph() (*evaluation.GeneGraph, *evaluation.EdgeWeights, error) {
	sheets, err := r.sheets([]string{SheetGraph})
	if err != nil {
		return nil, nil, err
	}
	rows := sheets[SheetGraph]
	if len(rows) < 1 {
		return nil, nil, fmt.Errorf("sheet %s is empty", SheetGraph)
	}

	graph := &evaluation.GeneGraph{}
	var weights []float64
	weighted := true
	for i, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("sheet %s row %d: need source and target", SheetGraph, i+2)
		}
		src, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, nil, fmt.Errorf("sheet %s row %d: bad source: %w", SheetGraph, i+2, err)
		}
		dst, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, nil, fmt.Errorf("sheet %s row %d: bad target: %w", SheetGraph, i+2, err)
		}
		if src < 0 || dst < 0 {
			return nil, nil, fmt.Errorf("sheet %s row %d: negative node index", SheetGraph, i+2)
		}
		graph.Edges = append(graph.Edges, [2]int{src, dst})
		if src >= graph.NumNodes {
			graph.NumNodes = src + 1
		}
		if dst >= graph.NumNodes {
			graph.NumNodes = dst + 1
		}

		if len(row) < 3 || strings.TrimSpace(row[2]) == "" {
			weighted = false
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("sheet %s row %d: bad weight: %w", SheetGraph, i+2, err)
		}
		weights = append(weights, w)
	}

	log.Printf("[DataReader] graph loaded: %d nodes, %d edges, weighted=%t", graph.NumNodes, len(graph.Edges), weighted && len(weights) > 0)
	if !weighted || len(weights) == 0 {
		return graph, nil, nil
	}
	return graph, &evaluation.EdgeWeights{Values: weights}, nil
}

// ReadResults reads a results workbook at path
func ReadResults(path string) (*evaluation.Results, error) {
	return NewDataReader(path).ReadResults()
}

// ReadBatches reads a samples workbook or CSV at path
func ReadBatches(path string, batchSize int) (*evaluation.SliceLoader, error) {
	return NewDataReader(path).ReadBatches(batchSize)
}

// ReadGraph reads a graph workbook or CSV at path
func ReadGraph(path string) (*evaluation.GeneGraph, *evaluation.EdgeWeights, error) {
	return NewDataReader(path).ReadGraph()
}
