package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"perteval/adapters/excel"
	"perteval/adapters/rpcmodel"
	"perteval/app"
	"perteval/domain/core"
	"perteval/domain/evaluation"
	"perteval/internal/config"
	"perteval/internal/container"
	"perteval/internal/report"
	"perteval/models"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "perteval",
		Short: "Evaluate gene-perturbation prediction models",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML run file (environment variables still override)")

	rootCmd.AddCommand(
		newEvaluateCmd(&configPath),
		newMetricsCmd(&configPath),
		newPredictCmd(&configPath),
		newRunsCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// setup builds the evaluation service; with persist=false nothing touches the database
func setup(ctx context.Context, configPath string, persist bool) (*config.Config, *app.EvaluationService, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if !persist {
		return cfg, app.NewEvaluationService(nil, cfg.Evaluation), func() {}, nil
	}

	db, err := container.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := container.New(cfg)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	if err := c.InitWithDatabase(ctx, db); err != nil {
		c.Shutdown(ctx)
		return nil, nil, nil, err
	}
	return cfg, c.EvaluationService, func() { c.Shutdown(context.Background()) }, nil
}

func newEvaluateCmd(configPath *string) *cobra.Command {
	var (
		samplesPath string
		graphPath   string
		endpoint    string
		name        string
		modelName   string
		reportPath  string
		noSave      bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a served model over held-out samples and score it",
		Long: `Run a model served over HTTP over every batch of a samples workbook, then
aggregate macro, micro and per-perturbation metrics.

Example: perteval evaluate --samples holdout.xlsx --graph go_graph.csv --endpoint http://localhost:9000/predict --name norman`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, svc, cleanup, err := setup(ctx, *configPath, !noSave)
			if err != nil {
				return err
			}
			defer cleanup()

			if endpoint == "" {
				endpoint = cfg.Evaluation.ModelEndpoint
			}
			if endpoint == "" {
				return fmt.Errorf("a model endpoint is required (--endpoint or MODEL_ENDPOINT)")
			}

			loader, err := excel.ReadBatches(samplesPath, cfg.Evaluation.BatchSize)
			if err != nil {
				return err
			}
			req := app.EvaluationRequest{
				Name:      name,
				ModelName: modelName,
				Loader:    loader,
				Model:     rpcmodel.NewModel(modelName, endpoint, cfg.Evaluation.ModelTimeout),
			}
			if graphPath != "" {
				if req.Graph, req.Weights, err = excel.ReadGraph(graphPath); err != nil {
					return err
				}
			}

			res, err := svc.RunEvaluation(ctx, req)
			if err != nil {
				return err
			}
			return emit(cmd, res.Run, reportPath)
		},
	}

	cmd.Flags().StringVar(&samplesPath, "samples", "", "samples workbook or CSV (perturbation, de_idx, genes...)")
	cmd.Flags().StringVar(&graphPath, "graph", "", "gene graph workbook or CSV (source, target, weight)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "model prediction endpoint")
	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().StringVar(&modelName, "model-name", "model", "model name recorded on the run")
	cmd.Flags().StringVar(&reportPath, "report", "", "write an Excel report to this path")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist the run")
	_ = cmd.MarkFlagRequired("samples")

	return cmd
}

func newMetricsCmd(configPath *string) *cobra.Command {
	var (
		name       string
		geneIdx    string
		reportPath string
		noSave     bool
	)

	cmd := &cobra.Command{
		Use:   "metrics [results.xlsx]",
		Short: "Score externally produced predictions",
		Long: `Aggregate metrics for a results workbook with sheets pred and truth, and
optionally pred_de and truth_de. Column A holds the perturbation label.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, svc, cleanup, err := setup(ctx, *configPath, !noSave)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := excel.ReadResults(args[0])
			if err != nil {
				return err
			}
			idx, err := parseIndexList(geneIdx)
			if err != nil {
				return err
			}
			run, err := svc.ScoreResults(ctx, name, results, idx)
			if err != nil {
				return err
			}
			return emit(cmd, run, reportPath)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().StringVar(&geneIdx, "gene-idx", "", "comma-separated gene subset the results were produced on")
	cmd.Flags().StringVar(&reportPath, "report", "", "write an Excel report to this path")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist the run")

	return cmd
}

func newPredictCmd(configPath *string) *cobra.Command {
	var (
		endpoint string
		nodes    int
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "predict [samples.xlsx]",
		Short: "Run a node-specific ensemble and write the stacked predictions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, svc, cleanup, err := setup(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if endpoint == "" {
				endpoint = cfg.Evaluation.ModelEndpoint
			}
			loader, err := excel.ReadBatches(args[0], cfg.Evaluation.BatchSize)
			if err != nil {
				return err
			}
			if nodes <= 0 {
				first, err := loader.Batch(ctx, 0)
				if err != nil {
					return err
				}
				_, nodes = first.Y.Dims()
			}
			ensemble, err := rpcmodel.NodeEnsemble(endpoint, nodes, cfg.Evaluation.ModelTimeout)
			if err != nil {
				return err
			}

			pred, err := svc.Predict(ctx, loader, ensemble)
			if err != nil {
				return err
			}
			if err := excel.WriteMatrix(outPath, excel.SheetPredictions, labels(ctx, loader), pred); err != nil {
				return err
			}
			r, c := pred.Dims()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %dx%d predictions to %s\n", r, c, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "ensemble endpoint; member i is addressed with ?node=i")
	cmd.Flags().IntVar(&nodes, "nodes", 0, "ensemble size (defaults to the number of gene columns)")
	cmd.Flags().StringVar(&outPath, "out", "predictions.xlsx", "output workbook")

	return cmd
}

func newRunsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored evaluation runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, svc, cleanup, err := setup(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := svc.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tNAME\tMODEL\tSAMPLES\tMSE\tPEARSON\tPEARSON_DE")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4f\t%.4f\t%.4f\n", run.ID,
					run.CreatedAt.Time().Format("2006-01-02 15:04"), run.Name, run.ModelName, run.NumSamples,
					run.Metrics[evaluation.MetricMSE], run.Metrics[evaluation.MetricPearson],
					run.Metrics[evaluation.MetricPearson+evaluation.SuffixDE])
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	var asJSON bool
	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.ParseRunID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			_, svc, cleanup, err := setup(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := svc.GetRun(ctx, id)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Markdown(run))
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the run as JSON")

	cmd.AddCommand(list, show)
	return cmd
}

func emit(cmd *cobra.Command, run *models.EvaluationRun, reportPath string) error {
	fmt.Fprint(cmd.OutOrStdout(), report.Markdown(run))
	if reportPath == "" {
		return nil
	}
	if err := excel.WriteReport(reportPath, run); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nreport written to %s\n", reportPath)
	return nil
}

func labels(ctx context.Context, loader evaluation.Loader) []string {
	var out []string
	for i := 0; i < loader.Len(); i++ {
		b, err := loader.Batch(ctx, i)
		if err != nil {
			return nil
		}
		out = append(out, b.Perts...)
	}
	return out
}

func parseIndexList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid gene index %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
