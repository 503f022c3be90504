package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"perteval/app"
	"perteval/domain/evaluation"
	"perteval/internal/config"
	"perteval/internal/container"
	"perteval/internal/evaluator"
	"perteval/internal/testkit"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "perteval-dev",
		Short: "perteval development tools",
	}

	rootCmd.AddCommand(
		newSeedCmd(),
		newSmokeTestCmd(),
		newDeterminismTestCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func synthetic() testkit.DatasetSpec {
	return testkit.DatasetSpec{
		Perturbations: []string{"CEBPA+ctrl", "KLF1+ctrl", "SPI1+CEBPA", "ctrl"},
		SamplesPer:    8,
		Genes:         200,
		DEWidth:       evaluation.DefaultNumDEIdx,
		BatchSize:     16,
	}
}

func newSeedCmd() *cobra.Command {
	var (
		runs int
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store synthetic evaluation runs in the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateSeedData(cmd.Context(), runs, seed)
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 3, "number of runs to store")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}

func newSmokeTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Run smoke tests against the in-process pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmokeTests(cmd.Context())
		},
	}
}

func newDeterminismTestCmd() *cobra.Command {
	var seed int64
	cmd := &cobra.Command{
		Use:   "determinism",
		Short: "Check that two evaluations with the same seed agree exactly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return testDeterminism(cmd.Context(), seed)
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}

func generateSeedData(ctx context.Context, runs int, seed int64) error {
	fmt.Println("Generating seed data...")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := container.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	c, err := container.New(cfg)
	if err != nil {
		db.Close()
		return err
	}
	defer c.Shutdown(context.Background())
	if err := c.InitWithDatabase(ctx, db); err != nil {
		return err
	}

	for i := 0; i < runs; i++ {
		res, err := evaluateSynthetic(ctx, c.EvaluationService, seed+int64(i), 0.1*float64(i+1))
		if err != nil {
			return fmt.Errorf("failed to seed run %d: %w", i, err)
		}
		fmt.Printf("Stored run %s (mse=%.4f pearson=%.4f)\n", res.Run.ID,
			res.Run.Metrics[evaluation.MetricMSE], res.Run.Metrics[evaluation.MetricPearson])
	}

	fmt.Println("Seed data generation completed successfully")
	return nil
}

func evaluateSynthetic(ctx context.Context, svc *app.EvaluationService, seed int64, noise float64) (*app.EvaluationResult, error) {
	loader, err := testkit.NewTestKit(seed).Loader(synthetic())
	if err != nil {
		return nil, err
	}
	return svc.RunEvaluation(ctx, app.EvaluationRequest{
		Name:      fmt.Sprintf("synthetic-%d", seed),
		ModelName: fmt.Sprintf("noisy-%.2f", noise),
		Loader:    loader,
		Graph:     &evaluation.GeneGraph{NumNodes: synthetic().Genes},
		Model:     &testkit.NoisyModel{Scale: noise, Seed: seed},
	})
}

func runSmokeTests(ctx context.Context) error {
	fmt.Println("Running smoke tests...")

	cfg := config.Default().Evaluation
	svc := app.NewEvaluationService(testkit.NewMemoryRunRepository(), cfg)

	tests := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"perfect_model", func(ctx context.Context) error {
			res, err := evaluateSynthetic(ctx, svc, 1, 0)
			if err != nil {
				return err
			}
			if res.Run.Metrics[evaluation.MetricMSE+evaluation.SuffixMacro] != 0 {
				return fmt.Errorf("perfect predictions scored mse %.6f", res.Run.Metrics[evaluation.MetricMSE+evaluation.SuffixMacro])
			}
			return nil
		}},
		{"run_roundtrip", func(ctx context.Context) error {
			res, err := evaluateSynthetic(ctx, svc, 2, 0.5)
			if err != nil {
				return err
			}
			_, err = svc.GetRun(ctx, res.Run.ID)
			return err
		}},
		{"parallel_predictor", func(ctx context.Context) error {
			loader, err := testkit.NewTestKit(3).Loader(synthetic())
			if err != nil {
				return err
			}
			ensemble := testkit.ColumnEnsemble(8, func(node int) float64 { return float64(node) })
			seq, err := evaluator.BatchPredict(ctx, loader, ensemble, evaluation.Options{Device: "cpu"})
			if err != nil {
				return err
			}
			par, err := evaluator.Predictor{Parallelism: 4}.Predict(ctx, loader, ensemble, evaluation.Options{Device: "cpu"})
			if err != nil {
				return err
			}
			if !mat.Equal(seq, par) {
				return fmt.Errorf("parallel predictions differ from sequential")
			}
			return nil
		}},
	}

	passed := 0
	for _, test := range tests {
		fmt.Printf("  Running %s...", test.name)
		if err := test.fn(ctx); err != nil {
			fmt.Printf(" FAILED: %v\n", err)
		} else {
			fmt.Println(" PASSED")
			passed++
		}
	}

	fmt.Printf("\nSmoke tests: %d/%d passed\n", passed, len(tests))
	if passed < len(tests) {
		return fmt.Errorf("some smoke tests failed")
	}
	return nil
}

func testDeterminism(ctx context.Context, seed int64) error {
	fmt.Printf("Testing determinism for seed %d...\n", seed)

	svc := app.NewEvaluationService(nil, config.Default().Evaluation)
	first, err := evaluateSynthetic(ctx, svc, seed, 0.3)
	if err != nil {
		return err
	}
	second, err := evaluateSynthetic(ctx, svc, seed, 0.3)
	if err != nil {
		return err
	}

	mismatches := 0
	for key, v := range first.Run.Metrics {
		if second.Run.Metrics[key] != v {
			fmt.Printf("  %s: %.10f != %.10f\n", key, v, second.Run.Metrics[key])
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d metrics differ between identical runs", mismatches)
	}
	fmt.Printf("All %d metrics identical\n", len(first.Run.Metrics))
	return nil
}
