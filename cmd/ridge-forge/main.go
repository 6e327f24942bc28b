package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ridge-forge/internal/config"
	"ridge-forge/internal/trainer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var cerr *config.Error
		if errors.As(err, &cerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	logLevel   string
	overrides  config.Overrides
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:          "ridge-forge",
		Short:        "Few-shot meta-learning with a closed-form ridge regression head",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "configs/sinusoid.yaml", "Path to YAML config")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	pf := root.PersistentFlags()
	pf.StringVar(&f.overrides.Datasource, "datasource", "", "Override datasource (sinusoid, omniglot, miniimagenet, cifarfs)")
	pf.StringVar(&f.overrides.Model, "model", "", "Override model family (r2d2, maml)")
	pf.StringVar(&f.overrides.Norm, "norm", "", "Override normalization (None, batch_norm, layer_norm)")
	pf.Float64Var(&f.overrides.MetaLR, "meta-lr", 0, "Meta learning rate")
	pf.IntVar(&f.overrides.MetaBatchSize, "meta-batch-size", 0, "Tasks per meta-batch")
	pf.IntVar(&f.overrides.UpdateBatchSize, "update-batch-size", 0, "Support examples per class (k-shot)")
	pf.IntVar(&f.overrides.NumClasses, "num-classes", 0, "Classes per task (n-way)")
	pf.IntVar(&f.overrides.Parallelism, "parallelism", 0, "Tasks adapted concurrently")
	pf.Int64Var(&f.overrides.Seed, "seed", 0, "PRNG seed")
	pf.IntVar(&f.overrides.PretrainIterations, "pretrain-iterations", 0, "Pretraining iterations")
	pf.IntVar(&f.overrides.MetatrainIterations, "metatrain-iterations", 0, "Meta-training iterations")
	pf.IntVar(&f.overrides.LogEvery, "log-every", 0, "Log every N iterations")
	pf.IntVar(&f.overrides.ValEvery, "val-every", 0, "Validate every N iterations")
	pf.IntVar(&f.overrides.NumWorkers, "num-workers", 0, "Task generator workers")
	pf.StringVar(&f.overrides.SummaryPath, "summary", "", "Write JSON-lines scalar summaries to this file")

	root.AddCommand(newTrainCmd(f), newConfigCmd(f))
	return root
}

func newTrainCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run pretraining and meta-training",
		Example: `
# Meta-train on sinusoid regression
ridge-forge train -c configs/sinusoid.yaml

# 5-way 1-shot on synthetic omniglot-sized tasks with 8 tasks per batch
ridge-forge train -c configs/omniglot.yaml --meta-batch-size 8
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(f.logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			report, err := trainer.Run(cmd.Context(), trainer.RunConfig{Config: cfg, Logger: logger})
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			logger.Info("training finished", "iterations", report.Iterations, "run_id", report.RunID)
			return nil
		},
	}
}

func newConfigCmd(f *flags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cfgCmd
}

// loadConfig reads the file, applies flag overrides and validates the result.
// A --datasource override also selects that datasource's defaults for keys
// the file does not set.
func loadConfig(f *flags) (*config.Config, error) {
	file, err := os.Open(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg, err := config.ParseAs(file, f.overrides.Datasource)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyOverrides(f.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}
