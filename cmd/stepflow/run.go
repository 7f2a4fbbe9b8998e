package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/checkpoint"
	"github.com/fyrsmithlabs/stepflow/internal/classify"
	"github.com/fyrsmithlabs/stepflow/internal/config"
	"github.com/fyrsmithlabs/stepflow/internal/engine"
	"github.com/fyrsmithlabs/stepflow/internal/handler"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/pipeline"
	"github.com/fyrsmithlabs/stepflow/internal/stepcache"
)

var (
	planPath   string
	language   string
	resumeRun  bool
	freshRun   bool
	clearCache bool
	workers    int
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute a plan against the working directory",
	Long: `Execute the steps of a plan file against the working directory.

The task argument describes the overall goal and is fed to the
generation capabilities as context; when omitted, the plan file's task
field is used.

Examples:
  # Run a plan
  stepflow run "build a calculator CLI" --plan plan.yaml

  # Resume an interrupted run
  stepflow run --plan plan.yaml --resume

  # Ignore previous state and start over
  stepflow run --plan plan.yaml --fresh --clear-cache`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&planPath, "plan", "plan.yaml", "path to the plan file")
	runCmd.Flags().StringVar(&language, "language", "", "project language (overrides config)")
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "resume from the last checkpoint")
	runCmd.Flags().BoolVar(&freshRun, "fresh", false, "discard any checkpoint before running")
	runCmd.Flags().BoolVar(&clearCache, "clear-cache", false, "clear the step cache before running")
	runCmd.Flags().IntVar(&workers, "workers", 0, "max concurrent steps per wave (overrides config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if language != "" {
		cfg.Run.Language = language
	}
	if workers > 0 {
		cfg.Run.Workers = workers
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	task, steps, err := loadPlan(planPath)
	if err != nil {
		return &exitError{code: pipeline.ExitMalformedPlan, err: err}
	}
	if len(args) > 0 && args[0] != "" {
		task = args[0]
	}
	if task == "" {
		return fmt.Errorf("no task given: pass one as an argument or set it in the plan file")
	}

	stateDir := cfg.Run.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(workDir, stateDir)
	}

	caps := buildCapabilities(cfg, logger)

	var cache *stepcache.Cache
	if cfg.Cache.Enabled {
		cacheDir := cfg.Cache.Dir
		if cacheDir == "" {
			cacheDir = filepath.Join(stateDir, "cache")
		}
		cache = stepcache.New(stepcache.Config{Dir: cacheDir, TTL: cfg.Cache.TTL}, logger.Named("cache"))
		if clearCache {
			n, err := cache.Clear()
			if err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
			logger.Info("cache cleared", zap.Int("entries", n))
		}
		if stats, err := cache.Stats(); err == nil {
			logger.Info("step cache ready",
				zap.Int("entries", stats.Entries),
				zap.Int64("size_bytes", stats.SizeBytes))
		}
	}

	var ckpt checkpoint.Service
	if cfg.Checkpoint.Enabled {
		ckptDir := cfg.Checkpoint.Dir
		if ckptDir == "" {
			ckptDir = stateDir
		}
		ckpt, err = checkpoint.NewService(checkpoint.DefaultServiceConfig(ckptDir), logger.Named("checkpoint"))
		if err != nil {
			return err
		}
	}

	registry := handler.NewRegistry(logger.Named("registry"))
	classifier := classify.NewService(
		&classify.Config{Language: cfg.Run.Language},
		caps.Classifier, nil, logger.Named("classify"),
	)
	eng := engine.New(
		&engine.Config{MaxAttempts: cfg.Retry.MaxAttempts, MaxDiagnoses: cfg.Retry.MaxDiagnoses},
		handler.NewMux(registry), cache, logger.Named("engine"),
	)

	p, err := pipeline.New(
		&pipeline.Config{
			Task:       task,
			Language:   cfg.Run.Language,
			Workers:    cfg.Run.Workers,
			SubRetries: cfg.Run.SubRetries,
		},
		classifier, eng, ckpt, caps,
		handler.DiskWorkspace{Root: workDir},
		logger.Named("pipeline"),
	)
	if err != nil {
		return err
	}

	res, err := p.Run(cmd.Context(), pipeline.RunRequest{
		Steps:  steps,
		Resume: resumeRun,
		Fresh:  freshRun,
	})
	if err != nil {
		return &exitError{code: res.ExitCode, err: err}
	}

	cmd.Printf("run %s complete: %d steps", res.RunID, len(res.Steps))
	if res.CacheHits > 0 {
		cmd.Printf(", %d from cache", res.CacheHits)
	}
	if res.Skipped > 0 {
		cmd.Printf(", %d resumed", res.Skipped)
	}
	cmd.Println()
	return nil
}

// buildCapabilities wires the HTTP capability client and the local
// shell runner.
func buildCapabilities(cfg *config.Config, logger *zap.Logger) capability.Set {
	client := capability.NewClient(capability.ClientConfig{
		BaseURL:           cfg.Capability.BaseURL,
		Timeout:           cfg.Capability.Timeout,
		RequestsPerSecond: cfg.Capability.RequestsPerSecond,
		Burst:             cfg.Capability.Burst,
	})

	runner := capability.NewExecRunner(workDir, cfg.Run.CommandTimeout, logger.Named("exec"))

	return capability.Set{
		Classifier:       client,
		CommandGenerator: client,
		CodeGenerator:    client,
		CodeReviewer:     client,
		TestGenerator:    client,
		CommandRunner:    runner,
		Diagnoser:        client,
	}
}
