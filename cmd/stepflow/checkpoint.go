package main

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepflow/internal/checkpoint"
	"github.com/fyrsmithlabs/stepflow/internal/config"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and clear run checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the working directory's checkpoint",
	RunE:  runCheckpointShow,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the working directory's checkpoint",
	RunE:  runCheckpointClear,
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
}

func openCheckpoints() (checkpoint.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	dir := cfg.Checkpoint.Dir
	if dir == "" {
		dir = cfg.Run.StateDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
	}
	return checkpoint.NewService(checkpoint.DefaultServiceConfig(dir), logger.Named("checkpoint"))
}

func runCheckpointShow(cmd *cobra.Command, _ []string) error {
	svc, err := openCheckpoints()
	if err != nil {
		return err
	}

	rec, err := svc.Load(cmd.Context())
	if errors.Is(err, checkpoint.ErrNotFound) {
		cmd.Println("no checkpoint")
		return nil
	}
	if err != nil {
		return err
	}

	cmd.Printf("run:       %s\n", rec.RunID)
	cmd.Printf("task:      %s\n", rec.Task)
	cmd.Printf("language:  %s\n", rec.Language)
	cmd.Printf("updated:   %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	cmd.Printf("progress:  %d/%d steps\n", len(rec.CompletedOrdinals), len(rec.Steps))
	for _, st := range rec.Steps {
		marker := " "
		if rec.Completed(st.Ordinal) {
			marker = "x"
		} else if st.Status == step.StatusFailed {
			marker = "!"
		}
		cmd.Printf("  [%s] %d. %s\n", marker, st.Ordinal, st.Text)
	}
	return nil
}

func runCheckpointClear(cmd *cobra.Command, _ []string) error {
	svc, err := openCheckpoints()
	if err != nil {
		return err
	}
	if err := svc.Clear(cmd.Context()); err != nil {
		return err
	}
	cmd.Println("checkpoint cleared")
	return nil
}
