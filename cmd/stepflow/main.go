// Package main implements the stepflow CLI: plan execution with
// resume, plus cache and checkpoint maintenance verbs.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML config file.
	configPath string
	// workDir is the project directory the run operates on.
	workDir string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Wave-scheduled plan execution with retry, diagnosis, and resume",
	Long: `stepflow executes a step plan against a working directory: steps are
partitioned into dependency waves, classified to handlers, retried and
diagnosed on failure, and checkpointed so an interrupted run resumes
where it stopped.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "working directory")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// exitError carries a process exit code through RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
