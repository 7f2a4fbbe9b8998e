// Package capability defines the narrow request/response contracts for
// the external services the pipeline consumes: classification, code
// generation, review, test generation, command execution, and failure
// diagnosis. Each capability is opaque; the concrete protocol behind it
// is not the pipeline's concern.
package capability

import (
	"context"
)

// CommandResult is the outcome of running a shell command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Output returns combined stdout+stderr, trimmed.
func (r CommandResult) Output() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	return out
}

// Success reports a zero exit code.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Review is the structured verdict of the review capability.
type Review struct {
	Accepted bool   `json:"accepted"`
	Feedback string `json:"feedback"`
	// Critical marks feedback that names an actual defect rather than a
	// style suggestion. A final-attempt rejection without critical
	// findings is accepted.
	Critical bool `json:"critical"`
}

// Patch is a proposed fix from the diagnosis capability: complete
// replacement file contents plus optional fix commands to run.
type Patch struct {
	Files    map[string]string `json:"files,omitempty"`
	Commands []string          `json:"commands,omitempty"`
}

// Empty reports whether the patch carries no actionable fix.
func (p Patch) Empty() bool {
	return len(p.Files) == 0 && len(p.Commands) == 0
}

// Classifier routes step text to a handler kind name.
type Classifier interface {
	Classify(ctx context.Context, stepText, language string) (string, error)
}

// CommandGenerator turns a CMD step without an inline command into a
// runnable shell command.
type CommandGenerator interface {
	GenerateCommand(ctx context.Context, stepText, promptContext string) (string, error)
}

// CodeGenerator produces complete file contents for a step.
type CodeGenerator interface {
	GenerateCode(ctx context.Context, stepText, promptContext string) (map[string]string, error)
}

// CodeReviewer judges generated files.
type CodeReviewer interface {
	ReviewCode(ctx context.Context, files map[string]string, promptContext string) (Review, error)
}

// TestGenerator produces test files for the given project files.
type TestGenerator interface {
	GenerateTests(ctx context.Context, files map[string]string, language string) (map[string]string, error)
}

// CommandRunner executes a shell command.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd string) (CommandResult, error)
}

// Diagnoser analyzes a failure and proposes a corrective patch.
type Diagnoser interface {
	Diagnose(ctx context.Context, failureOutput, promptContext string) (Patch, error)
}

// Set bundles every consumed capability for wiring into the pipeline.
type Set struct {
	Classifier       Classifier
	CommandGenerator CommandGenerator
	CodeGenerator    CodeGenerator
	CodeReviewer     CodeReviewer
	TestGenerator    TestGenerator
	CommandRunner    CommandRunner
	Diagnoser        Diagnoser
}
