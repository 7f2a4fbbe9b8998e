package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// testCommands maps a project language to its test runner invocation.
// An unknown language is an explicit handler failure, never a silent
// default to some other ecosystem's runner.
var testCommands = map[string]string{
	"python":     "pytest",
	"go":         "go test ./...",
	"javascript": "npx jest",
	"typescript": "npx jest",
	"rust":       "cargo test",
	"java":       "mvn test",
	"ruby":       "rspec",
}

// TestCommand returns the runner invocation for a language.
func TestCommand(language string) (string, bool) {
	cmd, ok := testCommands[strings.ToLower(language)]
	return cmd, ok
}

// TestHandler generates tests, writes them, runs them, and feeds
// failures back to the code generator for fixes, up to the sub-retry
// limit. Two consecutive byte-identical failure outputs abort the fix
// loop early: repeating output means the problem is not in the code.
type TestHandler struct{}

// Execute implements Handler.
func (h *TestHandler) Execute(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *RunContext) (step.Outcome, error) {
	log := rc.logger().With(zap.Int("step", st.Ordinal))
	limit := rc.subRetries()

	testCmd, ok := TestCommand(rc.Language)
	if !ok {
		return step.Outcome{
			Step:       st.Ordinal,
			Success:    false,
			Diagnostic: fmt.Sprintf("no test runner known for language %q", rc.Language),
		}, nil
	}

	// Generate test files, retrying only when the capability produces
	// nothing usable.
	var testFiles map[string]string
	for attempt := 1; attempt <= limit; attempt++ {
		files, err := rc.Caps.TestGenerator.GenerateTests(ctx, projectFiles(mem), rc.Language)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("generating tests: %w", err)
		}
		if len(files) > 0 {
			testFiles = files
			break
		}
		log.Warn("test generation produced no files", zap.Int("attempt", attempt))
	}
	if len(testFiles) == 0 {
		return step.Outcome{
			Step:       st.Ordinal,
			Success:    false,
			Diagnostic: fmt.Sprintf("no test files produced after %d attempts", limit),
		}, nil
	}

	touched := mem.Commit(st.Ordinal, testFiles)
	if err := h.write(rc, testFiles, touched); err != nil {
		return step.Outcome{}, err
	}

	var lastOutput, prevOutput string
	for run := 1; run <= limit; run++ {
		log.Info("running tests", zap.String("cmd", testCmd), zap.Int("attempt", run))
		result, err := rc.Caps.CommandRunner.RunCommand(ctx, testCmd)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("running tests: %w", err)
		}
		lastOutput = result.Output()

		if result.Success() {
			return step.Outcome{
				Step:         st.Ordinal,
				Success:      true,
				Output:       lastOutput,
				FilesTouched: touched,
				RetriesUsed:  run - 1,
			}, nil
		}

		if prevOutput != "" && lastOutput == prevOutput {
			log.Warn("identical failure output repeating, stopping fix loop")
			break
		}
		prevOutput = lastOutput

		if run == limit {
			break
		}

		fixContext := fmt.Sprintf("Test command: `%s`\nTest errors:\n%s\nProject files: %s",
			testCmd, truncate(lastOutput, 2000), mem.Summary())
		fixes, err := rc.Caps.CodeGenerator.GenerateCode(ctx, "Fix the code so tests pass.", fixContext)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("generating fix: %w", err)
		}
		if len(fixes) == 0 {
			log.Warn("fix attempt produced no files")
			continue
		}
		written := mem.Commit(st.Ordinal, fixes)
		touched = mergeTouched(touched, written)
		if err := h.write(rc, fixes, written); err != nil {
			return step.Outcome{}, err
		}
	}

	return step.Outcome{
		Step:         st.Ordinal,
		Success:      false,
		Output:       lastOutput,
		FilesTouched: touched,
		Diagnostic:   fmt.Sprintf("tests still failing after %d runs", limit),
	}, nil
}

func (h *TestHandler) write(rc *RunContext, files map[string]string, written []string) error {
	if rc.Workspace == nil {
		return nil
	}
	kept := make(map[string]string, len(written))
	for _, p := range written {
		kept[p] = files[p]
	}
	if err := rc.Workspace.WriteFiles(kept); err != nil {
		return fmt.Errorf("writing test files: %w", err)
	}
	return nil
}

// projectFiles returns the snapshot without internal bookkeeping
// entries like captured command output.
func projectFiles(mem *memory.FileMemory) map[string]string {
	snap := mem.Snapshot()
	for p := range snap {
		if strings.HasPrefix(p, "_cmd_output/") || strings.HasPrefix(p, "_fix_output/") {
			delete(snap, p)
		}
	}
	return snap
}

func mergeTouched(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		seen[p] = struct{}{}
	}
	for _, p := range added {
		if _, ok := seen[p]; !ok {
			existing = append(existing, p)
			seen[p] = struct{}{}
		}
	}
	sort.Strings(existing)
	return existing
}
