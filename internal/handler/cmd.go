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

// CmdHandler runs shell-level steps. The command is taken verbatim
// from the step text when present, otherwise generated by the command
// capability with prior step outputs as context.
type CmdHandler struct{}

// Execute implements Handler.
func (h *CmdHandler) Execute(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *RunContext) (step.Outcome, error) {
	log := rc.logger().With(zap.Int("step", st.Ordinal))

	cmd, ok := ExtractCommand(st.Text)
	if !ok {
		generated, err := rc.Caps.CommandGenerator.GenerateCommand(ctx, st.Text, h.promptContext(st, mem))
		if err != nil {
			return step.Outcome{}, fmt.Errorf("generating command: %w", err)
		}
		cmd = strings.TrimSpace(generated)
		if cmd == "" {
			// The capability could not express the step as a command;
			// treat it as a no-op rather than a failure.
			log.Warn("empty generated command, skipping step")
			return step.Outcome{Step: st.Ordinal, Success: true}, nil
		}
	}

	log.Info("running command", zap.String("cmd", cmd))
	result, err := rc.Caps.CommandRunner.RunCommand(ctx, cmd)
	if err != nil {
		return step.Outcome{}, fmt.Errorf("running %q: %w", cmd, err)
	}

	output := result.Output()
	var filesTouched []string
	if output != "" {
		p := cmdOutputPath(st.Ordinal)
		filesTouched = mem.Commit(st.Ordinal, map[string]string{
			p: fmt.Sprintf("$ %s\n\n%s", cmd, truncate(output, maxStoredOutput)),
		})
	}

	if !result.Success() {
		return step.Outcome{
			Step:         st.Ordinal,
			Success:      false,
			Output:       output,
			FilesTouched: filesTouched,
			Diagnostic:   fmt.Sprintf("command `%s` exited with code %d", cmd, result.ExitCode),
		}, nil
	}

	return step.Outcome{
		Step:         st.Ordinal,
		Success:      true,
		Output:       output,
		FilesTouched: filesTouched,
	}, nil
}

// promptContext surfaces prior command outputs so generated commands
// use the exact names and values earlier steps produced.
func (h *CmdHandler) promptContext(st step.Step, mem *memory.FileMemory) string {
	snap := mem.Snapshot()
	var keys []string
	for p := range snap {
		if strings.HasPrefix(p, "_cmd_output/") {
			keys = append(keys, p)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, p := range keys {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(snap[p])
	}
	if summary := mem.Summary(); summary != "(no files yet)" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Project files: " + summary)
	}
	return b.String()
}
