package handler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// Extensions and filenames that carry no executable logic and skip
// review entirely.
var nonCodeExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".rst": {}, ".log": {}, ".csv": {},
	".yml": {}, ".yaml": {}, ".toml": {}, ".ini": {}, ".cfg": {},
	".json": {}, ".xml": {}, ".html": {}, ".css": {},
	".gitignore": {}, ".dockerignore": {}, ".editorconfig": {},
}

var nonCodeFilenames = map[string]struct{}{
	"README": {}, "LICENSE": {}, "CHANGELOG": {}, "CONTRIBUTING": {},
	"Makefile": {}, "Dockerfile": {}, "Procfile": {},
}

func allNonCodeFiles(files map[string]string) bool {
	if len(files) == 0 {
		return false
	}
	for p := range files {
		base := path.Base(p)
		stem := strings.TrimSuffix(base, path.Ext(base))
		if _, ok := nonCodeFilenames[base]; ok {
			continue
		}
		if _, ok := nonCodeFilenames[stem]; ok {
			continue
		}
		if _, ok := nonCodeExtensions[strings.ToLower(path.Ext(base))]; ok {
			continue
		}
		return false
	}
	return true
}

// CodeHandler drives the generate-then-review loop. Only a
// review-accepted result (or a pure non-code file set) is committed to
// file memory and the workspace.
type CodeHandler struct{}

// Execute implements Handler.
func (h *CodeHandler) Execute(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *RunContext) (step.Outcome, error) {
	log := rc.logger().With(zap.Int("step", st.Ordinal))
	limit := rc.subRetries()

	feedback := ""
	for attempt := 1; attempt <= limit; attempt++ {
		promptContext := h.promptContext(st, mem, rc, feedback)

		files, err := rc.Caps.CodeGenerator.GenerateCode(ctx, st.Text, promptContext)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("generating code: %w", err)
		}
		if len(files) == 0 {
			feedback = "no files were produced; emit complete file contents"
			log.Warn("generation returned no files", zap.Int("attempt", attempt))
			continue
		}

		if allNonCodeFiles(files) {
			log.Info("non-code files, skipping review")
			return h.commit(st, mem, rc, files, attempt-1)
		}

		review, err := rc.Caps.CodeReviewer.ReviewCode(ctx, files, "Step: "+st.Text)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("reviewing code: %w", err)
		}

		if review.Accepted {
			return h.commit(st, mem, rc, files, attempt-1)
		}

		// On the last attempt, minor-only feedback is accepted rather
		// than failing the step over style nits.
		if attempt == limit && !review.Critical {
			log.Info("accepting on final attempt, review found no critical issues")
			return h.commit(st, mem, rc, files, attempt-1)
		}

		feedback = review.Feedback
		log.Info("review rejected result",
			zap.Int("attempt", attempt),
			zap.String("feedback", truncate(review.Feedback, 200)))
	}

	return step.Outcome{
		Step:       st.Ordinal,
		Success:    false,
		Output:     feedback,
		Diagnostic: fmt.Sprintf("code step failed review after %d attempts", limit),
	}, nil
}

func (h *CodeHandler) commit(st step.Step, mem *memory.FileMemory, rc *RunContext, files map[string]string, retries int) (step.Outcome, error) {
	written := mem.Commit(st.Ordinal, files)
	if rc.Workspace != nil {
		kept := make(map[string]string, len(written))
		for _, p := range written {
			kept[p] = files[p]
		}
		if err := rc.Workspace.WriteFiles(kept); err != nil {
			return step.Outcome{}, fmt.Errorf("writing files: %w", err)
		}
	}
	return step.Outcome{
		Step:         st.Ordinal,
		Success:      true,
		Output:       "written: " + strings.Join(written, ", "),
		FilesTouched: written,
		RetriesUsed:  retries,
	}, nil
}

func (h *CodeHandler) promptContext(st step.Step, mem *memory.FileMemory, rc *RunContext, feedback string) string {
	var b strings.Builder
	b.WriteString("Task: " + rc.Task)
	if related := mem.RelatedContext(st.Text, 6400); related != "" {
		b.WriteString("\nExisting files (overwrite as needed):\n" + related)
	}
	if summary := mem.Summary(); summary != "(no files yet)" {
		b.WriteString("\nAll project files: " + summary)
	}
	if feedback != "" {
		b.WriteString("\nFeedback: " + feedback)
	}
	return b.String()
}
