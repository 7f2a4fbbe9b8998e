package handler

import (
	"context"

	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// IgnoreHandler is the inert handler for steps no program can act on.
// It always succeeds with empty output and never touches file memory.
type IgnoreHandler struct{}

// Execute implements Handler.
func (h *IgnoreHandler) Execute(_ context.Context, st step.Step, _ *memory.FileMemory, _ *RunContext) (step.Outcome, error) {
	return step.Outcome{Step: st.Ordinal, Success: true}, nil
}
