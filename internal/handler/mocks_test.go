package handler

import (
	"context"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

type mockCommandGenerator struct{ mock.Mock }

func (m *mockCommandGenerator) GenerateCommand(ctx context.Context, stepText, promptContext string) (string, error) {
	args := m.Called(ctx, stepText, promptContext)
	return args.String(0), args.Error(1)
}

type mockCodeGenerator struct{ mock.Mock }

func (m *mockCodeGenerator) GenerateCode(ctx context.Context, stepText, promptContext string) (map[string]string, error) {
	args := m.Called(ctx, stepText, promptContext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

type mockCodeReviewer struct{ mock.Mock }

func (m *mockCodeReviewer) ReviewCode(ctx context.Context, files map[string]string, promptContext string) (capability.Review, error) {
	args := m.Called(ctx, files, promptContext)
	return args.Get(0).(capability.Review), args.Error(1)
}

type mockTestGenerator struct{ mock.Mock }

func (m *mockTestGenerator) GenerateTests(ctx context.Context, files map[string]string, language string) (map[string]string, error) {
	args := m.Called(ctx, files, language)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

type mockCommandRunner struct{ mock.Mock }

func (m *mockCommandRunner) RunCommand(ctx context.Context, cmd string) (capability.CommandResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(capability.CommandResult), args.Error(1)
}

// memWorkspace collects written files without touching disk.
type memWorkspace struct {
	files map[string]string
}

func newMemWorkspace() *memWorkspace {
	return &memWorkspace{files: make(map[string]string)}
}

func (w *memWorkspace) WriteFiles(files map[string]string) error {
	for p, c := range files {
		w.files[p] = c
	}
	return nil
}

// claimPlugin is a trivial plugin claiming steps by substring.
type claimPlugin struct {
	name     string
	substr   string
	panicOn  bool
	executed bool
}

func (p *claimPlugin) Name() string { return p.name }

func (p *claimPlugin) CanHandle(text string) bool {
	if p.panicOn {
		panic("boom")
	}
	return p.substr != "" && strings.Contains(text, p.substr)
}

func (p *claimPlugin) Execute(_ context.Context, st step.Step, _ *memory.FileMemory, _ *RunContext) (step.Outcome, error) {
	p.executed = true
	return step.Outcome{Step: st.Ordinal, Success: true, Output: "plugin:" + p.name}, nil
}
