// Package handler implements the per-kind step handlers: command
// execution, code generation with review, test generation with a run
// and fix loop, the inert no-op, and plugin dispatch. Every handler
// returns the same Outcome shape and is idempotent with respect to
// file memory when re-invoked with identical inputs, which makes retry
// and caching safe.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// DefaultSubRetries bounds the internal generate/review and test-fix
// loops, distinct from the engine's outer retry budget.
const DefaultSubRetries = 3

// Workspace writes generated files to the working tree. TEST and CMD
// steps need real files on disk before a runner can see them.
type Workspace interface {
	WriteFiles(files map[string]string) error
}

// DiskWorkspace writes files under a root directory.
type DiskWorkspace struct {
	Root string
}

// WriteFiles creates parent directories as needed and writes each file.
func (w DiskWorkspace) WriteFiles(files map[string]string) error {
	for path, content := range files {
		full := filepath.Join(w.Root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// RunContext carries the per-run collaborators a handler needs. It is
// passed explicitly so several runs can share one process without
// global state.
type RunContext struct {
	Task       string
	Language   string
	SubRetries int
	Caps       capability.Set
	Workspace  Workspace
	Logger     *zap.Logger
}

// subRetries returns the configured sub-retry budget or the default.
func (rc *RunContext) subRetries() int {
	if rc.SubRetries > 0 {
		return rc.SubRetries
	}
	return DefaultSubRetries
}

func (rc *RunContext) logger() *zap.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return zap.NewNop()
}

// Handler executes one step kind against shared file memory.
type Handler interface {
	Execute(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *RunContext) (step.Outcome, error)
}

// ErrNoHandler is returned when a kind has no registered handler.
var ErrNoHandler = errors.New("no handler for step kind")

// Mux routes a classified step kind to its handler.
type Mux struct {
	registry *Registry
	cmd      Handler
	code     Handler
	test     Handler
	ignore   Handler
}

// NewMux builds the handler table with the built-in handlers and the
// plugin registry for PLUGIN kinds.
func NewMux(registry *Registry) *Mux {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	return &Mux{
		registry: registry,
		cmd:      &CmdHandler{},
		code:     &CodeHandler{},
		test:     &TestHandler{},
		ignore:   &IgnoreHandler{},
	}
}

// Handler returns the handler for a kind.
func (m *Mux) Handler(k step.Kind) (Handler, error) {
	switch k {
	case step.KindCmd:
		return m.cmd, nil
	case step.KindCode:
		return m.code, nil
	case step.KindTest:
		return m.test, nil
	case step.KindIgnore:
		return m.ignore, nil
	}
	if k.IsPlugin() {
		if p, ok := m.registry.Find(k.PluginName()); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: plugin %q not registered", ErrNoHandler, k.PluginName())
	}
	return nil, fmt.Errorf("%w: %q", ErrNoHandler, k)
}

// truncateOutput caps captured command output kept in file memory.
const maxStoredOutput = 4096

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// cmdOutputPath is where a step's captured command output lives in
// file memory, visible to later steps and to diagnosis context.
func cmdOutputPath(ordinal int) string {
	return fmt.Sprintf("_cmd_output/step_%d.txt", ordinal)
}
