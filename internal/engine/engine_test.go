package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/handler"
	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
	"github.com/fyrsmithlabs/stepflow/internal/stepcache"
)

// scriptedPlugin returns pre-programmed outcomes in order, repeating
// the last one when the script runs out.
type scriptedPlugin struct {
	name     string
	outcomes []step.Outcome
	errs     []error
	calls    int
}

func (p *scriptedPlugin) Name() string          { return p.name }
func (p *scriptedPlugin) CanHandle(string) bool { return true }

func (p *scriptedPlugin) Execute(_ context.Context, st step.Step, mem *memory.FileMemory, _ *handler.RunContext) (step.Outcome, error) {
	i := p.calls
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	p.calls++
	var err error
	if p.calls-1 < len(p.errs) {
		err = p.errs[p.calls-1]
	}
	out := p.outcomes[i]
	out.Step = st.Ordinal
	if out.Success && len(out.FilesTouched) > 0 {
		files := make(map[string]string, len(out.FilesTouched))
		for _, f := range out.FilesTouched {
			files[f] = "content of " + f
		}
		mem.Commit(st.Ordinal, files)
	}
	return out, err
}

type mockDiagnoser struct{ mock.Mock }

func (m *mockDiagnoser) Diagnose(ctx context.Context, failureOutput, promptContext string) (capability.Patch, error) {
	args := m.Called(ctx, failureOutput, promptContext)
	return args.Get(0).(capability.Patch), args.Error(1)
}

type mockRunner struct{ mock.Mock }

func (m *mockRunner) RunCommand(ctx context.Context, cmd string) (capability.CommandResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(capability.CommandResult), args.Error(1)
}

type memWorkspace struct{ files map[string]string }

func (w *memWorkspace) WriteFiles(files map[string]string) error {
	if w.files == nil {
		w.files = make(map[string]string)
	}
	for p, c := range files {
		w.files[p] = c
	}
	return nil
}

func newTestEngine(t *testing.T, plugin *scriptedPlugin, cache *stepcache.Cache) (*Engine, *handler.RunContext) {
	reg := handler.NewRegistry(zaptest.NewLogger(t))
	reg.Register(plugin)
	e := New(nil, handler.NewMux(reg), cache, zaptest.NewLogger(t))
	rc := &handler.RunContext{
		Task:      "build a calculator",
		Language:  "python",
		Workspace: &memWorkspace{},
		Logger:    zaptest.NewLogger(t),
	}
	return e, rc
}

func pluginStep(p *scriptedPlugin) step.Step {
	return step.Step{Ordinal: 1, Text: "do the thing", Kind: step.PluginKind(p.name)}
}

func TestExecuteStep_SuccessFirstAttempt(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{{Success: true, Output: "done"}}}
	e, rc := newTestEngine(t, p, nil)

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusSucceeded, res.Status)
	assert.Equal(t, 1, p.calls)
	assert.Nil(t, res.Failure)
}

func TestExecuteStep_RetriesThenSucceeds(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "transient"},
		{Success: false, Diagnostic: "transient"},
		{Success: true, Output: "done"},
	}}
	e, rc := newTestEngine(t, p, nil)

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusSucceeded, res.Status)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, 2, res.Outcome.RetriesUsed, "two failed attempts preceded the success")
}

func TestExecuteStep_EnvironmentFailureSkipsDiagnosis(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Output: "psql: error: connection refused on port 5432", Diagnostic: "command failed"},
	}}
	diag := &mockDiagnoser{}
	e, rc := newTestEngine(t, p, nil)
	rc.Caps.Diagnoser = diag

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureEnvironment, res.Failure.Kind)
	assert.Equal(t, "service_unreachable", res.Failure.Signature)
	assert.Equal(t, 1, p.calls, "an unreachable service halts retries on the first failure")
	diag.AssertNotCalled(t, "Diagnose", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteStep_EnvironmentFailureOnLaterAttempt(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "assertion failed"},
		{Success: false, Output: "write /tmp/out: no space left on device"},
	}}
	e, rc := newTestEngine(t, p, nil)

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureEnvironment, res.Failure.Kind)
	assert.Equal(t, "disk_full", res.Failure.Signature)
	assert.Equal(t, 2, p.calls, "the attempt that surfaced the signature is the last")
}

func TestExecuteStep_DiagnosisRecovers(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "assertion failed"},
		{Success: false, Diagnostic: "assertion failed"},
		{Success: false, Diagnostic: "assertion failed"},
		{Success: true, Output: "fixed"},
	}}
	diag := &mockDiagnoser{}
	diag.On("Diagnose", mock.Anything, mock.Anything, mock.Anything).
		Return(capability.Patch{Files: map[string]string{"calc.py": "fixed code"}}, nil).Once()

	e, rc := newTestEngine(t, p, nil)
	rc.Caps.Diagnoser = diag

	mem := memory.New(nil)
	res, err := e.ExecuteStep(context.Background(), pluginStep(p), mem, rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusSucceeded, res.Status)
	assert.Equal(t, 4, p.calls, "three attempts plus one post-patch re-execution")
	assert.Equal(t, 3, res.Outcome.RetriesUsed, "two retries plus one diagnosis cycle")

	got, ok := mem.Get("calc.py")
	require.True(t, ok)
	assert.Equal(t, "fixed code", got)
}

func TestExecuteStep_DiagnosisExhausted(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "still broken"},
	}}
	diag := &mockDiagnoser{}
	diag.On("Diagnose", mock.Anything, mock.Anything, mock.Anything).
		Return(capability.Patch{Files: map[string]string{"calc.py": "attempted fix"}}, nil).Times(2)

	e, rc := newTestEngine(t, p, nil)
	rc.Caps.Diagnoser = diag

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureExhausted, res.Failure.Kind)
	assert.Equal(t, 5, p.calls, "three attempts plus two post-patch re-executions")
	assert.Equal(t, 4, res.Outcome.RetriesUsed, "two retries plus two diagnosis cycles")
	diag.AssertNumberOfCalls(t, "Diagnose", 2)
}

func TestExecuteStep_HandlerPanicFailsStepOnly(t *testing.T) {
	p := &panickingPlugin{name: "fake"}
	reg := handler.NewRegistry(zaptest.NewLogger(t))
	reg.Register(p)
	e := New(nil, handler.NewMux(reg), nil, zaptest.NewLogger(t))
	rc := &handler.RunContext{Task: "build a calculator", Language: "python", Logger: zaptest.NewLogger(t)}

	res, err := e.ExecuteStep(context.Background(), step.Step{Ordinal: 1, Text: "do the thing", Kind: step.PluginKind("fake")}, memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureExhausted, res.Failure.Kind)
	assert.Contains(t, res.Outcome.Diagnostic, "handler panic")
	assert.Contains(t, res.Outcome.Diagnostic, "nil map write")
	assert.Equal(t, 3, p.calls, "each panic spends one attempt")
}

// panickingPlugin crashes on every execution.
type panickingPlugin struct {
	name  string
	calls int
}

func (p *panickingPlugin) Name() string          { return p.name }
func (p *panickingPlugin) CanHandle(string) bool { return true }

func (p *panickingPlugin) Execute(context.Context, step.Step, *memory.FileMemory, *handler.RunContext) (step.Outcome, error) {
	p.calls++
	panic("nil map write")
}

func TestApplyPatch_CmdFixCommandsResolve(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunCommand", mock.Anything, "pip install --upgrade pip").
		Return(capability.CommandResult{ExitCode: 0}, nil).Once()
	runner.On("RunCommand", mock.Anything, "pip install flask").
		Return(capability.CommandResult{ExitCode: 0}, nil).Once()

	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{{Success: false}}}
	e, rc := newTestEngine(t, p, nil)
	rc.Caps.CommandRunner = runner

	resolved, err := e.applyPatch(context.Background(), step.Step{Ordinal: 1, Kind: step.KindCmd},
		memory.New(nil), rc,
		capability.Patch{Commands: []string{"pip install --upgrade pip", "pip install flask"}},
		zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, resolved, "all fix commands succeeded for a CMD step")
	runner.AssertExpectations(t)
}

func TestApplyPatch_FailedCommandDoesNotResolveCmd(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunCommand", mock.Anything, "apt-get install pg").
		Return(capability.CommandResult{ExitCode: 1, Stderr: "E: unable to locate"}, nil).Once()

	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{{Success: false}}}
	e, rc := newTestEngine(t, p, nil)
	rc.Caps.CommandRunner = runner

	resolved, err := e.applyPatch(context.Background(), step.Step{Ordinal: 1, Kind: step.KindCmd},
		memory.New(nil), rc, capability.Patch{Commands: []string{"apt-get install pg"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestApplyPatch_NonCmdNeverResolvesByCommands(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunCommand", mock.Anything, mock.Anything).
		Return(capability.CommandResult{ExitCode: 0}, nil).Once()

	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{{Success: false}}}
	e, rc := newTestEngine(t, p, nil)
	rc.Caps.CommandRunner = runner

	resolved, err := e.applyPatch(context.Background(), step.Step{Ordinal: 1, Kind: step.KindCode},
		memory.New(nil), rc, capability.Patch{Commands: []string{"pip install flask"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestApplyPatch_EmptyContentRemovesFile(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{{Success: false}}}
	e, rc := newTestEngine(t, p, nil)
	ws := rc.Workspace.(*memWorkspace)

	mem := memory.New(nil)
	mem.Commit(1, map[string]string{"calc.py": "broken code"})

	_, err := e.applyPatch(context.Background(), step.Step{Ordinal: 1, Kind: step.KindCode},
		mem, rc,
		capability.Patch{Files: map[string]string{"calc.py": "", "calc_fixed.py": "fixed code"}},
		zaptest.NewLogger(t))
	require.NoError(t, err)

	_, ok := mem.Get("calc.py")
	assert.False(t, ok, "an empty patch entry removes the file")
	got, ok := mem.Get("calc_fixed.py")
	require.True(t, ok)
	assert.Equal(t, "fixed code", got)
	assert.NotContains(t, ws.files, "calc.py")
	assert.Equal(t, "fixed code", ws.files["calc_fixed.py"])
}

func TestExecuteStep_EmptyPatchSpendsCycle(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "broken"},
	}}
	diag := &mockDiagnoser{}
	diag.On("Diagnose", mock.Anything, mock.Anything, mock.Anything).
		Return(capability.Patch{}, nil).Times(2)

	e, rc := newTestEngine(t, p, nil)
	rc.Caps.Diagnoser = diag

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	assert.Equal(t, 3, p.calls, "no patch means no re-execution")
	diag.AssertNumberOfCalls(t, "Diagnose", 2)
}

func TestExecuteStep_DiagnoserErrorFailsFast(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "broken"},
	}}
	diag := &mockDiagnoser{}
	diag.On("Diagnose", mock.Anything, mock.Anything, mock.Anything).
		Return(capability.Patch{}, errors.New("diagnoser down")).Once()

	e, rc := newTestEngine(t, p, nil)
	rc.Caps.Diagnoser = diag

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	assert.Equal(t, FailureExhausted, res.Failure.Kind)
}

func TestExecuteStep_NoDiagnoserConfigured(t *testing.T) {
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: false, Diagnostic: "broken"},
	}}
	e, rc := newTestEngine(t, p, nil)

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	assert.Equal(t, FailureExhausted, res.Failure.Kind)
	assert.Equal(t, 3, p.calls)
}

func TestExecuteStep_CacheHitShortCircuits(t *testing.T) {
	cache := stepcache.New(stepcache.Config{Dir: t.TempDir(), TTL: time.Hour}, zaptest.NewLogger(t))
	p := &scriptedPlugin{name: "fake", outcomes: []step.Outcome{
		{Success: true, Output: "done", FilesTouched: []string{"calc.py"}},
	}}
	e, rc := newTestEngine(t, p, cache)

	mem := memory.New(nil)
	res, err := e.ExecuteStep(context.Background(), pluginStep(p), mem, rc)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 1, p.calls)

	// A second run over identical inputs replays from cache.
	mem2 := memory.New(nil)
	res2, err := e.ExecuteStep(context.Background(), pluginStep(p), mem2, rc)
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, step.StatusSucceeded, res2.Status)
	assert.Equal(t, 1, p.calls, "the handler never ran for the hit")

	got, ok := mem2.Get("calc.py")
	require.True(t, ok)
	assert.Equal(t, "content of calc.py", got)
}

func TestExecuteStep_HandlerErrorSpendsAttempts(t *testing.T) {
	p := &scriptedPlugin{
		name:     "fake",
		outcomes: []step.Outcome{{Success: false}},
		errs:     []error{errors.New("capability 503"), errors.New("capability 503"), errors.New("capability 503")},
	}
	e, rc := newTestEngine(t, p, nil)

	res, err := e.ExecuteStep(context.Background(), pluginStep(p), memory.New(nil), rc)
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, res.Status)
	assert.Equal(t, 3, p.calls)
}

func TestClassifyEnvFailure(t *testing.T) {
	cases := []struct {
		output string
		sig    string
		ok     bool
	}{
		{"dial tcp 127.0.0.1:5432: connection refused", "service_unreachable", true},
		{"bash: psql: command not found", "missing_tool", true},
		{"open /etc/app.conf: permission denied", "permission_denied", true},
		{"write /tmp/x: no space left on device", "disk_full", true},
		{"AssertionError: expected 3 got 4", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		sig, ok := classifyEnvFailure(tc.output)
		assert.Equal(t, tc.ok, ok, tc.output)
		assert.Equal(t, tc.sig, sig, tc.output)
	}
}
