// Package engine executes a single classified step to a terminal
// state. It wraps the handler with the outer retry budget, the failure
// classification that short-circuits hopeless retries, the diagnosis
// and patch loop, and the outcome cache consulted before any work
// happens.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/handler"
	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
	"github.com/fyrsmithlabs/stepflow/internal/stepcache"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/engine"

const (
	// DefaultMaxAttempts is the outer handler retry budget per step.
	DefaultMaxAttempts = 3

	// DefaultMaxDiagnoses bounds diagnosis cycles after the retry
	// budget is spent.
	DefaultMaxDiagnoses = 2
)

// Config configures the engine.
type Config struct {
	MaxAttempts  int
	MaxDiagnoses int
}

// DefaultConfig returns the standard retry budgets.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  DefaultMaxAttempts,
		MaxDiagnoses: DefaultMaxDiagnoses,
	}
}

// Result is the terminal state of one step execution.
type Result struct {
	Outcome  step.Outcome
	Status   step.Status
	CacheHit bool

	// Failure is set when Status is FAILED.
	Failure *Failure
}

// Engine drives one step from PENDING to a terminal status.
type Engine struct {
	config *Config
	mux    *handler.Mux
	cache  *stepcache.Cache
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	attemptCounter  metric.Int64Counter
	diagnoseCounter metric.Int64Counter
	cacheHitCounter metric.Int64Counter
}

// New creates an engine. The cache may be nil, which disables it.
func New(cfg *Config, mux *handler.Mux, cache *stepcache.Cache, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxDiagnoses < 0 {
		cfg.MaxDiagnoses = DefaultMaxDiagnoses
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: cfg,
		mux:    mux,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	e.initMetrics()

	return e
}

func (e *Engine) initMetrics() {
	var err error

	e.attemptCounter, err = e.meter.Int64Counter(
		"stepflow.engine.attempts_total",
		metric.WithDescription("Total number of handler attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	e.diagnoseCounter, err = e.meter.Int64Counter(
		"stepflow.engine.diagnoses_total",
		metric.WithDescription("Total number of diagnosis cycles"),
		metric.WithUnit("{diagnosis}"),
	)
	if err != nil {
		e.logger.Warn("failed to create diagnosis counter", zap.Error(err))
	}

	e.cacheHitCounter, err = e.meter.Int64Counter(
		"stepflow.engine.cache_hits_total",
		metric.WithDescription("Total number of step cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		e.logger.Warn("failed to create cache hit counter", zap.Error(err))
	}
}

// ExecuteStep runs one step to a terminal state. The returned error is
// reserved for cancellation and internal faults; a step that simply
// fails comes back as a FAILED Result, not an error.
func (e *Engine) ExecuteStep(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *handler.RunContext) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute_step")
	defer span.End()
	span.SetAttributes(
		attribute.Int("step.ordinal", st.Ordinal),
		attribute.String("step.kind", string(st.Kind)),
	)

	log := e.logger.With(zap.Int("step", st.Ordinal), zap.String("kind", string(st.Kind)))

	key := ""
	if e.cache != nil {
		key = stepcache.Key(st.Text, st.Kind, rc.Language, mem.Snapshot())
		if entry, ok := e.cache.Get(key); ok {
			log.Info("step cache hit, replaying outcome")
			if e.cacheHitCounter != nil {
				e.cacheHitCounter.Add(ctx, 1)
			}
			if err := e.replay(st, mem, rc, entry); err != nil {
				return Result{}, err
			}
			return Result{Outcome: entry.Outcome, Status: step.StatusSucceeded, CacheHit: true}, nil
		}
	}

	h, err := e.mux.Handler(st.Kind)
	if err != nil {
		return Result{}, err
	}

	var last step.Outcome
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if e.attemptCounter != nil {
			e.attemptCounter.Add(ctx, 1)
		}

		out, err := e.execute(ctx, h, st, mem, rc)
		if err != nil {
			// Infrastructure errors spend an attempt like any other
			// failure; their text still feeds failure classification.
			log.Warn("handler attempt errored", zap.Int("attempt", attempt), zap.Error(err))
			last = step.Outcome{Step: st.Ordinal, Output: err.Error(), Diagnostic: err.Error()}
		} else {
			last = out
			if out.Success {
				out.RetriesUsed += attempt - 1
				e.cacheSuccess(key, out, mem)
				return Result{Outcome: out, Status: step.StatusSucceeded}, nil
			}
			log.Warn("handler attempt failed",
				zap.Int("attempt", attempt),
				zap.String("diagnostic", out.Diagnostic))
		}

		// A broken environment won't be fixed by retrying the handler
		// or by patching code, so the first matching failure is
		// terminal with zero further attempts and zero diagnosis.
		if sig, ok := classifyEnvFailure(failureText(last)); ok {
			log.Error("environment failure, halting retries", zap.String("signature", sig))
			return Result{
				Outcome: last,
				Status:  step.StatusFailed,
				Failure: &Failure{
					Kind:       FailureEnvironment,
					Signature:  sig,
					Diagnostic: fmt.Sprintf("environment failure (%s): %s", sig, last.Diagnostic),
				},
			}, nil
		}
	}

	return e.diagnose(ctx, st, mem, rc, h, last, key, log)
}

// execute runs the handler, converting a panic into an error so a
// crashing handler fails its own step instead of the whole run.
func (e *Engine) execute(ctx context.Context, h handler.Handler, st step.Step, mem *memory.FileMemory, rc *handler.RunContext) (out step.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, st, mem, rc)
}

func failureText(out step.Outcome) string {
	text := out.Output
	if out.Diagnostic != "" {
		text += "\n" + out.Diagnostic
	}
	return text
}

// diagnose runs up to MaxDiagnoses patch cycles. Each cycle asks the
// diagnoser for a patch, applies it, and re-executes the step. A CMD
// step whose patch commands all succeed is resolved without re-running
// the handler: the fix commands did the step's work.
func (e *Engine) diagnose(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *handler.RunContext, h handler.Handler, last step.Outcome, key string, log *zap.Logger) (Result, error) {
	if rc.Caps.Diagnoser == nil || e.config.MaxDiagnoses == 0 {
		return e.exhausted(last, 0), nil
	}

	for cycle := 1; cycle <= e.config.MaxDiagnoses; cycle++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if e.diagnoseCounter != nil {
			e.diagnoseCounter.Add(ctx, 1)
		}
		log.Info("diagnosing failure", zap.Int("cycle", cycle))

		patch, err := rc.Caps.Diagnoser.Diagnose(ctx, failureText(last), e.diagnosisContext(st, mem, rc))
		if err != nil {
			log.Warn("diagnoser unavailable", zap.Error(err))
			return e.exhausted(last, cycle), nil
		}
		if patch.Empty() {
			log.Warn("diagnosis produced no actionable patch", zap.Int("cycle", cycle))
			continue
		}

		cmdFixResolved, applyErr := e.applyPatch(ctx, st, mem, rc, patch, log)
		if applyErr != nil {
			return Result{}, applyErr
		}
		if cmdFixResolved {
			out := step.Outcome{
				Step:         st.Ordinal,
				Success:      true,
				Output:       "resolved by diagnosis fix commands",
				FilesTouched: sortedKeys(patch.Files),
				RetriesUsed:  e.config.MaxAttempts - 1 + cycle,
			}
			e.cacheSuccess(key, out, mem)
			return Result{Outcome: out, Status: step.StatusSucceeded}, nil
		}

		out, err := e.execute(ctx, h, st, mem, rc)
		if err != nil {
			log.Warn("re-execution after patch errored", zap.Error(err))
			last = step.Outcome{Step: st.Ordinal, Output: err.Error(), Diagnostic: err.Error()}
			continue
		}
		last = out
		if out.Success {
			log.Info("step recovered after diagnosis", zap.Int("cycle", cycle))
			out.RetriesUsed += e.config.MaxAttempts - 1 + cycle
			e.cacheSuccess(key, out, mem)
			return Result{Outcome: out, Status: step.StatusSucceeded}, nil
		}
	}

	return e.exhausted(last, e.config.MaxDiagnoses), nil
}

// applyPatch commits patch files and runs patch commands. A patch
// entry with empty content removes the file from memory so later
// prompts stop seeing the broken version. For CMD steps it reports
// whether the commands alone resolved the step.
func (e *Engine) applyPatch(ctx context.Context, st step.Step, mem *memory.FileMemory, rc *handler.RunContext, patch capability.Patch, log *zap.Logger) (bool, error) {
	if len(patch.Files) > 0 {
		writes := make(map[string]string, len(patch.Files))
		for p, content := range patch.Files {
			if content == "" {
				mem.Delete(st.Ordinal, p)
				log.Info("patch removed file", zap.String("path", p))
				continue
			}
			writes[p] = content
		}
		written := mem.Commit(st.Ordinal, writes)
		if rc.Workspace != nil {
			kept := make(map[string]string, len(written))
			for _, p := range written {
				kept[p] = writes[p]
			}
			if err := rc.Workspace.WriteFiles(kept); err != nil {
				return false, fmt.Errorf("applying patch files: %w", err)
			}
		}
		log.Info("applied patch files", zap.Strings("files", written))
	}

	allCommandsOK := len(patch.Commands) > 0
	for _, cmd := range patch.Commands {
		if rc.Caps.CommandRunner == nil {
			return false, fmt.Errorf("patch requires command execution but no runner is configured")
		}
		res, err := rc.Caps.CommandRunner.RunCommand(ctx, cmd)
		if err != nil {
			return false, fmt.Errorf("running patch command %q: %w", cmd, err)
		}
		log.Info("ran patch command",
			zap.String("cmd", cmd),
			zap.Int("exit_code", res.ExitCode))
		if !res.Success() {
			allCommandsOK = false
		}
	}

	return st.Kind == step.KindCmd && allCommandsOK, nil
}

func (e *Engine) diagnosisContext(st step.Step, mem *memory.FileMemory, rc *handler.RunContext) string {
	var b strings.Builder
	b.WriteString("Task: " + rc.Task)
	b.WriteString("\nStep: " + st.Text)
	b.WriteString("\nLanguage: " + rc.Language)
	if related := mem.RelatedContext(st.Text, 4000); related != "" {
		b.WriteString("\nRelevant files:\n" + related)
	}
	b.WriteString("\nProject files: " + mem.Summary())
	return b.String()
}

func (e *Engine) exhausted(last step.Outcome, cycles int) Result {
	last.RetriesUsed += e.config.MaxAttempts - 1 + cycles
	return Result{
		Outcome: last,
		Status:  step.StatusFailed,
		Failure: &Failure{
			Kind:       FailureExhausted,
			Diagnostic: fmt.Sprintf("failed after %d attempts and %d diagnosis cycles: %s", e.config.MaxAttempts, cycles, last.Diagnostic),
		},
	}
}

// cacheSuccess stores the outcome with the produced file contents so a
// future hit can replay them.
func (e *Engine) cacheSuccess(key string, out step.Outcome, mem *memory.FileMemory) {
	if e.cache == nil || key == "" {
		return
	}
	files := make(map[string]string, len(out.FilesTouched))
	snap := mem.Snapshot()
	for _, p := range out.FilesTouched {
		if content, ok := snap[p]; ok {
			files[p] = content
		}
	}
	e.cache.Put(key, out, files)
}

// replay re-applies a cached entry's files to memory and the workspace.
func (e *Engine) replay(st step.Step, mem *memory.FileMemory, rc *handler.RunContext, entry *stepcache.Entry) error {
	if len(entry.Files) == 0 {
		return nil
	}
	written := mem.Commit(st.Ordinal, entry.Files)
	if rc.Workspace != nil {
		kept := make(map[string]string, len(written))
		for _, p := range written {
			kept[p] = entry.Files[p]
		}
		if err := rc.Workspace.WriteFiles(kept); err != nil {
			return fmt.Errorf("replaying cached files: %w", err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
