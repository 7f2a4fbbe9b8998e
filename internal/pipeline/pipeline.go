// Package pipeline runs a whole plan: wave partitioning, per-step
// classification, bounded parallel execution inside each wave,
// checkpointing after every terminal step, and halt-on-failure once a
// wave drains.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/checkpoint"
	"github.com/fyrsmithlabs/stepflow/internal/classify"
	"github.com/fyrsmithlabs/stepflow/internal/engine"
	"github.com/fyrsmithlabs/stepflow/internal/handler"
	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/pipeline"

// Exit codes for the run verb.
const (
	ExitOK                 = 0
	ExitInternal           = 1
	ExitDiagnosisExhausted = 2
	ExitEnvironment        = 3
	ExitMalformedPlan      = 4
)

// RunError carries the exit code a run failure maps to.
type RunError struct {
	Code int
	Err  error
}

func (e *RunError) Error() string { return e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// Config controls plan execution.
type Config struct {
	Task       string
	Language   string
	Workers    int
	SubRetries int
}

// RunRequest describes one invocation over a prepared plan.
type RunRequest struct {
	Steps []step.Step

	// Resume loads the checkpoint and skips completed steps.
	Resume bool

	// Fresh discards any checkpoint before running.
	Fresh bool
}

// RunResult is the final state of a run.
type RunResult struct {
	RunID     string
	ExitCode  int
	Steps     []step.Step
	Outcomes  map[int]step.Outcome
	Failure   *engine.Failure
	FailedAt  int
	CacheHits int
	Skipped   int
}

// Succeeded reports whether every step reached SUCCEEDED.
func (r *RunResult) Succeeded() bool { return r.ExitCode == ExitOK }

// Pipeline wires classification, execution, and persistence together.
type Pipeline struct {
	config      *Config
	classifier  classify.Service
	engine      *engine.Engine
	checkpoints checkpoint.Service
	caps        capability.Set
	workspace   handler.Workspace
	logger      *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	stepCounter metric.Int64Counter
	waveCounter metric.Int64Counter
}

// New creates a pipeline. The checkpoint service may be nil, which
// disables persistence and resume.
func New(cfg *Config, classifier classify.Service, eng *engine.Engine, ckpt checkpoint.Service, caps capability.Set, ws handler.Workspace, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		config:      cfg,
		classifier:  classifier,
		engine:      eng,
		checkpoints: ckpt,
		caps:        caps,
		workspace:   ws,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}

	p.initMetrics()

	return p, nil
}

func (p *Pipeline) initMetrics() {
	var err error

	p.stepCounter, err = p.meter.Int64Counter(
		"stepflow.pipeline.steps_total",
		metric.WithDescription("Total number of steps reaching a terminal state"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		p.logger.Warn("failed to create step counter", zap.Error(err))
	}

	p.waveCounter, err = p.meter.Int64Counter(
		"stepflow.pipeline.waves_total",
		metric.WithDescription("Total number of waves executed"),
		metric.WithUnit("{wave}"),
	)
	if err != nil {
		p.logger.Warn("failed to create wave counter", zap.Error(err))
	}
}

// Run executes the plan to completion or halt. The plan is validated
// before any step runs; a malformed plan aborts with ExitMalformedPlan
// and no side effects.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	steps := make([]step.Step, len(req.Steps))
	copy(steps, req.Steps)

	step.ApplyDefaultDependencies(steps)
	waves, err := step.BuildWaves(steps)
	if err != nil {
		return &RunResult{ExitCode: ExitMalformedPlan, Steps: steps},
			&RunError{Code: ExitMalformedPlan, Err: err}
	}
	span.SetAttributes(
		attribute.Int("plan.steps", len(steps)),
		attribute.Int("plan.waves", len(waves)),
	)

	mem := memory.New(p.logger.Named("memory"))
	rec, err := p.prepareRecord(ctx, req, steps, mem)
	if err != nil {
		return &RunResult{ExitCode: ExitInternal, Steps: steps},
			&RunError{Code: ExitInternal, Err: err}
	}

	res := &RunResult{
		RunID:    rec.RunID,
		ExitCode: ExitOK,
		Steps:    steps,
		Outcomes: make(map[int]step.Outcome),
	}

	rc := &handler.RunContext{
		Task:       p.config.Task,
		Language:   p.config.Language,
		SubRetries: p.config.SubRetries,
		Caps:       p.caps,
		Workspace:  p.workspace,
		Logger:     p.logger.Named("handler"),
	}

	for waveIdx, wave := range waves {
		if err := ctx.Err(); err != nil {
			return res, &RunError{Code: ExitInternal, Err: err}
		}
		if p.waveCounter != nil {
			p.waveCounter.Add(ctx, 1)
		}

		pending := p.pendingInWave(wave, steps, rec, res)
		if len(pending) == 0 {
			continue
		}
		p.logger.Info("starting wave",
			zap.Int("wave", waveIdx+1),
			zap.Int("steps", len(pending)),
			zap.Int("workers", p.config.Workers))

		failed := p.runWave(ctx, pending, steps, mem, rc, rec, res)

		// A failed wave still drains completely; only then does the run
		// halt, leaving later waves untouched.
		if failed != 0 {
			res.FailedAt = failed
			p.markSkipped(steps, waves[waveIdx+1:])
			res.ExitCode = p.exitCode(res.Failure)
			return res, &RunError{
				Code: res.ExitCode,
				Err:  fmt.Errorf("step %d failed: %s", failed, res.Failure.Diagnostic),
			}
		}
	}

	if p.checkpoints != nil {
		if err := p.checkpoints.Clear(ctx); err != nil {
			p.logger.Warn("failed to clear checkpoint after successful run", zap.Error(err))
		}
	}
	p.logger.Info("run complete",
		zap.Int("steps", len(steps)),
		zap.Int("cache_hits", res.CacheHits),
		zap.Int("resumed", res.Skipped))
	return res, nil
}

// prepareRecord loads or creates the checkpoint record and, on resume,
// replays remembered files into memory.
func (p *Pipeline) prepareRecord(ctx context.Context, req RunRequest, steps []step.Step, mem *memory.FileMemory) (*checkpoint.Record, error) {
	if p.checkpoints == nil {
		return checkpoint.NewRecord(p.config.Task, p.config.Language, steps), nil
	}

	if req.Fresh {
		if err := p.checkpoints.Clear(ctx); err != nil {
			return nil, fmt.Errorf("discarding checkpoint: %w", err)
		}
	}

	if req.Resume && !req.Fresh {
		rec, err := p.checkpoints.Load(ctx)
		switch {
		case err == nil:
			p.logger.Info("resuming from checkpoint",
				zap.String("run_id", rec.RunID),
				zap.Int("completed", len(rec.CompletedOrdinals)))
			mem.Load(rec.Files)
			rec.Task = p.config.Task
			rec.Language = p.config.Language
			rec.Steps = steps
			return rec, nil
		case errors.Is(err, checkpoint.ErrNotFound):
			p.logger.Info("no checkpoint to resume, starting fresh")
		default:
			return nil, fmt.Errorf("loading checkpoint: %w", err)
		}
	}

	return checkpoint.NewRecord(p.config.Task, p.config.Language, steps), nil
}

// pendingInWave classifies and returns the wave's not-yet-completed
// steps, marking resumed ones SUCCEEDED from the record.
func (p *Pipeline) pendingInWave(wave step.Wave, steps []step.Step, rec *checkpoint.Record, res *RunResult) []int {
	var pending []int
	for _, ordinal := range wave {
		st := &steps[ordinal-1]
		if rec.Completed(ordinal) {
			st.Status = step.StatusSucceeded
			res.Skipped++
			p.logger.Info("skipping completed step", zap.Int("step", ordinal))
			continue
		}
		pending = append(pending, ordinal)
	}
	return pending
}

// runWave executes the wave's pending steps with a bounded worker
// pool. It returns the ordinal of a failed step, or zero.
func (p *Pipeline) runWave(ctx context.Context, pending []int, steps []step.Step, mem *memory.FileMemory, rc *handler.RunContext, rec *checkpoint.Record, res *RunResult) int {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failedAt int
		writers  = make(map[string][]int)
	)
	sem := make(chan struct{}, p.config.Workers)

	// Classification and the RUNNING marks land before any worker
	// starts, so workers touch the steps slice only under mu. A
	// checkpoint save racing a bare status write could otherwise
	// persist torn step state.
	batch := make([]step.Step, len(pending))
	for i, ordinal := range pending {
		batch[i] = steps[ordinal-1]
	}
	p.classifier.ClassifyAll(ctx, batch)
	for i, ordinal := range pending {
		st := &steps[ordinal-1]
		st.Kind = batch[i].Kind
		st.Status = step.StatusRunning
	}

	for _, ordinal := range pending {
		st := &steps[ordinal-1]

		wg.Add(1)
		sem <- struct{}{}
		go func(st *step.Step) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := p.engine.ExecuteStep(ctx, *st, mem, rc)
			if err != nil {
				result = engine.Result{
					Status: step.StatusFailed,
					Outcome: step.Outcome{
						Step:       st.Ordinal,
						Diagnostic: err.Error(),
					},
					Failure: &engine.Failure{
						Kind:       engine.FailureExhausted,
						Diagnostic: err.Error(),
					},
				}
			}

			mu.Lock()
			defer mu.Unlock()

			st.Status = result.Status
			res.Outcomes[st.Ordinal] = result.Outcome
			if result.CacheHit {
				res.CacheHits++
			}
			for _, path := range result.Outcome.FilesTouched {
				writers[path] = append(writers[path], st.Ordinal)
			}
			if p.stepCounter != nil {
				p.stepCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("status", string(result.Status))))
			}

			if result.Status == step.StatusSucceeded {
				rec.MarkCompleted(st.Ordinal)
			} else if failedAt == 0 {
				failedAt = st.Ordinal
				res.Failure = result.Failure
			}

			p.saveProgress(ctx, rec, mem)
		}(st)
	}
	wg.Wait()

	p.reportWriteConflicts(writers)
	return failedAt
}

// saveProgress snapshots file memory into the record and persists it.
// Called with the wave mutex held so saves never interleave.
func (p *Pipeline) saveProgress(ctx context.Context, rec *checkpoint.Record, mem *memory.FileMemory) {
	if p.checkpoints == nil {
		return
	}
	rec.Files = mem.Snapshot()
	rec.Changes = mem.ChangeLog()
	if err := p.checkpoints.Save(ctx, rec); err != nil {
		p.logger.Error("checkpoint save failed", zap.Error(err))
	}
}

// reportWriteConflicts logs paths written by more than one step of the
// same wave. Writes are serialized by file memory, so this is an
// anomaly in the plan's dependency structure, not a data race.
func (p *Pipeline) reportWriteConflicts(writers map[string][]int) {
	for path, ordinals := range writers {
		if len(ordinals) > 1 {
			p.logger.Warn("same-wave steps wrote the same path",
				zap.String("path", path),
				zap.Ints("steps", ordinals))
		}
	}
}

// markSkipped marks every step of the remaining waves SKIPPED.
func (p *Pipeline) markSkipped(steps []step.Step, remaining []step.Wave) {
	for _, wave := range remaining {
		for _, ordinal := range wave {
			if !steps[ordinal-1].Status.Terminal() {
				steps[ordinal-1].Status = step.StatusSkipped
			}
		}
	}
}

func (p *Pipeline) exitCode(f *engine.Failure) int {
	if f == nil {
		return ExitInternal
	}
	switch f.Kind {
	case engine.FailureEnvironment:
		return ExitEnvironment
	case engine.FailureExhausted:
		return ExitDiagnosisExhausted
	}
	return ExitInternal
}
