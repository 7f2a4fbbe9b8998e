package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/step"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/checkpoint"

// FileName is the checkpoint file inside the state directory.
const FileName = "checkpoint.json"

// ErrNotFound is returned when no checkpoint exists for the directory.
var ErrNotFound = errors.New("checkpoint not found")

// Service provides checkpoint persistence for one working directory.
type Service interface {
	// Save writes the record, replacing any previous checkpoint.
	Save(ctx context.Context, rec *Record) error

	// Load reads the current checkpoint, or ErrNotFound.
	Load(ctx context.Context) (*Record, error)

	// Clear removes the checkpoint. Clearing a missing checkpoint is
	// not an error.
	Clear(ctx context.Context) error

	// Path returns the checkpoint file location.
	Path() string
}

// Config configures the checkpoint service.
type Config struct {
	// Dir is the state directory holding the checkpoint file.
	Dir string
}

// DefaultServiceConfig returns the config for a state directory.
func DefaultServiceConfig(dir string) *Config {
	return &Config{Dir: dir}
}

// service implements the Service interface.
type service struct {
	config *Config
	logger *zap.Logger

	// Telemetry
	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
	loadCounter metric.Int64Counter

	// mu serializes saves so concurrent wave workers cannot interleave
	// partial writes.
	mu sync.Mutex
}

// NewService creates a checkpoint service.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"stepflow.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"stepflow.checkpoint.loads_total",
		metric.WithDescription("Total number of checkpoint loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}
}

// NewRecord initializes a fresh record for a run.
func NewRecord(task, language string, steps []step.Step) *Record {
	now := time.Now().UTC()
	return &Record{
		RunID:     uuid.New().String(),
		Task:      task,
		Language:  language,
		Steps:     steps,
		Files:     make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Path returns the checkpoint file location.
func (s *service) Path() string {
	return filepath.Join(s.config.Dir, FileName)
}

// Save writes the record atomically via a temp file and rename, so a
// crash mid-write never leaves a truncated checkpoint behind.
func (s *service) Save(ctx context.Context, rec *Record) error {
	_, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", rec.RunID),
		attribute.Int("completed", len(rec.CompletedOrdinals)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	path := s.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("finalizing checkpoint: %w", err)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("run_id", rec.RunID),
		zap.Int("completed", len(rec.CompletedOrdinals)))
	return nil
}

// Load reads the current checkpoint.
func (s *service) Load(ctx context.Context) (*Record, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if rec.Files == nil {
		rec.Files = make(map[string]string)
	}

	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.String("run_id", rec.RunID))
	return &rec, nil
}

// Clear removes the checkpoint file.
func (s *service) Clear(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "checkpoint.clear")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	s.logger.Info("checkpoint cleared", zap.String("path", s.Path()))
	return nil
}
