// Package classify assigns each plan step a handler kind. Registered
// plugins get first claim on a step; everything unclaimed goes to the
// external classifier capability. A classification is computed once per
// ordinal and memoized, so retries and resumed runs never re-consult
// the capability for the same step.
package classify

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/capability"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/classify"

// Claimant is anything that may claim a step before the classifier
// capability is consulted. Plugin handlers satisfy this.
type Claimant interface {
	// Name identifies the claimant; it becomes the PLUGIN:<name> kind.
	Name() string

	// CanHandle reports whether the claimant wants the step text.
	CanHandle(stepText string) bool
}

// Service classifies plan steps.
type Service interface {
	// Classify returns the handler kind for one step.
	Classify(ctx context.Context, st step.Step) step.Kind

	// ClassifyAll fills in Kind for every step in place.
	ClassifyAll(ctx context.Context, steps []step.Step)
}

// Config configures the classification service.
type Config struct {
	// Language is forwarded to the classifier capability as routing
	// context (default: python).
	Language string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{Language: "python"}
}

// service implements the Service interface.
type service struct {
	config     *Config
	classifier capability.Classifier
	claimants  []Claimant
	logger     *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	classifyCounter metric.Int64Counter
	degradeCounter  metric.Int64Counter

	mu   sync.Mutex
	memo map[int]step.Kind
}

// NewService creates a classification service. Claimants are consulted
// in order before the classifier capability.
func NewService(cfg *Config, classifier capability.Classifier, claimants []Claimant, logger *zap.Logger) Service {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:     cfg,
		classifier: classifier,
		claimants:  claimants,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		memo:       make(map[int]step.Kind),
	}

	s.initMetrics()

	return s
}

func (s *service) initMetrics() {
	var err error

	s.classifyCounter, err = s.meter.Int64Counter(
		"stepflow.classify.steps_total",
		metric.WithDescription("Total number of steps classified"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create classify counter", zap.Error(err))
	}

	s.degradeCounter, err = s.meter.Int64Counter(
		"stepflow.classify.degradations_total",
		metric.WithDescription("Total number of classifications degraded to CODE"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create degradation counter", zap.Error(err))
	}
}

// Classify returns the handler kind for one step. A capability failure
// or an unrecognized kind name degrades to CODE rather than failing the
// run: the code handler's generate and review loop is the safest route
// for an ambiguous step.
func (s *service) Classify(ctx context.Context, st step.Step) step.Kind {
	s.mu.Lock()
	if k, ok := s.memo[st.Ordinal]; ok {
		s.mu.Unlock()
		return k
	}
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "classify.step")
	defer span.End()
	span.SetAttributes(attribute.Int("step.ordinal", st.Ordinal))

	k := s.classify(ctx, st)
	span.SetAttributes(attribute.String("step.kind", string(k)))
	if s.classifyCounter != nil {
		s.classifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(k))))
	}

	s.mu.Lock()
	s.memo[st.Ordinal] = k
	s.mu.Unlock()
	return k
}

func (s *service) classify(ctx context.Context, st step.Step) step.Kind {
	for _, c := range s.claimants {
		if c.CanHandle(st.Text) {
			s.logger.Info("step claimed by plugin",
				zap.Int("step", st.Ordinal),
				zap.String("plugin", c.Name()))
			return step.PluginKind(c.Name())
		}
	}

	if s.classifier == nil {
		return step.KindCode
	}

	raw, err := s.classifier.Classify(ctx, st.Text, s.config.Language)
	if err != nil {
		s.logger.Warn("classifier unavailable, degrading to CODE",
			zap.Int("step", st.Ordinal), zap.Error(err))
		s.countDegrade(ctx, "capability_error")
		return step.KindCode
	}

	k := step.Kind(strings.ToUpper(strings.TrimSpace(raw)))
	if !k.Valid() || k == step.KindUnclassified || k.IsPlugin() {
		s.logger.Warn("unrecognized kind, degrading to CODE",
			zap.Int("step", st.Ordinal), zap.String("kind", raw))
		s.countDegrade(ctx, "unrecognized_kind")
		return step.KindCode
	}
	return k
}

func (s *service) countDegrade(ctx context.Context, reason string) {
	if s.degradeCounter != nil {
		s.degradeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// ClassifyAll fills in Kind for every step still unclassified.
func (s *service) ClassifyAll(ctx context.Context, steps []step.Step) {
	for i := range steps {
		if steps[i].Kind == "" || steps[i].Kind == step.KindUnclassified {
			steps[i].Kind = s.Classify(ctx, steps[i])
		}
	}
}
