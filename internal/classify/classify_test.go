package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/stepflow/internal/step"
)

type mockClassifier struct{ mock.Mock }

func (m *mockClassifier) Classify(ctx context.Context, stepText, language string) (string, error) {
	args := m.Called(ctx, stepText, language)
	return args.String(0), args.Error(1)
}

type substrClaimant struct {
	name   string
	substr string
}

func (c substrClaimant) Name() string               { return c.name }
func (c substrClaimant) CanHandle(text string) bool { return strings.Contains(text, c.substr) }

func TestClassify_RoutesKinds(t *testing.T) {
	cl := &mockClassifier{}
	cl.On("Classify", mock.Anything, "run pip install", "python").Return("CMD", nil).Once()
	cl.On("Classify", mock.Anything, "write the parser", "python").Return("code", nil).Once()
	cl.On("Classify", mock.Anything, "add unit tests", "python").Return(" TEST ", nil).Once()

	svc := NewService(nil, cl, nil, zaptest.NewLogger(t))

	assert.Equal(t, step.KindCmd, svc.Classify(context.Background(), step.Step{Ordinal: 1, Text: "run pip install"}))
	assert.Equal(t, step.KindCode, svc.Classify(context.Background(), step.Step{Ordinal: 2, Text: "write the parser"}))
	assert.Equal(t, step.KindTest, svc.Classify(context.Background(), step.Step{Ordinal: 3, Text: "add unit tests"}))
	cl.AssertExpectations(t)
}

func TestClassify_Memoized(t *testing.T) {
	cl := &mockClassifier{}
	cl.On("Classify", mock.Anything, mock.Anything, mock.Anything).Return("CMD", nil).Once()

	svc := NewService(nil, cl, nil, zaptest.NewLogger(t))
	st := step.Step{Ordinal: 1, Text: "run pip install"}

	first := svc.Classify(context.Background(), st)
	second := svc.Classify(context.Background(), st)
	assert.Equal(t, first, second)
	cl.AssertNumberOfCalls(t, "Classify", 1)
}

func TestClassify_PluginClaimWins(t *testing.T) {
	cl := &mockClassifier{}
	claimant := substrClaimant{name: "docker", substr: "docker"}

	svc := NewService(nil, cl, []Claimant{claimant}, zaptest.NewLogger(t))

	k := svc.Classify(context.Background(), step.Step{Ordinal: 1, Text: "build the docker image"})
	assert.Equal(t, step.PluginKind("docker"), k)
	cl.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassify_DegradesToCode(t *testing.T) {
	t.Run("capability error", func(t *testing.T) {
		cl := &mockClassifier{}
		cl.On("Classify", mock.Anything, mock.Anything, mock.Anything).
			Return("", errors.New("connection refused")).Once()

		svc := NewService(nil, cl, nil, zaptest.NewLogger(t))
		k := svc.Classify(context.Background(), step.Step{Ordinal: 1, Text: "do something"})
		assert.Equal(t, step.KindCode, k)
	})

	t.Run("unrecognized kind", func(t *testing.T) {
		cl := &mockClassifier{}
		cl.On("Classify", mock.Anything, mock.Anything, mock.Anything).Return("BANANA", nil).Once()

		svc := NewService(nil, cl, nil, zaptest.NewLogger(t))
		k := svc.Classify(context.Background(), step.Step{Ordinal: 1, Text: "do something"})
		assert.Equal(t, step.KindCode, k)
	})

	t.Run("classifier may not emit plugin kinds", func(t *testing.T) {
		cl := &mockClassifier{}
		cl.On("Classify", mock.Anything, mock.Anything, mock.Anything).Return("PLUGIN:DOCKER", nil).Once()

		svc := NewService(nil, cl, nil, zaptest.NewLogger(t))
		k := svc.Classify(context.Background(), step.Step{Ordinal: 1, Text: "do something"})
		assert.Equal(t, step.KindCode, k)
	})
}

func TestClassifyAll(t *testing.T) {
	cl := &mockClassifier{}
	cl.On("Classify", mock.Anything, "run pip install", mock.Anything).Return("CMD", nil).Once()
	cl.On("Classify", mock.Anything, "write the parser", mock.Anything).Return("CODE", nil).Once()

	svc := NewService(DefaultServiceConfig(), cl, nil, zaptest.NewLogger(t))

	steps := step.NewPlan([]string{"run pip install", "write the parser", "already classified"})
	steps[2].Kind = step.KindIgnore

	svc.ClassifyAll(context.Background(), steps)

	require.Equal(t, step.KindCmd, steps[0].Kind)
	require.Equal(t, step.KindCode, steps[1].Kind)
	require.Equal(t, step.KindIgnore, steps[2].Kind, "an assigned kind is never recomputed")
	cl.AssertExpectations(t)
}
