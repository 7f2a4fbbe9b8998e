package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/stepflow/internal/config"
)

func TestNew(t *testing.T) {
	cases := []struct {
		name  string
		cfg   config.LoggingConfig
		level zapcore.Level
	}{
		{"json info", config.LoggingConfig{Level: "info", Format: "json"}, zapcore.InfoLevel},
		{"console debug", config.LoggingConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel},
		{"json error", config.LoggingConfig{Level: "error", Format: "json"}, zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.level))
			if tc.level != zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
			}
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
}

func TestSync_IgnoresTerminalErrors(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "console"})
	require.NoError(t, err)
	logger.Info("sync check")
	assert.NoError(t, Sync(logger))
}
