package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "debug level", config: &Config{Level: LevelDebug}},
		{name: "development", config: &Config{Level: LevelInfo, Development: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerWith(t *testing.T) {
	logger := NewLogger(&Config{Level: LevelDebug, Development: true})
	childLogger := logger.With("child", "nvmf://host/1?uuid=abc")
	require.NotNil(t, childLogger)
	childLogger.Info("opened", "state", "Open")

	grandchild := childLogger.With("job", "rebuild-1")
	grandchild.Debug("scheduling segment", "blk", 48)
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := NewLogger(&Config{Level: LevelDebug, Development: true})
	SetDefault(replacement)
	require.Same(t, replacement, Default())

	// package-level helpers must not panic and must reach the sugar logger
	Debug("debug message", "key", "value")
	Info("info message")
	Warn("warning message")
	Error("error message")
}
