// Package logging provides structured, leveled logging for nexus-core.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with key-value level methods and a
// With-style child-logger constructor for per-component tagging.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level LogLevel
	// Development switches to console encoding, matching zap's
	// development preset.
	Development bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo}
}

// NewLogger creates a new logger from config.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	var cfg zap.Config
	if config.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(config.Level.zapLevel())
	z, err := cfg.Build()
	if err != nil {
		// Logging must never be the reason the core fails to start.
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar()}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// With returns a child logger that always attaches the given key-value
// pairs, the way a per-child or per-job logger tags its identity.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Global convenience functions operating on the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
