package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// ApplyEnv overlays LOG_LEVEL, LOG_FORMAT, ENVIRONMENT and LOG_ADD_SOURCE onto config.
// Variables that are set always win over the environment defaults.
func ApplyEnv(config Config) Config {
	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	addSource := strings.ToLower(os.Getenv("LOG_ADD_SOURCE"))

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)

		switch config.Environment {
		case EnvProduction:
			config.Format = "json"
			config.Level = "info"
			config.AddSource = false
		case EnvTest:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = false
		case EnvDevelopment:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = true
		}
	}

	if level != "" {
		config.Level = level
	}
	if format != "" {
		config.Format = format
	}
	if addSource != "" {
		config.AddSource = addSource == "true"
	}

	return config
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

// LevelTrace is more verbose than debug; the coordinator logs per-op outbox traffic at it.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// Trace logs at trace level.
func (l *Logger) Trace(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, slog.Level(LevelTrace), msg, args...)
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "warning", "error":
		d.Set(ParseLevel(strings.ToLower(level)))
		return true
	default:
		return false
	}
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed after construction.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	levelVar := NewDynamicLevelVar(ParseLevel(config.Level))
	return &Logger{Logger: slog.New(newHandler(config, levelVar.LevelVar))}, levelVar
}
