// Package logging provides structured logging for the cart sync packages on top of log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/c0deZ3R0/go-cart-sync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test

	// Output defaults to os.Stdout.
	Output io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig is used by Default() when Init was never called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

var defaultLogger *Logger

// Operation is a log-friendly operation name.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is a log-friendly component name.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// Components used across the module.
const (
	ComponentCoordinator Component = "coordinator"
	ComponentStore       Component = "store"
	ComponentTransport   Component = "transport"
	ComponentMetrics     Component = "metrics"
)

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.Level(LevelTrace)
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(config Config, level slog.Leveler) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	if config.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	return &Logger{Logger: slog.New(newHandler(config, ParseLevel(config.Level)))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Init installs the global logger built from config and returns its level so
// callers can adjust verbosity afterwards.
func Init(config Config) *DynamicLevelVar {
	logger, level := NewLoggerWithDynamicLevel(config)
	defaultLogger = logger
	slog.SetDefault(defaultLogger.Logger)
	return level
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

type accountKey struct{}

// ContextWithAccount tags ctx with the account the current sync work belongs to.
func ContextWithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountFromContext returns the account set by ContextWithAccount.
func AccountFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountKey{}).(string)
	return id, ok && id != ""
}

// WithContext creates a child logger carrying the context's account and extra attributes.
func (l *Logger) WithContext(ctx context.Context, attrs ...slog.Attr) *Logger {
	contextAttrs := make([]any, 0, len(attrs)+1)

	if id, ok := AccountFromContext(ctx); ok {
		contextAttrs = append(contextAttrs, slog.String("account_id", id))
	}
	for _, attr := range attrs {
		contextAttrs = append(contextAttrs, attr)
	}

	return &Logger{Logger: l.With(contextAttrs...)}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	if syncErr, ok := err.(*errors.SyncError); ok {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	pc, file, line, ok := runtime.Caller(1)
	if ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithContext(ctx).WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
			slog.Bool("success", false),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration),
		slog.Bool("success", true),
	)

	return nil
}

func toArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

// Convenience methods that use the default logger

func Debug(msg string, attrs ...slog.Attr) { Default().Debug(msg, toArgs(attrs)...) }
func Info(msg string, attrs ...slog.Attr)  { Default().Info(msg, toArgs(attrs)...) }
func Warn(msg string, attrs ...slog.Attr)  { Default().Warn(msg, toArgs(attrs)...) }
func Error(msg string, attrs ...slog.Attr) { Default().Error(msg, toArgs(attrs)...) }

func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}

func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
