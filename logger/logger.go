// Package logger provides the bridge's structured logging. It deliberately
// writes through the canonical (pre-override) stream handles rather than the
// active process-wide sinks: the host's console writers are not ordinary file
// objects, and routing log output through them would echo every internal log
// line into the host console.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"revkernel/hostio"
)

// Logger is the bridge-wide logger.
var Logger *zap.Logger

// componentNameKeyType is a context key for storing the component name.
type componentNameKeyType string

const componentNameKey componentNameKeyType = "componentName"

// canonicalStderr defers resolution of the canonical handle to write time, so
// the null-sink substitution in hostio has already happened regardless of
// package init order.
type canonicalStderr struct{}

func (canonicalStderr) Write(p []byte) (int, error) { return hostio.CanonicalStderr().Write(p) }
func (canonicalStderr) Sync() error                 { return hostio.CanonicalStderr().Sync() }

func init() {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(canonicalStderr{})),
		zap.NewAtomicLevelAt(zap.InfoLevel),
	)
	Logger = zap.New(core)
	zap.ReplaceGlobals(Logger)
}

// Engine returns the dedicated logger handed to the underlying engine. The
// engine must not log through the host-overridden error stream, and its
// internals are chatty, so it gets its own named logger capped at Warn.
func Engine() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(canonicalStderr{})),
		zap.NewAtomicLevelAt(zap.WarnLevel),
	)
	return zap.New(core).Named("engine")
}

// WithComponentName creates a new context with the component name set.
func WithComponentName(ctx context.Context, componentName string) context.Context {
	return context.WithValue(ctx, componentNameKey, componentName)
}

// componentNameFromContext extracts the component name from the context.
func componentNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(componentNameKey).(string); ok {
		return name
	}
	return "unknown"
}

func withComponent(ctx context.Context, fields []zap.Field) []zap.Field {
	return append(fields, zap.String("component", componentNameFromContext(ctx)))
}

// Info logs at info level with the component name from ctx.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Info(msg, withComponent(ctx, fields)...)
}

// Warn logs at warn level with the component name from ctx.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Warn(msg, withComponent(ctx, fields)...)
}

// Error logs at error level with the component name from ctx.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Error(msg, withComponent(ctx, fields)...)
}

// Debug logs at debug level with the component name from ctx.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Logger.Debug(msg, withComponent(ctx, fields)...)
}

// SetLogger allows external packages to set the internal zap.Logger instance.
// This is primarily for testing purposes or advanced re-configuration.
func SetLogger(l *zap.Logger) {
	Logger = l
}
