package observability

import (
	"go.uber.org/zap"
)

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	inner *zap.Logger
}

// NewZapLogger wraps the provided zap logger. A nil logger falls back to zap.NewNop.
func NewZapLogger(inner *zap.Logger) *ZapLogger {
	if inner == nil {
		inner = zap.NewNop()
	}
	return &ZapLogger{inner: inner}
}

// Debug logs at debug level.
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.inner.Debug(msg, zapFields(fields)...)
}

// Info logs at info level.
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.inner.Info(msg, zapFields(fields)...)
}

// Warn logs at warn level.
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.inner.Warn(msg, zapFields(fields)...)
}

// Error logs at error level.
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.inner.Error(msg, zapFields(fields)...)
}

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
