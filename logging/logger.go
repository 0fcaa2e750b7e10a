// Package logging defines the logger port used across rabbitkit and adapters
// for the structured loggers commonly found in Go services.
//
// Both methods are fire-and-forget: callers never inspect a result and
// adapters must not block on slow sinks longer than the wrapped logger does.
// Arguments after the message are alternating key/value pairs, the same
// convention log/slog uses.
package logging

import (
	"context"
	"log/slog"
)

// Logger is the logging port consumed by the connection manager and the
// topology reconciler.
type Logger interface {
	Log(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger port.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlog wraps logger. A nil logger falls back to slog.Default().
func NewSlog(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Default returns the slog-backed logger used when none is configured.
func Default() Logger {
	return NewSlog(nil)
}

func (l *SlogLogger) Log(msg string, keysAndValues ...any) {
	l.logger.Log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(string, ...any)   {}
func (Nop) Error(string, ...any) {}
