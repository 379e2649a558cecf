// Package logging provides implementations of the ports.Logger interface:
// NopLogger discards everything, ConsoleLogger writes text or JSON lines and
// MemoryLogger keeps entries for inspection.
package logging

import (
	"context"
	"sync/atomic"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// NopLogger is a no-op logger that discards all messages.
type NopLogger struct {
	level atomic.Int32
}

// NewNopLogger creates a new no-op logger.
func NewNopLogger() *NopLogger {
	l := &NopLogger{}
	l.level.Store(int32(ports.LevelInfo))
	return l
}

// Debug does nothing.
func (l *NopLogger) Debug(_ context.Context, _ string, _ ...ports.Field) {}

// Info does nothing.
func (l *NopLogger) Info(_ context.Context, _ string, _ ...ports.Field) {}

// Warn does nothing.
func (l *NopLogger) Warn(_ context.Context, _ string, _ ...ports.Field) {}

// Error does nothing.
func (l *NopLogger) Error(_ context.Context, _ string, _ ...ports.Field) {}

// With returns itself.
func (l *NopLogger) With(_ ...ports.Field) ports.Logger {
	return l
}

// Level returns the log level.
func (l *NopLogger) Level() ports.Level {
	return ports.Level(l.level.Load())
}

// SetLevel sets the log level.
func (l *NopLogger) SetLevel(level ports.Level) {
	l.level.Store(int32(level))
}

// Ensure NopLogger implements Logger.
var _ ports.Logger = (*NopLogger)(nil)
