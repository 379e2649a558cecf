package logging

import (
	"context"
	"sync"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Entry is one recorded log entry.
type Entry struct {
	Level   ports.Level
	Message string
	Fields  map[string]interface{}
}

// MemoryLogger records entries in memory. Loggers derived with With share
// the same entry buffer.
type MemoryLogger struct {
	sink   *memorySink
	fields []ports.Field
}

type memorySink struct {
	mu      sync.Mutex
	level   ports.Level
	entries []Entry
}

// NewMemoryLogger creates a logger that records every level.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{sink: &memorySink{level: ports.LevelDebug}}
}

// Debug records a debug entry.
func (l *MemoryLogger) Debug(ctx context.Context, msg string, fields ...ports.Field) {
	l.record(ctx, ports.LevelDebug, msg, fields)
}

// Info records an info entry.
func (l *MemoryLogger) Info(ctx context.Context, msg string, fields ...ports.Field) {
	l.record(ctx, ports.LevelInfo, msg, fields)
}

// Warn records a warning entry.
func (l *MemoryLogger) Warn(ctx context.Context, msg string, fields ...ports.Field) {
	l.record(ctx, ports.LevelWarn, msg, fields)
}

// Error records an error entry.
func (l *MemoryLogger) Error(ctx context.Context, msg string, fields ...ports.Field) {
	l.record(ctx, ports.LevelError, msg, fields)
}

// With returns a logger that adds fields to every entry.
func (l *MemoryLogger) With(fields ...ports.Field) ports.Logger {
	merged := append(append([]ports.Field(nil), l.fields...), fields...)
	return &MemoryLogger{sink: l.sink, fields: merged}
}

// Level returns the minimum recorded level.
func (l *MemoryLogger) Level() ports.Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// SetLevel sets the minimum recorded level.
func (l *MemoryLogger) SetLevel(level ports.Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Entries returns a copy of the recorded entries.
func (l *MemoryLogger) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]Entry(nil), l.sink.entries...)
}

// Messages returns the recorded messages at or above level.
func (l *MemoryLogger) Messages(level ports.Level) []string {
	var out []string
	for _, e := range l.Entries() {
		if e.Level >= level {
			out = append(out, e.Message)
		}
	}
	return out
}

func (l *MemoryLogger) record(ctx context.Context, level ports.Level, msg string, fields []ports.Field) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level < l.sink.level {
		return
	}

	entry := Entry{Level: level, Message: msg, Fields: make(map[string]interface{})}
	for _, group := range [][]ports.Field{l.fields, ports.FieldsFromContext(ctx), fields} {
		for _, f := range group {
			entry.Fields[f.Key] = f.Value
		}
	}
	l.sink.entries = append(l.sink.entries, entry)
}

// Ensure MemoryLogger implements Logger.
var _ ports.Logger = (*MemoryLogger)(nil)
