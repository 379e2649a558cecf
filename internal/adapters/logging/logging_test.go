package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	if logger.With(ports.F("key", "value")) != logger {
		t.Error("NopLogger.With should return itself")
	}
	if logger.Level() != ports.LevelInfo {
		t.Errorf("default level = %v, want %v", logger.Level(), ports.LevelInfo)
	}
	logger.SetLevel(ports.LevelDebug)
	if logger.Level() != ports.LevelDebug {
		t.Errorf("after SetLevel, level = %v, want %v", logger.Level(), ports.LevelDebug)
	}
}

func newTestConsole(buf *bytes.Buffer, opts ...ConsoleLoggerOption) *ConsoleLogger {
	base := []ConsoleLoggerOption{
		WithOutput(buf),
		WithLevel(ports.LevelDebug),
		WithTimestamp(false),
		WithLevelLabel(false),
	}
	return NewConsoleLogger(append(base, opts...)...)
}

func TestConsoleLogger_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf, WithLevelLabel(true))

	logger.Info(context.Background(), "plugin loaded", ports.F("plugin_id", "echo"), ports.F("exports", 2))

	output := buf.String()
	for _, want := range []string{"[INFO]", "plugin loaded", "plugin_id=echo", "exports=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got %q", want, output)
		}
	}
}

func TestConsoleLogger_Timestamp(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	logger := newTestConsole(&buf, WithTimestamp(true), WithClock(func() time.Time { return fixed }), WithJSONFormat(true))

	logger.Info(context.Background(), "tick")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry["time"] != "2026-03-01T12:30:45Z" {
		t.Errorf("time = %v", entry["time"])
	}
}

func TestConsoleLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf, WithJSONFormat(true), WithLevelLabel(true))

	logger.Warn(context.Background(), "host call denied",
		ports.F("capability", "filesystem-read:/etc"),
		ports.F("error", errors.New("permission denied")))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["msg"] != "host call denied" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["capability"] != "filesystem-read:/etc" {
		t.Errorf("capability = %v", entry["capability"])
	}
	if entry["error"] != "permission denied" {
		t.Errorf("error = %v, want the error text", entry["error"])
	}
}

func TestConsoleLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf)

	ctx := ports.ContextWithFields(context.Background(), ports.F("plugin_id", "echo"))
	logger.Info(ctx, "invoke", ports.F("export", "add"))

	output := buf.String()
	if !strings.Contains(output, "plugin_id=echo export=add") {
		t.Errorf("context fields should precede call fields, got %q", output)
	}
}

func TestConsoleLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf, WithLevel(ports.LevelWarn))
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	if buf.Len() > 0 {
		t.Errorf("Debug and Info should be filtered, got %q", buf.String())
	}

	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")
	if !strings.Contains(buf.String(), "warn message") || !strings.Contains(buf.String(), "error message") {
		t.Errorf("Warn and Error should pass, got %q", buf.String())
	}
}

func TestConsoleLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf)

	derived := logger.With(ports.F("component", "broker"))
	derived.Info(context.Background(), "message", ports.F("extra", "field"))
	logger.Info(context.Background(), "plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "component=broker") || !strings.Contains(lines[0], "extra=field") {
		t.Errorf("derived line = %q", lines[0])
	}
	if strings.Contains(lines[1], "component=broker") {
		t.Errorf("original logger picked up derived fields: %q", lines[1])
	}
}

func TestConsoleLogger_SetLevelSharedWithDerived(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf, WithLevel(ports.LevelError))
	derived := logger.With(ports.F("k", "v"))

	derived.Info(context.Background(), "filtered")
	if buf.Len() > 0 {
		t.Error("Info should be filtered at Error level")
	}

	logger.SetLevel(ports.LevelDebug)
	derived.Info(context.Background(), "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("derived logger should follow the parent's level")
	}
}

func TestConsoleLogger_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsole(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.With(ports.F("worker", i)).Info(context.Background(), "line")
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "\n"); got != 20 {
		t.Errorf("expected 20 lines, got %d", got)
	}
}

func TestMemoryLogger(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := ports.ContextWithFields(context.Background(), ports.F("plugin_id", "echo"))

	logger.With(ports.F("component", "broker")).Warn(ctx, "denied", ports.F("capability", "network-connect"))
	logger.Debug(ctx, "noise")

	entries := logger.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Level != ports.LevelWarn || first.Message != "denied" {
		t.Errorf("first entry = %+v", first)
	}
	for key, want := range map[string]interface{}{
		"component":  "broker",
		"plugin_id":  "echo",
		"capability": "network-connect",
	} {
		if first.Fields[key] != want {
			t.Errorf("field %s = %v, want %v", key, first.Fields[key], want)
		}
	}

	if got := logger.Messages(ports.LevelWarn); len(got) != 1 || got[0] != "denied" {
		t.Errorf("Messages(Warn) = %v", got)
	}

	logger.SetLevel(ports.LevelError)
	logger.Warn(ctx, "dropped")
	if len(logger.Entries()) != 2 {
		t.Error("entries below the level should be dropped")
	}
}
