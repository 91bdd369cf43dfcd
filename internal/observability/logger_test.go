package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: true,
	})

	logger.Info("circuit state changed", "from", "closed", "to", "open")

	output := buf.String()
	if !strings.Contains(output, `"from":"closed"`) {
		t.Errorf("expected JSON fields in output, got %s", output)
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: false,
	})

	logger.Info("test message")

	output := buf.String()
	if strings.Contains(output, "{") {
		t.Errorf("expected text format, got JSON-like output: %s", output)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:  slog.LevelWarn,
		Output: &buf,
	})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Errorf("expected debug and info to be filtered, got %s", output)
	}
	if !strings.Contains(output, "kept") {
		t.Errorf("expected warn to pass, got %s", output)
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: true,
	})

	logger.WithComponent("breaker").Info("test")

	if !strings.Contains(buf.String(), `"component":"breaker"`) {
		t.Errorf("expected component field, got %s", buf.String())
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: true,
	})

	logger.WithFields("circuit", "pms", "instance", "a1").Info("test")

	output := buf.String()
	if !strings.Contains(output, "pms") || !strings.Contains(output, "a1") {
		t.Errorf("expected fields in output, got %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	if logger == nil || logger.Slog() == nil {
		t.Fatal("expected usable nop logger")
	}
	logger.Info("discarded")
}
