package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},        // Default
		{"invalid", slog.LevelInfo}, // Default for unknown
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			result := parseLevel(tc.input)
			if result != tc.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tc.input, result, tc.expected)
			}
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	testCases := []string{"json", "text", "JSON", "TEXT", "", "invalid"}

	for _, format := range testCases {
		t.Run(format, func(t *testing.T) {
			logger := NewLogger(format, "info", false)
			if logger == nil {
				t.Error("NewLogger returned nil")
			}
		})
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLoggerWithWriter(&buf, "text", "error")
	logger.Debug("debug message")

	if strings.Contains(buf.String(), "debug message") {
		t.Error("error-level logger should not log debug messages")
	}

	logger.Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Error("error-level logger should log error messages")
	}
}

// =============================================================================
// OutputHandler
// =============================================================================

func TestOutputHandlerRecentLines(t *testing.T) {
	logger := NewLoggerWithWriter(&bytes.Buffer{}, "text", "error")
	h := NewOutputHandler("run-1", logger, false)

	h.HandleLine("first")
	h.HandleLine("second")
	h.HandleLine("third")

	lines := h.RecentLines(2)
	if len(lines) != 2 {
		t.Fatalf("RecentLines(2) returned %d lines, want 2", len(lines))
	}
	if lines[0] != "second" || lines[1] != "third" {
		t.Errorf("RecentLines(2) = %v, want [second third]", lines)
	}
}

func TestOutputHandlerChunkSplitting(t *testing.T) {
	logger := NewLoggerWithWriter(&bytes.Buffer{}, "text", "error")
	h := NewOutputHandler("run-1", logger, false)

	h.HandleChunk([]byte("alpha\nbeta\n"))

	lines := h.RecentLines(10)
	if len(lines) != 2 || lines[0] != "alpha" || lines[1] != "beta" {
		t.Errorf("HandleChunk retained %v, want [alpha beta]", lines)
	}
}

func TestOutputHandlerTruncatesLongLines(t *testing.T) {
	logger := NewLoggerWithWriter(&bytes.Buffer{}, "text", "error")
	h := NewOutputHandler("run-1", logger, false)

	h.HandleLine(strings.Repeat("x", MaxLineLength+10))

	lines := h.RecentLines(1)
	if len(lines) != 1 {
		t.Fatal("expected one retained line")
	}
	if !strings.HasSuffix(lines[0], "...(truncated)") {
		t.Error("long line was not truncated")
	}
}

func TestOutputHandlerLogsWarningsWhenNotVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "debug")
	h := NewOutputHandler("run-1", logger, false)

	h.HandleLine("something harmless")
	h.HandleLine("fatal: disk on fire")

	out := buf.String()
	if strings.Contains(out, "something harmless") {
		t.Error("non-verbose handler logged a debug-level line")
	}
	if !strings.Contains(out, "disk on fire") {
		t.Error("non-verbose handler suppressed a warning-level line")
	}
}
