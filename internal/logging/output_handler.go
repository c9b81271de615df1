package logging

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a retained line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines retained per run.
	MaxBufferedLines = 100
)

// OutputHandler retains the most recent stderr lines of one run for the exit
// summary and logs them at a level inferred from their content.
type OutputHandler struct {
	runID   string
	logger  *slog.Logger
	verbose bool

	// Circular buffer of recent lines.
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a handler for the given run.
func NewOutputHandler(runID string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		runID:   runID,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleChunk splits a captured byte chunk into lines and records each one.
// Incomplete trailing lines are recorded as-is; retention is best-effort.
func (h *OutputHandler) HandleChunk(data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		h.HandleLine(line)
	}
}

// HandleLine records a single line of subprocess stderr.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	level := classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(nil, level, "subprocess_stderr",
		"run_id", h.runID,
		"line", line,
	)
}

// classifyLine picks a log level from line content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "permission denied") {
		return slog.LevelWarn
	}

	if strings.Contains(lower, "warning") ||
		strings.Contains(lower, "warn") ||
		strings.Contains(lower, "retry") {
		return slog.LevelWarn
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent retained lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}
