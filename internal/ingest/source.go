// Package ingest provides the network event sources (UDP, TCP, Kafka) that decode
// received lines into records and push them into a stream.Observer.
package ingest

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/stream"
)

// Metrics receives decode failures.
type Metrics interface {
	RecordParseError()
}

// lineHandler decodes lines and pushes the resulting records downstream.
// Pushes are serialized so the observer sees a single producer even when a
// transport reads from several connections.
type lineHandler struct {
	mu      sync.Mutex
	parser  parser.Parser
	metrics Metrics
	logger  *slog.Logger
	obs     stream.Observer
}

func newLineHandler(p parser.Parser, logger *slog.Logger) *lineHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &lineHandler{parser: p, logger: logger}
}

func (h *lineHandler) bind(obs stream.Observer) {
	h.mu.Lock()
	h.obs = obs
	h.mu.Unlock()
}

// handle parses one line. Lines that fail to parse are counted and skipped.
func (h *lineHandler) handle(line []byte) {
	rec, err := h.parser.ParseLine(line)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordParseError()
		}
		h.logger.Debug(
			"failed to parse line",
			"parser", h.parser.Format(),
			"heuristic_format", heuristicLineFormat(line),
			"error", err,
			"line", truncateForLog(string(line), 512),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obs != nil {
		h.obs.OnNext(rec)
	}
}

// fail reports a terminal receive error downstream once.
func (h *lineHandler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obs != nil {
		h.obs.OnError(err)
		h.obs = nil
	}
}

// unbind detaches the observer; no push can happen after it returns.
func (h *lineHandler) unbind() {
	h.mu.Lock()
	h.obs = nil
	h.mu.Unlock()
}

// splitLines normalizes one payload into one or more non-empty lines.
func splitLines(payload []byte) [][]byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	parts := bytes.Split(trimmed, []byte{'\n'})
	result := make([][]byte, 0, len(parts))

	for _, part := range parts {
		line := bytes.TrimSpace(part)
		if len(line) == 0 {
			continue
		}
		result = append(result, append([]byte(nil), line...))
	}

	return result
}

// truncateForLog limits logged payload size to protect logs from large line content.
func truncateForLog(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

// heuristicLineFormat provides a lightweight best-effort classification for debug logs.
func heuristicLineFormat(line []byte) string {
	trimmed := strings.TrimSpace(string(line))
	switch {
	case trimmed == "":
		return "empty"
	case strings.HasPrefix(trimmed, "{"):
		return "json-like"
	case strings.HasPrefix(trimmed, "<"):
		return "syslog-pri-like"
	default:
		return "unknown"
	}
}
