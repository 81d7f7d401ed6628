package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "noncesearch", "test", "info", "json")

	height := int64(1)
	logger.WithComponent("search").
		WithHeader("00000000839a8e6886ab5951d76f411475428afc90947ee320161bbf18eb6048", &height).
		WithError(errors.New("boom")).
		Info("hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	line := lines[0]

	for key, want := range map[string]any{
		"service":      "noncesearch",
		"version":      "test",
		"component":    "search",
		"block_height": float64(1),
		"error":        "boom",
		"msg":          "hello",
	} {
		if line[key] != want {
			t.Errorf("%s = %v, want %v", key, line[key], want)
		}
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "info", "json")

	ctx := context.WithValue(context.Background(), RunIDKey, "run-7")
	logger.WithContext(ctx).Info("ctx")

	if got := decodeLines(t, &buf)[0]["run_id"]; got != "run-7" {
		t.Errorf("run_id = %v, want run-7", got)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLogger_SearchHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "info", "json")

	logger.LogSearchStats(10, 20, 11, 11, 0, 5*time.Millisecond)
	logger.LogThroughput("find_nonces", 1000, 2*time.Second)
	logger.LogHeaderValidated("ab", 3, false, "calculate_hash")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0]["tried"] != float64(11) {
		t.Errorf("tried = %v, want 11", lines[0]["tried"])
	}
	if lines[1]["throughput_ops_sec"] != float64(500) {
		t.Errorf("throughput_ops_sec = %v, want 500", lines[1]["throughput_ops_sec"])
	}
	if lines[2]["level"] != "WARN" || lines[2]["failed_step"] != "calculate_hash" {
		t.Errorf("validation line = %v", lines[2])
	}
}
