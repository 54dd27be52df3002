package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/orrn/jobfleet/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "worker_id", "w-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["msg"] != "shown" || entry["worker_id"] != "w-1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewPlainDropsTime(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "plain"}, &buf)
	logger.Info("hello")

	out := buf.String()
	if strings.Contains(out, "time=") {
		t.Errorf("plain output should not carry time: %q", out)
	}
	if !strings.Contains(out, "msg=hello") {
		t.Errorf("missing message: %q", out)
	}
}
