package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWritersFansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewWithWriters(&console, &file, slog.LevelInfo)

	logger.Info("queue item claimed", "id", "q1")
	logger.Debug("hidden")

	if !strings.Contains(console.String(), "queue item claimed") {
		t.Errorf("console output missing message: %q", console.String())
	}
	if strings.Contains(console.String(), "hidden") {
		t.Error("debug message should be filtered")
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &entry); err != nil {
		t.Fatalf("file output is not JSON: %v", err)
	}
	if entry["id"] != "q1" {
		t.Errorf("expected id attribute q1, got %v", entry["id"])
	}
}
