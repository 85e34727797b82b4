package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger_WritesSystemLog(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, closer, err := NewLogger(dir, "debug", &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Debug("task started", "task_id", "task-1", "droid_id", "coder")

	raw, err := os.ReadFile(filepath.Join(dir, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entries := readEntries(t, raw)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "service", "task_id", "droid_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["service"] != "droidrunner" {
		t.Errorf("service = %#v", entry["service"])
	}
	if console.Len() == 0 {
		t.Error("console writer received nothing")
	}
}

func TestNewLogger_FileOnly(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "warn", nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("filtered out")
	logger.Warn("kept")

	raw, err := os.ReadFile(filepath.Join(dir, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entries := readEntries(t, raw)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Errorf("entries = %v", entries)
	}
}

func TestNewHandler_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))
	logger.Info("env", "FACTORY_API_KEY", "sk-123", "auth_token", "abc", "task_id", "t1")

	entry := readEntries(t, buf.Bytes())[0]
	for _, key := range []string{"FACTORY_API_KEY", "auth_token"} {
		if entry[key] != "[REDACTED]" {
			t.Errorf("%s = %#v, want redacted", key, entry[key])
		}
	}
	if entry["task_id"] != "t1" {
		t.Errorf("task_id = %#v", entry["task_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
