package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("hello", "thread_id", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["component"] != "webcli" {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("no timestamp key")
	}
}

func TestCredentialKeysRedacted(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("login", "access_token", "super-secret-value", "email", "u@example.com")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "super-secret-value") {
		t.Fatal("token value leaked into the log")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("no redaction marker present")
	}
	if !strings.Contains(string(data), "u@example.com") {
		t.Fatal("non-sensitive attribute was dropped")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
