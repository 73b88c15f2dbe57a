package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONOutputIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	logger.WithField("batch_id", "b-1").Info("config settled", map[string]interface{}{"config_id": "c-1"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "config settled" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["batch_id"] != "b-1" || entry["config_id"] != "c-1" {
		t.Errorf("missing fields in %v", entry)
	}
	if entry["level"] != "info" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "genbatch", "serve", INFO, true)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "genbatch", "serve.log"))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), "Logger initialized") {
		t.Errorf("log file missing init line: %q", data)
	}
}
