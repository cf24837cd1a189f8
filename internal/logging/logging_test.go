package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, _, err := New(Options{Level: tt.level, Output: new(bytes.Buffer)})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			if logger.GetLevel() != tt.want {
				t.Errorf("level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}

	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.WithField("component", "attendance").Info("attendance marked")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "attendance marked" || entry["component"] != "attendance" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestLogFileMirrorsOutput(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "rollcall.log")
	logger, closer, err := New(Options{File: path, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("ledger malformed, recreating")
	closer.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "ledger malformed") || !strings.Contains(buf.String(), "ledger malformed") {
		t.Errorf("expected message in both sinks, file=%q out=%q", content, buf.String())
	}
}
