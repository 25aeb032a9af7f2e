package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOptions(Options{Level: "info", JSON: true, Writer: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("stage finished", "stage", "compile", "artifacts", 3)
	log.V(1).Info("hidden at info")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "stage finished" || rec["stage"] != "compile" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestDebugEnablesVerbose(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOptions(Options{Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.V(1).Info("artifact built", "package", "django")
	if !strings.Contains(buf.String(), "artifact built") {
		t.Fatalf("debug output missing: %q", buf.String())
	}
}
