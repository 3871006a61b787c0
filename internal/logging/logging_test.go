package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "info", Format: "text"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("handshake complete", KeySessionID, 42)

	out := buf.String()
	if !strings.Contains(out, "handshake complete") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "session_id=42") {
		t.Errorf("output missing attribute: %q", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Debug("reauth cycle", KeyCycles, 3)

	out := buf.String()
	if !strings.Contains(out, `"msg":"reauth cycle"`) {
		t.Errorf("JSON output missing message: %q", out)
	}
	if !strings.Contains(out, `"cycles":3`) {
		t.Errorf("JSON output missing attribute: %q", out)
	}
}

func TestNewDefaults(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{})
	if err != nil {
		t.Fatalf("New() with zero options error = %v", err)
	}

	log.Debug("should be dropped")
	log.Info("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Errorf("debug record leaked through default info level: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("info record missing: %q", out)
	}
}

func TestNewLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("should be dropped")
	log.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Errorf("info record leaked through warn filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Error("New() accepted an unknown level")
	}
	if _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Error("New() accepted an unknown format")
	}
}

func TestDurationsRenderAsMilliseconds(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("reauth armed", KeyTimeout, 10*time.Second)

	out := buf.String()
	if !strings.Contains(out, `"timeout_ms":10000`) {
		t.Errorf("duration not rendered in milliseconds: %q", out)
	}
}

func TestAddSource(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{AddSource: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("located")
	if !strings.Contains(buf.String(), "logging_test.go") {
		t.Errorf("record missing source location: %q", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	// Must not panic and must accept records.
	log.Info("discarded", KeyError, "none")
}
