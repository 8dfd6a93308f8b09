package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildLevels(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "WARN", "json")

	l.Info("should be dropped")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Fatalf("INFO record logged at WARN level: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("WARN record missing: %s", out)
	}
}

func TestBuildInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "bogus", "json")

	l.Debug("dropped")
	l.Info("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("DEBUG record logged at default level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("INFO record missing")
	}
}

func TestBuildJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "INFO", "json")

	l.With("component", "dispatch").Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["component"] != "dispatch" {
		t.Fatalf("missing component field: %v", rec)
	}
}

func TestBuildTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := build(&buf, "INFO", "text")

	l.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text handler output, got: %s", buf.String())
	}
}
