package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "json", false)
	log.Debug("hidden")
	log.Info("settled", "program", "daily_reward")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["program"] != "daily_reward" {
		t.Errorf("expected program attr, got %v", rec)
	}
}

func TestNew_TextVerbose(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "text", true)
	log.Debug("tick", "empty", "", "grants", 3)

	out := buf.String()
	if !strings.Contains(out, "tick") || !strings.Contains(out, "grants") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "empty") {
		t.Errorf("empty string attrs should be dropped: %q", out)
	}
}

func TestFormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 45, 123_456_789, time.FixedZone("x", 3600))
	if got := formatRFC3339Millis(ts); got != "2025-03-01T11:30:45.123Z" {
		t.Errorf("got %s", got)
	}
}
