package util

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBoolValue(t *testing.T) {
	if got := BoolValue(nil, true); got != true {
		t.Fatalf("BoolValue(nil, true) = %v, want true", got)
	}
	if got := BoolValue(nil, false); got != false {
		t.Fatalf("BoolValue(nil, false) = %v, want false", got)
	}
	val := true
	if got := BoolValue(&val, false); got != true {
		t.Fatalf("BoolValue(true, false) = %v, want true", got)
	}
	val = false
	if got := BoolValue(&val, true); got != false {
		t.Fatalf("BoolValue(false, true) = %v, want false", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWithJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWith(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("stage done", "stage", "jitter")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line emitted at info level: %s", out)
	}
	if !strings.Contains(out, `"stage":"jitter"`) {
		t.Fatalf("expected json attribute, got %s", out)
	}
}

func TestClampFloat(t *testing.T) {
	if got := ClampFloat(5, 0, 1); got != 1 {
		t.Fatalf("ClampFloat(5,0,1) = %v", got)
	}
	if got := ClampFloat(-1, 0, 1); got != 0 {
		t.Fatalf("ClampFloat(-1,0,1) = %v", got)
	}
	if got := ClampFloat(0.5, 0, 1); got != 0.5 {
		t.Fatalf("ClampFloat(0.5,0,1) = %v", got)
	}
}
