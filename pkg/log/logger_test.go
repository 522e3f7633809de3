package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"info":  InfoLevel,
		"WARN":  WarnLevel,
		"error": ErrorLevel,
		"":      InfoLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if in != "" && err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %v want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithOutput(&buf))
	l.Info("quiet")
	l.Warn("loud", Str("k", "v"))
	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info should be suppressed at warn level: %q", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "k=v") {
		t.Fatalf("missing warn entry or field: %q", out)
	}
}

func TestWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithOutput(&buf)).With(Component("wal"), Uint32("partition", 3))
	l.Info("segment sealed")
	out := buf.String()
	if !strings.Contains(out, "component=wal") || !strings.Contains(out, "partition=3") {
		t.Fatalf("bound fields missing: %q", out)
	}
}
