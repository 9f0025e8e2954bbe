package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesKeyValueLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	l.Info("ocr done", "provider", "openai", "chars", 42)

	got := strings.TrimSpace(buf.String())
	want := "2025-03-01T12:00:00Z [INFO] ocr done provider=openai chars=42"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	ring := NewRing(10)
	l := New(nil, ring)

	l.Debug("hidden")
	l.Info("shown")
	l.SetLevel(LevelError)
	l.Warn("hidden too")
	l.Error("failed", errors.New("boom"), "op", "parse")

	entries := ring.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != LevelError || !strings.Contains(entries[0].Fields, "err=boom") {
		t.Errorf("unexpected newest entry: %+v", entries[0])
	}
	if entries[1].Message != "shown" {
		t.Errorf("unexpected oldest entry: %+v", entries[1])
	}
}

func TestRingNewestFirstAndBounded(t *testing.T) {
	ring := NewRing(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		ring.Write(Entry{Message: msg})
	}

	entries := ring.Entries()
	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	if strings.Join(got, ",") != "e,d,c" {
		t.Errorf("got %v, want [e d c]", got)
	}

	ring.Clear()
	if ring.Len() != 0 {
		t.Errorf("expected empty ring after Clear, got %d", ring.Len())
	}
}

func TestNilLoggerUsesDefault(t *testing.T) {
	var l *Logger
	// Must not panic.
	l.Debug("nil logger")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
