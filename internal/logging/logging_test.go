package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)
	logger.Info("candidate elected", KeyKind, "direct")

	out := buf.String()
	if !strings.Contains(out, "candidate elected") || !strings.Contains(out, "kind=direct") {
		t.Errorf("text output = %s", out)
	}

	buf.Reset()
	logger = NewLoggerWithWriter("info", "json", &buf)
	logger.Info("candidate elected", KeyKind, "direct")

	out = buf.String()
	if !strings.Contains(out, `"msg":"candidate elected"`) || !strings.Contains(out, `"kind":"direct"`) {
		t.Errorf("json output = %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelWarn, true},
		{"warn", slog.LevelInfo, false},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
		{"bogus", slog.LevelInfo, true}, // unknown level defaults to info
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)
		logger.Log(nil, tc.logLevel, "probe")

		if got := buf.Len() > 0; got != tc.shouldAppear {
			t.Errorf("level %v at config %q: appeared=%v, want %v",
				tc.logLevel, tc.configLevel, got, tc.shouldAppear)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	logger.Info("discarded")
	logger.Error("also discarded")
}
