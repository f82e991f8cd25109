package pipecache

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerDefaultsToSilent(t *testing.T) {
	l := Logger()
	if l == nil {
		t.Fatal("Logger() = nil")
	}
	if l.Enabled(nil, slog.LevelError) {
		t.Error("default logger has error level enabled")
	}
}

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	Logger().Info("replayed", "pipelines", 3)
	if !strings.Contains(buf.String(), "pipelines=3") {
		t.Errorf("log output %q missing the attribute", buf.String())
	}

	// nil restores the silent default.
	SetLogger(nil)
	buf.Reset()
	Logger().Error("dropped")
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote %q", buf.String())
	}
}
