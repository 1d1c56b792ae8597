package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestCustomHandler_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCustomHandler(&buf, slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	ctx := WithRequestID(context.Background(), "req-123")
	logger.InfoContext(ctx, "handling request", "path", "/v1/messages")

	out := buf.String()
	if !strings.Contains(out, "[req-123]") {
		t.Fatalf("log line missing request id: %q", out)
	}
	if !strings.Contains(out, `path="/v1/messages"`) {
		t.Fatalf("log line missing attr: %q", out)
	}
}

func TestCustomHandler_OmitsBracketsWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCustomHandler(&buf, slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	logger.Info("startup")

	out := buf.String()
	if strings.Count(out, "[") != 2 {
		t.Fatalf("expected exactly time+level brackets, got: %q", out)
	}
}

func TestCustomHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCustomHandler(&buf, slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(handler)

	logger.Info("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("info line should have been filtered at warn level, got: %q", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatalf("warn line should have been emitted")
	}
}

func TestSetupSlog_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/gateway.log"

	if err := SetupSlog("debug", path); err != nil {
		t.Fatalf("SetupSlog: %v", err)
	}
	slog.Info("a log line")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "a log line") {
		t.Fatalf("log file missing expected content: %q", string(data))
	}
}
