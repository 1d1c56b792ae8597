// Package monitor provides the gateway's structured logging setup: a
// slog.Handler that renders "[time] [level] [request-id] msg key=val"
// lines, with the request id threaded through context.Context.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// requestIDKey is the context key handlers use to attach a per-request
// id so every log line emitted while handling a request can be
// correlated.
type requestIDKey struct{}

// WithRequestID returns a context carrying id for CustomHandler to log.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// CustomHandler implements slog.Handler to provide "[time] [level]
// [request-id] msg key=val…" formatted output.
type CustomHandler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

// NewCustomHandler builds a CustomHandler writing to w at the given options.
func NewCustomHandler(w io.Writer, opts slog.HandlerOptions) *CustomHandler {
	return &CustomHandler{
		w:    w,
		opts: opts,
	}
}

func (h *CustomHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *CustomHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	requestID := ""
	if ctx != nil {
		if val, ok := ctx.Value(requestIDKey{}).(string); ok {
			requestID = val
		}
	}

	fmt.Fprintf(buf, "[%s] [%s]",
		r.Time.Format("2006-01-02 15:04:05"),
		r.Level,
	)
	if requestID != "" {
		fmt.Fprintf(buf, " [%s]", requestID)
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})

	buf.WriteString("\n")
	h.w.Write(buf.Bytes())
	return nil
}

func (h *CustomHandler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CustomHandler{
		w:     h.w,
		opts:  h.opts,
		attrs: append(h.attrs, attrs...),
	}
}

func (h *CustomHandler) WithGroup(name string) slog.Handler {
	// Grouping not supported by this simple line format.
	return h
}

// SetupSlog installs a CustomHandler as the global slog default, writing
// to stderr at the level named by levelStr ("debug"/"info"/"warn"/"error",
// default "info"). If logFilePath is non-empty, output is additionally
// written to that file (opened append-only, created if absent).
func SetupSlog(levelStr, logFilePath string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	w := io.Writer(os.Stderr)
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("monitor: failed to open log file %q: %w", logFilePath, err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	handler := NewCustomHandler(w, slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}
