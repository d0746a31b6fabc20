package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Correlation carries the identifiers that tie a log record to a run.
// Zero-value fields are omitted from output.
type Correlation struct {
	ExecutionID string
	StepID      string
	Agent       string
}

type ctxKey struct{}

// WithCorrelation attaches correlation identifiers to the context. Fields
// left empty inherit whatever an enclosing scope already set.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	if prev, ok := ctx.Value(ctxKey{}).(Correlation); ok {
		if c.ExecutionID == "" {
			c.ExecutionID = prev.ExecutionID
		}
		if c.StepID == "" {
			c.StepID = prev.StepID
		}
		if c.Agent == "" {
			c.Agent = prev.Agent
		}
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// CorrelationFrom returns the identifiers attached to the context, zero when
// none were set.
func CorrelationFrom(ctx context.Context) Correlation {
	c, _ := ctx.Value(ctxKey{}).(Correlation)
	return c
}

func (c Correlation) attrs() []slog.Attr {
	var attrs []slog.Attr
	if c.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", c.ExecutionID))
	}
	if c.StepID != "" {
		attrs = append(attrs, slog.String("step_id", c.StepID))
	}
	if c.Agent != "" {
		attrs = append(attrs, slog.String("agent", c.Agent))
	}
	return attrs
}

// CorrelationHandler injects the context's correlation identifiers into every
// record, so call sites can use logger.InfoContext(ctx, ...) without
// repeating the IDs.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := CorrelationFrom(ctx).attrs(); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// NewLogger builds the process logger. format is "json" or "text", level one
// of debug/info/warn/error. Unknown values fall back to text at info.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
