package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Correlation{}, CorrelationFrom(ctx))

	ctx = WithCorrelation(ctx, Correlation{ExecutionID: "exec-1"})
	ctx = WithCorrelation(ctx, Correlation{StepID: "analyze", Agent: "analyst"})

	got := CorrelationFrom(ctx)
	assert.Equal(t, "exec-1", got.ExecutionID, "inner scope inherits the execution id")
	assert.Equal(t, "analyze", got.StepID)
	assert.Equal(t, "analyst", got.Agent)
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := WithCorrelation(context.Background(), Correlation{ExecutionID: "exec-9", StepID: "gate"})
	logger.InfoContext(ctx, "step started")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "step_id=gate")
	assert.NotContains(t, out, "agent=")
}

func TestCorrelationHandlerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.InfoContext(context.Background(), "boot")
	assert.NotContains(t, buf.String(), "execution_id")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	jsonLogger := NewLogger(&buf, "json", "debug")
	jsonLogger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	textLogger := NewLogger(&buf, "text", "warn")
	textLogger.Info("suppressed")
	assert.Empty(t, buf.String())
	textLogger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
