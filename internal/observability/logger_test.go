package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/crunchkit/coordinator/internal/observability"
)

func TestTraceHandler_InjectsTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := observability.NewTraceHandler(inner, observability.Config{
		ServiceName: "test-svc",
		Environment: "test",
		Mode:        observability.ModeServe,
	})
	logger := slog.New(handler)

	// Create a span context with known trace and span IDs.
	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "test message")

	var record map[string]any

	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", record["trace_id"])
	assert.Equal(t, "0102030405060708", record["span_id"])
	assert.Equal(t, "test-svc", record["service"])
	assert.Equal(t, "test", record["env"])
	assert.Equal(t, "serve", record["mode"])
}

func TestTraceHandler_NoTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := observability.NewTraceHandler(inner, observability.Config{
		ServiceName: "coordinator",
		Mode:        observability.ModeCLI,
	})
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "no span")

	var record map[string]any

	err := json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	// No trace_id or span_id should be present without active span.
	_, hasTraceID := record["trace_id"]
	assert.False(t, hasTraceID)

	// Service and mode should still be present; unset env and version
	// are omitted entirely.
	assert.Equal(t, "coordinator", record["service"])
	assert.Equal(t, "cli", record["mode"])

	_, hasEnv := record["env"]
	assert.False(t, hasEnv)

	_, hasVersion := record["version"]
	assert.False(t, hasVersion)
}

func TestTraceHandler_VersionAttribute(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := observability.NewTraceHandler(inner, observability.Config{
		ServiceName:    "coordinator",
		ServiceVersion: "1.4.0",
		Mode:           observability.ModeServe,
	})
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "starting")

	var record map[string]any

	err := json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, "1.4.0", record["version"])
}

func TestTraceHandler_WithGroupKeepsIdentityAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := observability.NewTraceHandler(inner, observability.Config{
		ServiceName: "coordinator",
		Environment: "dev",
		Mode:        observability.ModeServe,
	})
	logger := slog.New(handler).WithGroup("cycle").With("id", "CYC_1")

	logger.InfoContext(context.Background(), "committed")

	var record map[string]any

	err := json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	// Pre-attached identity attrs stay at the top level.
	assert.Equal(t, "coordinator", record["service"])

	group, ok := record["cycle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CYC_1", group["id"])
}
