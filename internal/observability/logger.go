package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"
	attrEnv     = "env"
	attrMode    = "mode"
	attrVersion = "version"
)

// TraceHandler decorates an [slog.Handler] with the coordinator node's
// identity and, when a span is active, the OTel correlation ids. Identity
// attributes (service, mode, env, version) are attached to the inner
// handler up front so they stay at the top level under WithGroup.
type TraceHandler struct {
	inner slog.Handler
}

// NewTraceHandler wraps inner with the node identity carried by cfg.
// Env and version are attached only when set, keeping one-shot CLI
// output free of empty fields.
func NewTraceHandler(inner slog.Handler, cfg Config) *TraceHandler {
	attrs := []slog.Attr{
		slog.String(attrService, cfg.ServiceName),
		slog.String(attrMode, string(cfg.Mode)),
	}

	if cfg.Environment != "" {
		attrs = append(attrs, slog.String(attrEnv, cfg.Environment))
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, slog.String(attrVersion, cfg.ServiceVersion))
	}

	return &TraceHandler{inner: inner.WithAttrs(attrs)}
}

// Enabled delegates to the inner handler.
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps trace_id and span_id from the active span, then
// delegates. Records without an active span pass through untouched.
func (h *TraceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	handleErr := h.inner.Handle(ctx, record)
	if handleErr != nil {
		return fmt.Errorf("emit log record: %w", handleErr)
	}

	return nil
}

// WithAttrs returns a new TraceHandler with the attributes added to the
// inner handler.
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a new TraceHandler with a group prefix on the inner
// handler.
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{inner: h.inner.WithGroup(name)}
}
