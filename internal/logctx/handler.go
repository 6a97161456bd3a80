package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Handler wraps an slog.Handler and adds what the context knows about the
// record: the download and batch being worked on and the active span.
type Handler struct {
	inner slog.Handler

	// Set once the ids are bound through WithAttrs in the current group, so
	// records do not carry them twice.
	hasDownload bool
	hasBatch    bool
}

// NewHandler wraps h. It panics if h is nil.
func NewHandler(h slog.Handler) *Handler {
	if h == nil {
		panic("logctx: NewHandler called with nil handler")
	}

	return &Handler{inner: h}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if s, ok := ctx.Value(scopeKey).(scope); ok {
		if s.downloadID != 0 && !h.hasDownload {
			r.AddAttrs(slog.Int64(DownloadIDKey, s.downloadID))
		}

		if s.batchID != 0 && !h.hasBatch {
			r.AddAttrs(slog.Int64(BatchIDKey, s.batchID))
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)

	for _, a := range attrs {
		switch a.Key {
		case DownloadIDKey:
			next.hasDownload = true
		case BatchIDKey:
			next.hasBatch = true
		}
	}

	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)

	// Record attributes land in the new group, where no id is bound yet.
	if name != "" {
		next.hasDownload, next.hasBatch = false, false
	}

	return &next
}
