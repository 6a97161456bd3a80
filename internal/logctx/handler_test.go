package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewHandler(slog.NewJSONHandler(buf, nil)))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestHandlerAddsDownloadScope(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithDownload(context.Background(), 7, 3)
	newTestLogger(&buf).InfoContext(ctx, "chunk written", "bytes", 4096)

	entry := decode(t, &buf)
	assert.EqualValues(t, 7, entry[DownloadIDKey])
	assert.EqualValues(t, 3, entry[BatchIDKey])
	assert.EqualValues(t, 4096, entry["bytes"])
}

func TestHandlerAddsBatchScope(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithBatch(context.Background(), 3)
	newTestLogger(&buf).InfoContext(ctx, "batch paused")

	entry := decode(t, &buf)
	assert.EqualValues(t, 3, entry[BatchIDKey])
	assert.NotContains(t, entry, DownloadIDKey)
}

func TestHandlerDoesNotRepeatBoundIDs(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), newTestLogger(&buf))
	ctx = WithDownload(ctx, 7, 3)

	LoggerFromContext(ctx).InfoContext(ctx, "download finished")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"download_id"`), out)
	assert.Equal(t, 1, strings.Count(out, `"batch_id"`), out)
}

func TestHandlerScopesGroups(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), newTestLogger(&buf))
	ctx = WithDownload(ctx, 7, 3)

	LoggerFromContext(ctx).WithGroup("response").InfoContext(ctx, "headers received", "status", 200)

	entry := decode(t, &buf)
	assert.EqualValues(t, 7, entry[DownloadIDKey])

	group, ok := entry["response"].(map[string]any)
	require.True(t, ok, buf.String())
	assert.EqualValues(t, 7, group[DownloadIDKey])
	assert.EqualValues(t, 200, group["status"])
}

func TestHandlerWithoutScope(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf).InfoContext(context.Background(), "waiting for downloads...")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, DownloadIDKey)
	assert.NotContains(t, entry, BatchIDKey)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandlerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(WithDownload(context.Background(), 7, 3), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	newTestLogger(&buf).WarnContext(ctx, "download failed")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.EqualValues(t, 7, entry[DownloadIDKey])
}

func TestHandlerEnabled(t *testing.T) {
	h := NewHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestNewHandlerNil(t *testing.T) {
	assert.Panics(t, func() { NewHandler(nil) })
}
