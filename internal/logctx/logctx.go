package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	scopeKey  contextKey = "scope"
)

// Attribute keys for the work a log record belongs to.
const (
	DownloadIDKey = "download_id"
	BatchIDKey    = "batch_id"
)

type scope struct {
	downloadID int64
	batchID    int64
}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithDownload scopes ctx to a download: its logger carries the download and
// batch ids, and so does any record a Handler sees with ctx.
func WithDownload(ctx context.Context, downloadID, batchID int64) context.Context {
	ctx = context.WithValue(ctx, scopeKey, scope{downloadID: downloadID, batchID: batchID})

	return WithLogger(ctx, LoggerFromContext(ctx).With(DownloadIDKey, downloadID, BatchIDKey, batchID))
}

// WithBatch scopes ctx to a batch.
func WithBatch(ctx context.Context, batchID int64) context.Context {
	ctx = context.WithValue(ctx, scopeKey, scope{batchID: batchID})

	return WithLogger(ctx, LoggerFromContext(ctx).With(BatchIDKey, batchID))
}
