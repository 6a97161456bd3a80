// Package notifier delivers batch lifecycle events to users.
package notifier

import (
	"context"
	"errors"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
)

// Sink receives batch lifecycle events. Implementations must not block the
// caller for long; delivery failures are theirs to handle.
type Sink interface {
	OnBatchStarted(ctx context.Context, v batch.View)
	OnBatchFailed(ctx context.Context, v batch.View)
	OnBatchCompleted(ctx context.Context, v batch.View)
	OnProgress(ctx context.Context, p Progress)
}

// Progress is a progress sample of one running download.
type Progress struct {
	BatchID      int64
	DownloadID   int64
	CurrentBytes int64
	TotalBytes   int64
	// BytesPerSecond is a rolling average.
	BytesPerSecond float64
}

// Notifier sends a plain text message somewhere.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// Log is a sink writing events to the context logger.
type Log struct{}

func (Log) OnBatchStarted(ctx context.Context, v batch.View) {
	logctx.LoggerFromContext(ctx).Info("batch started", "batch_id", v.Batch.ID, "title", v.Batch.Title, "downloads", len(v.Downloads))
}

func (Log) OnBatchFailed(ctx context.Context, v batch.View) {
	logctx.LoggerFromContext(ctx).Warn("batch failed", "batch_id", v.Batch.ID, "title", v.Batch.Title, "status", v.Status.String())
}

func (Log) OnBatchCompleted(ctx context.Context, v batch.View) {
	logctx.LoggerFromContext(ctx).Info("batch completed", "batch_id", v.Batch.ID, "title", v.Batch.Title, "bytes", v.CurrentBytes)
}

func (Log) OnProgress(ctx context.Context, p Progress) {
	logctx.LoggerFromContext(ctx).Debug("download progress",
		"download_id", p.DownloadID,
		"current_bytes", p.CurrentBytes,
		"total_bytes", p.TotalBytes,
		"bytes_per_second", int64(p.BytesPerSecond),
	)
}

// Messages turns batch events into text messages for a Notifier. Progress is
// not forwarded.
type Messages struct {
	Notifier Notifier
}

func (m Messages) OnBatchStarted(ctx context.Context, v batch.View) {
	m.send(ctx, "⬇️ Download started for batch: "+title(v))
}

func (m Messages) OnBatchFailed(ctx context.Context, v batch.View) {
	m.send(ctx, "❌ Download failed for batch: "+title(v)+" ("+v.Status.String()+")")
}

func (m Messages) OnBatchCompleted(ctx context.Context, v batch.View) {
	m.send(ctx, "✅ Download finished for batch: "+title(v))
}

func (Messages) OnProgress(context.Context, Progress) {}

func (m Messages) send(ctx context.Context, content string) {
	if err := m.Notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

func title(v batch.View) string {
	if v.Batch.Title != "" {
		return v.Batch.Title
	}

	if len(v.Downloads) > 0 {
		return v.Downloads[0].URI
	}

	return "untitled"
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) OnBatchStarted(ctx context.Context, v batch.View) {
	for _, s := range m {
		s.OnBatchStarted(ctx, v)
	}
}

func (m Multi) OnBatchFailed(ctx context.Context, v batch.View) {
	for _, s := range m {
		s.OnBatchFailed(ctx, v)
	}
}

func (m Multi) OnBatchCompleted(ctx context.Context, v batch.View) {
	for _, s := range m {
		s.OnBatchCompleted(ctx, v)
	}
}

func (m Multi) OnProgress(ctx context.Context, p Progress) {
	for _, s := range m {
		s.OnProgress(ctx, p)
	}
}

// ErrNoWebhook is returned when a webhook notifier has no URL.
var ErrNoWebhook = errors.New("webhook URL is not set")
