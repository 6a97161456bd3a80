// Package policy holds the host callbacks that veto or allow downloads.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// Callback decides whether the host currently allows a batch to download.
type Callback interface {
	IsAllowedToDownload(ctx context.Context, v batch.View) bool
}

// Func adapts a function to Callback.
type Func func(ctx context.Context, v batch.View) bool

func (f Func) IsAllowedToDownload(ctx context.Context, v batch.View) bool {
	return f(ctx, v)
}

// AllowAll never vetoes.
var AllowAll = Func(func(context.Context, batch.View) bool { return true })

// MaxBatchBytes vetoes batches whose known total size exceeds limit. Batches
// of unknown size are allowed.
func MaxBatchBytes(limit int64) Callback {
	return Func(func(_ context.Context, v batch.View) bool {
		return limit <= 0 || v.TotalBytes < 0 || v.TotalBytes <= limit
	})
}

// All allows a batch only when every callback does.
func All(callbacks ...Callback) Callback {
	return Func(func(ctx context.Context, v batch.View) bool {
		for _, c := range callbacks {
			if !c.IsAllowedToDownload(ctx, v) {
				return false
			}
		}

		return true
	})
}

// Webhook asks an external HTTP endpoint. A 2xx answer allows the batch; any
// other answer, or no answer, vetoes it.
type Webhook struct {
	URL       string
	client    *http.Client
	telemetry *telemetry.Telemetry
}

// NewWebhook creates a webhook policy. client may be nil.
func NewWebhook(url string, client *http.Client, tel *telemetry.Telemetry) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Webhook{URL: url, client: client, telemetry: tel}
}

type webhookRequest struct {
	BatchID      int64  `json:"batch_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Downloads    int    `json:"downloads"`
	TotalBytes   int64  `json:"total_bytes"`
	CurrentBytes int64  `json:"current_bytes"`
}

func (w *Webhook) IsAllowedToDownload(ctx context.Context, v batch.View) bool {
	logger := logctx.LoggerFromContext(ctx)

	err := w.telemetry.InstrumentClientOperation(ctx, "policy_webhook", "is_allowed", func(ctx context.Context) error {
		return w.ask(ctx, v)
	})
	if err != nil {
		logger.Debug("policy webhook vetoed batch", "batch_id", v.Batch.ID, "err", err)

		return false
	}

	return true
}

func (w *Webhook) ask(ctx context.Context, v batch.View) error {
	body, err := json.Marshal(webhookRequest{
		BatchID:      v.Batch.ID,
		Title:        v.Batch.Title,
		Status:       v.Status.String(),
		Downloads:    len(v.Downloads),
		TotalBytes:   v.TotalBytes,
		CurrentBytes: v.CurrentBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered with status %d", resp.StatusCode)
	}

	return nil
}
