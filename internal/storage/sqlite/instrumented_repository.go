package sqlite

import (
	"context"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// InstrumentedStore wraps a storage.Store with telemetry.
type InstrumentedStore struct {
	store     storage.Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store storage.Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

func instrumented[T any](ctx context.Context, tel *telemetry.Telemetry, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})

	return result, err
}

// GetDownload retrieves a download with telemetry.
func (r *InstrumentedStore) GetDownload(ctx context.Context, id int64) (storage.Download, error) {
	return instrumented(ctx, r.telemetry, "get_download", func(ctx context.Context) (storage.Download, error) {
		return r.store.GetDownload(ctx, id)
	})
}

// GetControlStatus retrieves the control status of a download with telemetry.
func (r *InstrumentedStore) GetControlStatus(ctx context.Context, id int64) (storage.ControlStatus, error) {
	return instrumented(ctx, r.telemetry, "get_control_status", func(ctx context.Context) (storage.ControlStatus, error) {
		return r.store.GetControlStatus(ctx, id)
	})
}

// ListDownloads retrieves all downloads with telemetry.
func (r *InstrumentedStore) ListDownloads(ctx context.Context) ([]storage.Download, error) {
	return instrumented(ctx, r.telemetry, "list_downloads", r.store.ListDownloads)
}

// ListDownloadsByBatch retrieves the members of a batch with telemetry.
func (r *InstrumentedStore) ListDownloadsByBatch(ctx context.Context, batchID int64) ([]storage.Download, error) {
	return instrumented(ctx, r.telemetry, "list_downloads_by_batch", func(ctx context.Context) ([]storage.Download, error) {
		return r.store.ListDownloadsByBatch(ctx, batchID)
	})
}

// UpdateDownload updates a download with telemetry.
func (r *InstrumentedStore) UpdateDownload(ctx context.Context, id int64, u storage.DownloadUpdate) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.store.UpdateDownload(ctx, id, u)
	})
}

// UpdateDownloadsByBatch updates the members of a batch with telemetry.
func (r *InstrumentedStore) UpdateDownloadsByBatch(ctx context.Context, batchID int64, u storage.DownloadUpdate) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_downloads_by_batch", func(ctx context.Context) error {
		return r.store.UpdateDownloadsByBatch(ctx, batchID, u)
	})
}

// ClaimDownload claims a download with telemetry.
func (r *InstrumentedStore) ClaimDownload(ctx context.Context, id int64, owner string) (bool, error) {
	return instrumented(ctx, r.telemetry, "claim_download", func(ctx context.Context) (bool, error) {
		return r.store.ClaimDownload(ctx, id, owner)
	})
}

// ReleaseInterrupted releases interrupted downloads with telemetry.
func (r *InstrumentedStore) ReleaseInterrupted(ctx context.Context) (int64, error) {
	return instrumented(ctx, r.telemetry, "release_interrupted", r.store.ReleaseInterrupted)
}

// DeleteDownload removes a download with telemetry.
func (r *InstrumentedStore) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.store.DeleteDownload(ctx, id)
	})
}

// CreateBatch creates a batch with telemetry.
func (r *InstrumentedStore) CreateBatch(ctx context.Context, b storage.Batch, downloads []storage.Download) (int64, error) {
	return instrumented(ctx, r.telemetry, "create_batch", func(ctx context.Context) (int64, error) {
		return r.store.CreateBatch(ctx, b, downloads)
	})
}

// GetBatch retrieves a batch with telemetry.
func (r *InstrumentedStore) GetBatch(ctx context.Context, id int64) (storage.Batch, error) {
	return instrumented(ctx, r.telemetry, "get_batch", func(ctx context.Context) (storage.Batch, error) {
		return r.store.GetBatch(ctx, id)
	})
}

// ListBatches retrieves all batches with telemetry.
func (r *InstrumentedStore) ListBatches(ctx context.Context) ([]storage.Batch, error) {
	return instrumented(ctx, r.telemetry, "list_batches", r.store.ListBatches)
}

// UpdateBatchStatus updates a batch status with telemetry.
func (r *InstrumentedStore) UpdateBatchStatus(ctx context.Context, id int64, s status.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_batch_status", func(ctx context.Context) error {
		return r.store.UpdateBatchStatus(ctx, id, s)
	})
}

// MarkBatchStarted marks a batch started with telemetry.
func (r *InstrumentedStore) MarkBatchStarted(ctx context.Context, id int64) (bool, error) {
	return instrumented(ctx, r.telemetry, "mark_batch_started", func(ctx context.Context) (bool, error) {
		return r.store.MarkBatchStarted(ctx, id)
	})
}

// MarkBatchDeleted marks a batch deleted with telemetry.
func (r *InstrumentedStore) MarkBatchDeleted(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_batch_deleted", func(ctx context.Context) error {
		return r.store.MarkBatchDeleted(ctx, id)
	})
}

// DeleteBatch removes a batch with telemetry.
func (r *InstrumentedStore) DeleteBatch(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_batch", func(ctx context.Context) error {
		return r.store.DeleteBatch(ctx, id)
	})
}
