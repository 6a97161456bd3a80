package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

var (
	// ErrEmptyBatch is returned when an enqueue request expands to no
	// downloads.
	ErrEmptyBatch = errors.New("batch has no downloads")
	// ErrUnsupportedURI is returned for URIs no resolver handles.
	ErrUnsupportedURI = errors.New("unsupported uri")
	// ErrNoDestination is returned when neither the request nor the
	// configured destination class names a directory.
	ErrNoDestination = errors.New("no destination directory")
	// ErrBatchFinished is returned when a control operation targets a
	// batch that can no longer change.
	ErrBatchFinished = errors.New("batch already finished")
)

// Request describes a batch to enqueue.
type Request struct {
	Title       string
	Description string
	Visibility  storage.Visibility
	Downloads   []DownloadRequest
}

// DownloadRequest describes one entry of a Request. A collection URI, such
// as a put.io folder, becomes one download per file.
type DownloadRequest struct {
	URI          string
	Destination  string
	Class        storage.DestinationClass
	Headers      []storage.Header
	MimeType     string
	NoIntegrity  bool
	AlwaysResume bool
	AllowRoaming bool
	AllowMetered bool
}

// Enqueue stores a new batch and wakes the loop. It returns the batch id.
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) (int64, error) {
	var downloads []storage.Download

	for _, dr := range req.Downloads {
		if !o.sources.Supports(dr.URI) {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedURI, dr.URI)
		}

		dest, class, err := o.destination(dr)
		if err != nil {
			return 0, err
		}

		uris, err := o.sources.Expand(ctx, dr.URI)
		if err != nil {
			return 0, fmt.Errorf("failed to expand %q: %w", dr.URI, err)
		}

		for _, uri := range uris {
			downloads = append(downloads, storage.Download{
				URI:              uri,
				Destination:      dest,
				DestinationClass: class,
				MimeType:         dr.MimeType,
				NoIntegrity:      dr.NoIntegrity,
				AlwaysResume:     dr.AlwaysResume,
				Headers:          dr.Headers,
				AllowRoaming:     dr.AllowRoaming,
				AllowMetered:     dr.AllowMetered,
			})
		}
	}

	if len(downloads) == 0 {
		return 0, ErrEmptyBatch
	}

	id, err := o.store.CreateBatch(ctx, storage.Batch{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
	}, downloads)
	if err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("batch enqueued", "batch_id", id, "title", req.Title, "downloads", len(downloads))

	o.Wake()

	return id, nil
}

func (o *Orchestrator) destination(dr DownloadRequest) (string, storage.DestinationClass, error) {
	class := dr.Class
	if class == "" {
		class = storage.ClassDownloads
	}

	if dr.Destination != "" {
		return dr.Destination, class, nil
	}

	dir, ok := o.cfg.Destinations[class]
	if !ok || dir == "" {
		return "", "", fmt.Errorf("%w for class %q", ErrNoDestination, class)
	}

	return dir, class, nil
}

// Batches returns a view of every batch, deleted ones included.
func (o *Orchestrator) Batches(ctx context.Context) ([]batch.View, error) {
	return o.loadViews(ctx)
}

// Batch returns a view of one batch.
func (o *Orchestrator) Batch(ctx context.Context, id int64) (batch.View, error) {
	return o.view(ctx, id)
}

func (o *Orchestrator) loadViews(ctx context.Context) ([]batch.View, error) {
	batches, err := o.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	downloads, err := o.store.ListDownloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	members := make(map[int64][]storage.Download, len(batches))
	for _, d := range downloads {
		members[d.BatchID] = append(members[d.BatchID], d)
	}

	views := make([]batch.View, 0, len(batches))
	for _, b := range batches {
		views = append(views, batch.NewView(b, members[b.ID]))
	}

	return views, nil
}

// Pause stops a batch. A running member is asked to pause and stops at its
// next checkpoint; the others are paused right away.
func (o *Orchestrator) Pause(ctx context.Context, batchID int64) error {
	v, err := o.controllable(ctx, batchID)
	if err != nil {
		return err
	}

	for _, d := range v.Downloads {
		u := storage.DownloadUpdate{Control: storage.Set(storage.ControlPaused)}

		switch {
		case d.Status.IsCompleted():
		case d.Status.IsSubmittedOrRunning():
			u.Status = storage.Set(status.Pausing)
		default:
			u.Status = storage.Set(status.PausedByApp)
		}

		if err := o.store.UpdateDownload(ctx, d.ID, u); err != nil {
			return fmt.Errorf("failed to pause download %d: %w", d.ID, err)
		}
	}

	return o.refresh(ctx, batchID)
}

// Resume lets a paused batch run again. Members held by a host restriction
// or a storage condition are retried as well, resuming being the external
// trigger they wait for.
func (o *Orchestrator) Resume(ctx context.Context, batchID int64) error {
	v, err := o.controllable(ctx, batchID)
	if err != nil {
		return err
	}

	for _, d := range v.Downloads {
		u := storage.DownloadUpdate{Control: storage.Set(storage.ControlRun)}

		if d.Status.IsPaused() || d.Status.IsEnvironmental() || d.Status.IsRestricted() {
			u.Status = storage.Set(status.Pending)
		}

		if err := o.store.UpdateDownload(ctx, d.ID, u); err != nil {
			return fmt.Errorf("failed to resume download %d: %w", d.ID, err)
		}
	}

	return o.refresh(ctx, batchID)
}

// Cancel cancels a batch and every unfinished member. Partial files of
// members that are not running are removed here; a running member removes
// its own at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, batchID int64) error {
	v, err := o.controllable(ctx, batchID)
	if err != nil {
		return err
	}

	if err := o.store.UpdateBatchStatus(ctx, batchID, status.Canceled); err != nil {
		return fmt.Errorf("failed to cancel batch: %w", err)
	}

	for _, d := range v.Downloads {
		if d.Status.IsCompleted() {
			continue
		}

		u := storage.DownloadUpdate{Status: storage.Set(status.Canceled)}

		if !d.Status.IsSubmittedOrRunning() && d.Filename != "" {
			removePartial(ctx, d.Filename)

			u.Filename = storage.Set("")
			u.CurrentBytes = storage.Set(int64(0))
		}

		if err := o.store.UpdateDownload(ctx, d.ID, u); err != nil {
			return fmt.Errorf("failed to cancel download %d: %w", d.ID, err)
		}
	}

	logctx.LoggerFromContext(ctx).Info("batch canceled", "batch_id", batchID)
	o.Wake()

	return nil
}

// Delete marks a batch and its members deleted. Records and files are
// removed by the cleanup once nothing runs. A running member keeps its status
// until it sees the flag at its next checkpoint. Deleting twice is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, batchID int64) error {
	v, err := o.view(ctx, batchID)
	if err != nil {
		return err
	}

	if v.Batch.Deleted {
		return nil
	}

	if err := o.store.MarkBatchDeleted(ctx, batchID); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	for _, d := range v.Downloads {
		u := storage.DownloadUpdate{Deleted: storage.Set(true)}

		if !d.Status.IsSubmittedOrRunning() {
			u.Status = storage.Set(status.Deleting)
		}

		if err := o.store.UpdateDownload(ctx, d.ID, u); err != nil {
			return fmt.Errorf("failed to delete download %d: %w", d.ID, err)
		}
	}

	logctx.LoggerFromContext(ctx).Info("batch deleted", "batch_id", batchID)
	o.Wake()

	return nil
}

// AllowOversize lets every member of a batch exceed the recommended mobile
// download size.
func (o *Orchestrator) AllowOversize(ctx context.Context, batchID int64) error {
	if _, err := o.controllable(ctx, batchID); err != nil {
		return err
	}

	err := o.store.UpdateDownloadsByBatch(ctx, batchID, storage.DownloadUpdate{BypassSizeLimit: storage.Set(true)})
	if err != nil {
		return fmt.Errorf("failed to allow oversize downloads: %w", err)
	}

	o.Wake()

	return nil
}

// controllable loads a batch that host controls may still change.
func (o *Orchestrator) controllable(ctx context.Context, batchID int64) (batch.View, error) {
	v, err := o.view(ctx, batchID)
	if err != nil {
		return batch.View{}, err
	}

	if v.Batch.Deleted || v.Status.IsCancelled() {
		return batch.View{}, fmt.Errorf("%w: batch %d is %s", ErrBatchFinished, batchID, v.Status)
	}

	return v, nil
}

// refresh persists the derived status of a batch after a host change and
// wakes the loop.
func (o *Orchestrator) refresh(ctx context.Context, batchID int64) error {
	v, err := o.view(ctx, batchID)
	if err != nil {
		return err
	}

	o.persistBatchStatus(ctx, v)
	o.Wake()

	return nil
}

func removePartial(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove partial file", "file_path", path, "err", err)
	}
}
