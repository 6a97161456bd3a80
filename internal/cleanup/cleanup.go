// Package cleanup removes the records and files of deleted batches and
// prunes finished batches once their retention period is over.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// Store is the part of storage.Store the cleaner needs.
type Store interface {
	ListBatches(ctx context.Context) ([]storage.Batch, error)
	ListDownloadsByBatch(ctx context.Context, batchID int64) ([]storage.Download, error)
	DeleteDownload(ctx context.Context, id int64) error
	DeleteBatch(ctx context.Context, id int64) error
}

// ImportChecker reports whether a media library has imported a file. Files
// that were not imported yet are kept past their retention period.
type ImportChecker interface {
	CheckImported(ctx context.Context, path string) (bool, error)
}

type Cleaner struct {
	store   Store
	checker ImportChecker
	keepFor time.Duration
	now     func() time.Time
}

type Option func(*Cleaner)

// WithImportChecker holds expired files back until checker reports them
// imported.
func WithImportChecker(checker ImportChecker) Option {
	return func(c *Cleaner) {
		c.checker = checker
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		c.now = now
	}
}

// New creates a cleaner. A keepFor of zero keeps finished batches forever.
func New(store Store, keepFor time.Duration, opts ...Option) *Cleaner {
	c := &Cleaner{store: store, keepFor: keepFor, now: time.Now}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run calls PurgeDeleted and DeleteExpired every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if err := c.PurgeDeleted(ctx); err != nil {
				logger.Error("failed to purge deleted downloads", "err", err)
			}

			if err := c.DeleteExpired(ctx); err != nil {
				logger.Error("failed to delete expired downloads", "err", err)
			}
		}
	}
}

// PurgeDeleted removes the files and records of deleted downloads that no
// execution owns, then every deleted batch left without downloads.
func (c *Cleaner) PurgeDeleted(ctx context.Context) error {
	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	var errs []error

	for _, b := range batches {
		downloads, err := c.store.ListDownloadsByBatch(ctx, b.ID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		remaining := 0

		for _, d := range downloads {
			if !d.Deleted && !b.Deleted {
				remaining++

				continue
			}

			if d.Status.IsSubmittedOrRunning() {
				// The owner stops at its next checkpoint.
				remaining++

				continue
			}

			if err := c.purge(ctx, d); err != nil {
				errs = append(errs, err)
				remaining++
			}
		}

		if b.Deleted && remaining == 0 {
			if err := c.store.DeleteBatch(ctx, b.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				errs = append(errs, fmt.Errorf("failed to delete batch %d: %w", b.ID, err))

				continue
			}

			logctx.LoggerFromContext(ctx).Info("purged deleted batch", "batch_id", b.ID)
		}
	}

	return errors.Join(errs...)
}

// DeleteExpired removes successful batches, files included, whose last
// change is older than the retention period.
func (c *Cleaner) DeleteExpired(ctx context.Context) error {
	if c.keepFor <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	now := c.now()

	var errs []error

	for _, b := range batches {
		if b.Deleted || !b.Status.IsSuccess() || now.Sub(b.UpdatedAt) <= c.keepFor {
			continue
		}

		downloads, err := c.store.ListDownloadsByBatch(ctx, b.ID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if !c.imported(ctx, downloads) {
			logger.Debug("keeping expired batch until it is imported", "batch_id", b.ID)

			continue
		}

		failed := false

		for _, d := range downloads {
			if err := c.purge(ctx, d); err != nil {
				errs = append(errs, err)
				failed = true
			}
		}

		if failed {
			continue
		}

		if err := c.store.DeleteBatch(ctx, b.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete batch %d: %w", b.ID, err))

			continue
		}

		logger.Info("deleted expired batch", "batch_id", b.ID, "title", b.Title)
	}

	return errors.Join(errs...)
}

func (c *Cleaner) imported(ctx context.Context, downloads []storage.Download) bool {
	if c.checker == nil {
		return true
	}

	for _, d := range downloads {
		if d.DestinationClass != storage.ClassDownloads || d.Filename == "" {
			continue
		}

		ok, err := c.checker.CheckImported(ctx, d.Filename)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to check import", "file_path", d.Filename, "err", err)

			return false
		}

		if !ok {
			return false
		}
	}

	return true
}

// purge removes the file and the record of d.
func (c *Cleaner) purge(ctx context.Context, d storage.Download) error {
	logger := logctx.LoggerFromContext(ctx)

	if d.Filename != "" {
		if err := os.Remove(d.Filename); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete file", "file", d.Filename, "err", err)

			return err
		}
	}

	if err := c.store.DeleteDownload(ctx, d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete download %d: %w", d.ID, err)
	}

	logger.Debug("purged download", "download_id", d.ID, "file", d.Filename)

	return nil
}
