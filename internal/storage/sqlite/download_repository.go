package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/batch_downloader/internal/storage"
)

const downloadColumns = `id, batch_id, uri, destination, destination_class, filename, mime_type, etag,
	no_integrity, always_resume, total_bytes, current_bytes, status, failure_count, last_modified,
	retry_after_ms, control, deleted, headers, allow_roaming, allow_metered, bypass_size_limit,
	error_message, scan_state, locked_by, created_at`

// Store implements storage.Store on top of SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a Store using dbConn. now stamps created/updated columns;
// nil means time.Now.
func NewStore(dbConn *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	return &Store{db: dbConn, now: now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (storage.Download, error) {
	var (
		d            storage.Download
		class        string
		lastModified int64
		retryAfterMs int64
		headers      string
		createdAt    int64
	)

	err := row.Scan(
		&d.ID, &d.BatchID, &d.URI, &d.Destination, &class, &d.Filename, &d.MimeType, &d.ETag,
		&d.NoIntegrity, &d.AlwaysResume, &d.TotalBytes, &d.CurrentBytes, &d.Status, &d.FailureCount, &lastModified,
		&retryAfterMs, &d.Control, &d.Deleted, &headers, &d.AllowRoaming, &d.AllowMetered, &d.BypassSizeLimit,
		&d.ErrorMessage, &d.ScanState, &d.LockedBy, &createdAt,
	)
	if err != nil {
		return storage.Download{}, err
	}

	d.DestinationClass = storage.DestinationClass(class)
	d.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond
	d.CreatedAt = time.UnixMilli(createdAt)

	if lastModified > 0 {
		d.LastModified = time.UnixMilli(lastModified)
	}

	if err := json.Unmarshal([]byte(headers), &d.Headers); err != nil {
		return storage.Download{}, fmt.Errorf("failed to decode headers of download %d: %w", d.ID, err)
	}

	return d, nil
}

// GetDownload returns the download with the given id.
func (s *Store) GetDownload(ctx context.Context, id int64) (storage.Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Download{}, storage.ErrNotFound
	}

	return d, err
}

// GetControlStatus reads only the fields an execution polls while streaming.
func (s *Store) GetControlStatus(ctx context.Context, id int64) (storage.ControlStatus, error) {
	var cs storage.ControlStatus

	err := s.db.QueryRowContext(ctx, `SELECT control, status, deleted FROM downloads WHERE id = ?`, id).
		Scan(&cs.Control, &cs.Status, &cs.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ControlStatus{}, storage.ErrNotFound
	}

	return cs, err
}

// ListDownloads returns every download ordered by batch and id.
func (s *Store) ListDownloads(ctx context.Context) ([]storage.Download, error) {
	return s.queryDownloads(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY batch_id, id`)
}

// ListDownloadsByBatch returns the members of a batch ordered by id.
func (s *Store) ListDownloadsByBatch(ctx context.Context, batchID int64) ([]storage.Download, error) {
	return s.queryDownloads(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE batch_id = ? ORDER BY id`, batchID)
}

func (s *Store) queryDownloads(ctx context.Context, query string, args ...any) ([]storage.Download, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, d)
	}

	return downloads, rows.Err()
}
