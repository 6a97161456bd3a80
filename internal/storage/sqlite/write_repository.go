package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// UpdateDownload applies the non-nil fields of u to the download.
func (s *Store) UpdateDownload(ctx context.Context, id int64, u storage.DownloadUpdate) error {
	set, args := updateClauses(u)
	if len(set) == 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET `+strings.Join(set, ", ")+` WHERE id = ?`,
		append(args, id)...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// UpdateDownloadsByBatch applies u to every member of a batch.
func (s *Store) UpdateDownloadsByBatch(ctx context.Context, batchID int64, u storage.DownloadUpdate) error {
	set, args := updateClauses(u)
	if len(set) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET `+strings.Join(set, ", ")+` WHERE batch_id = ?`,
		append(args, batchID)...,
	)

	return err
}

// ClaimDownload atomically hands a download to owner and marks it submitted.
// It fails when the download is deleted or another owner holds it.
func (s *Store) ClaimDownload(ctx context.Context, id int64, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, locked_by = ?
		WHERE id = ? AND deleted = 0 AND locked_by = '' AND status NOT IN (?, ?)`,
		status.Submitted, owner, id, status.Submitted, status.Running,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// ReleaseInterrupted returns downloads left behind by a crashed process to the
// queue. Partial files stay on disk so they can be resumed.
func (s *Store) ReleaseInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, locked_by = '' WHERE status IN (?, ?)`,
		status.Pending, status.Submitted, status.Running,
	)
	if err != nil {
		return 0, err
	}

	released, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, locked_by = '' WHERE status = ?`,
		status.PausedByApp, status.Pausing,
	)
	if err != nil {
		return released, err
	}

	paused, err := res.RowsAffected()
	if err != nil {
		return released, err
	}

	return released + paused, nil
}

// DeleteDownload physically removes a download record.
func (s *Store) DeleteDownload(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}

func updateClauses(u storage.DownloadUpdate) ([]string, []any) {
	var (
		set  []string
		args []any
	)

	add := func(column string, value any) {
		set = append(set, column+" = ?")
		args = append(args, value)
	}

	if u.URI != nil {
		add("uri", *u.URI)
	}

	if u.Filename != nil {
		add("filename", *u.Filename)
	}

	if u.MimeType != nil {
		add("mime_type", *u.MimeType)
	}

	if u.ETag != nil {
		add("etag", *u.ETag)
	}

	if u.TotalBytes != nil {
		add("total_bytes", *u.TotalBytes)
	}

	if u.CurrentBytes != nil {
		add("current_bytes", *u.CurrentBytes)
	}

	if u.Status != nil {
		add("status", int(*u.Status))
	}

	if u.FailureCount != nil {
		add("failure_count", *u.FailureCount)
	}

	if u.LastModified != nil {
		add("last_modified", u.LastModified.UnixMilli())
	}

	if u.RetryAfter != nil {
		add("retry_after_ms", u.RetryAfter.Milliseconds())
	}

	if u.Control != nil {
		add("control", int(*u.Control))
	}

	if u.Deleted != nil {
		add("deleted", *u.Deleted)
	}

	if u.BypassSizeLimit != nil {
		add("bypass_size_limit", *u.BypassSizeLimit)
	}

	if u.ErrorMessage != nil {
		add("error_message", truncate(*u.ErrorMessage, 512))
	}

	if u.ScanState != nil {
		add("scan_state", int(*u.ScanState))
	}

	if u.LockedBy != nil {
		add("locked_by", *u.LockedBy)
	}

	return set, args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return fmt.Sprintf("%s...", s[:n])
}
