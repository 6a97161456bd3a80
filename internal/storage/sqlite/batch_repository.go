package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

const batchColumns = `id, title, description, visibility, status, started, deleted, created_at, updated_at`

func scanBatch(row rowScanner) (storage.Batch, error) {
	var (
		b         storage.Batch
		createdAt int64
		updatedAt int64
	)

	if err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Visibility, &b.Status, &b.Started, &b.Deleted, &createdAt, &updatedAt); err != nil {
		return storage.Batch{}, err
	}

	b.CreatedAt = time.UnixMilli(createdAt)
	b.UpdatedAt = time.UnixMilli(updatedAt)

	return b, nil
}

// CreateBatch inserts a batch together with its downloads and returns the
// batch id. The downloads' BatchID fields are ignored.
func (s *Store) CreateBatch(ctx context.Context, b storage.Batch, downloads []storage.Download) (int64, error) {
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (title, description, visibility, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.Title, b.Description, int(b.Visibility), int(status.Pending), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}

	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, d := range downloads {
		headers, err := json.Marshal(headersOrEmpty(d.Headers))
		if err != nil {
			return 0, fmt.Errorf("failed to encode headers: %w", err)
		}

		class := d.DestinationClass
		if class == "" {
			class = storage.ClassDownloads
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO downloads (
				batch_id, uri, destination, destination_class, mime_type, no_integrity, always_resume,
				total_bytes, current_bytes, status, headers, allow_roaming, allow_metered, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			batchID, d.URI, d.Destination, string(class), d.MimeType, d.NoIntegrity, d.AlwaysResume,
			storage.UnknownBytes, int(status.Pending), string(headers), d.AllowRoaming, d.AllowMetered, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert download: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return batchID, nil
}

// GetBatch returns the batch with the given id.
func (s *Store) GetBatch(ctx context.Context, id int64) (storage.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Batch{}, storage.ErrNotFound
	}

	return b, err
}

// ListBatches returns every batch in creation order.
func (s *Store) ListBatches(ctx context.Context) ([]storage.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []storage.Batch

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}

		batches = append(batches, b)
	}

	return batches, rows.Err()
}

// UpdateBatchStatus sets the status of a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, id int64, st status.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		int(st), s.now().UnixMilli(), id,
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

// MarkBatchStarted flags the batch as started. It reports true only for the
// call that performed the transition.
func (s *Store) MarkBatchStarted(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET started = 1, updated_at = ? WHERE id = ? AND started = 0`,
		s.now().UnixMilli(), id,
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

// MarkBatchDeleted flags the batch as deleted and moves it to DELETING.
func (s *Store) MarkBatchDeleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET deleted = 1, status = ?, updated_at = ? WHERE id = ?`,
		int(status.Deleting), s.now().UnixMilli(), id,
	)

	return err
}

// DeleteBatch physically removes a batch and, through the foreign key, any
// download rows still attached to it.
func (s *Store) DeleteBatch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)

	return err
}

func headersOrEmpty(h []storage.Header) []storage.Header {
	if h == nil {
		return []storage.Header{}
	}

	return h
}
