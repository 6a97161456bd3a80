package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/storage/sqlite"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type importChecker map[string]bool

func (m importChecker) CheckImported(_ context.Context, path string) (bool, error) {
	imported, ok := m[filepath.Base(path)]
	if !ok {
		return false, errors.New("unknown file")
	}

	return imported, nil
}

type fixture struct {
	store *sqlite.Store
	clock *clock
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	return &fixture{store: sqlite.NewStore(db, c.Now), clock: c, dir: t.TempDir()}
}

// batch creates a batch with one finished file per name.
func (f *fixture) batch(t *testing.T, s status.Status, names ...string) (int64, []string) {
	t.Helper()

	ctx := context.Background()

	downloads := make([]storage.Download, len(names))
	for i := range names {
		downloads[i] = storage.Download{URI: "https://example.com/" + names[i], Destination: f.dir, DestinationClass: storage.ClassDownloads}
	}

	id, err := f.store.CreateBatch(ctx, storage.Batch{Title: "fixture"}, downloads)
	require.NoError(t, err)

	created, err := f.store.ListDownloadsByBatch(ctx, id)
	require.NoError(t, err)

	paths := make([]string, len(names))

	for i, d := range created {
		paths[i] = filepath.Join(f.dir, names[i])
		require.NoError(t, os.WriteFile(paths[i], []byte("data"), 0o644))
		require.NoError(t, f.store.UpdateDownload(ctx, d.ID, storage.DownloadUpdate{
			Filename: storage.Set(paths[i]),
			Status:   storage.Set(s),
		}))
	}

	require.NoError(t, f.store.UpdateBatchStatus(ctx, id, s))

	return id, paths
}

func (f *fixture) exists(t *testing.T, batchID int64) bool {
	t.Helper()

	_, err := f.store.GetBatch(context.Background(), batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}

	require.NoError(t, err)

	return true
}

func TestPurgeDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deleted, deletedPaths := f.batch(t, status.Success, "old.mkv", "partial.mkv")
	kept, keptPaths := f.batch(t, status.Success, "keep.mkv")

	require.NoError(t, f.store.MarkBatchDeleted(ctx, deleted))
	require.NoError(t, f.store.UpdateDownloadsByBatch(ctx, deleted, storage.DownloadUpdate{
		Deleted: storage.Set(true),
		Status:  storage.Set(status.Deleting),
	}))

	c := New(f.store, 0)
	require.NoError(t, c.PurgeDeleted(ctx))

	assert.False(t, f.exists(t, deleted))

	for _, p := range deletedPaths {
		assert.NoFileExists(t, p)
	}

	assert.True(t, f.exists(t, kept))
	assert.FileExists(t, keptPaths[0])

	require.NoError(t, c.PurgeDeleted(ctx), "purging twice is a no-op")
}

func TestPurgeDeletedWaitsForRunningDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, paths := f.batch(t, status.Pending, "running.bin")
	downloads, err := f.store.ListDownloadsByBatch(ctx, id)
	require.NoError(t, err)

	require.NoError(t, f.store.MarkBatchDeleted(ctx, id))
	require.NoError(t, f.store.UpdateDownload(ctx, downloads[0].ID, storage.DownloadUpdate{
		Deleted: storage.Set(true),
		Status:  storage.Set(status.Running),
	}))

	c := New(f.store, 0)
	require.NoError(t, c.PurgeDeleted(ctx))

	assert.True(t, f.exists(t, id))
	assert.FileExists(t, paths[0])
}

func TestDeleteExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired, expiredPaths := f.batch(t, status.Success, "expired.mkv")
	failed, failedPaths := f.batch(t, status.Status(404), "failed.mkv")

	f.clock.now = f.clock.now.Add(2 * time.Hour)
	fresh, freshPaths := f.batch(t, status.Success, "fresh.mkv")

	f.clock.now = f.clock.now.Add(30 * time.Minute)

	c := New(f.store, time.Hour, WithClock(f.clock.Now))
	require.NoError(t, c.DeleteExpired(ctx))

	assert.False(t, f.exists(t, expired))
	assert.NoFileExists(t, expiredPaths[0])

	assert.True(t, f.exists(t, failed), "only successful batches expire")
	assert.FileExists(t, failedPaths[0])

	assert.True(t, f.exists(t, fresh))
	assert.FileExists(t, freshPaths[0])
}

func TestDeleteExpiredDisabled(t *testing.T) {
	f := newFixture(t)

	id, paths := f.batch(t, status.Success, "forever.mkv")
	f.clock.now = f.clock.now.Add(365 * 24 * time.Hour)

	c := New(f.store, 0, WithClock(f.clock.Now))
	require.NoError(t, c.DeleteExpired(context.Background()))

	assert.True(t, f.exists(t, id))
	assert.FileExists(t, paths[0])
}

func TestDeleteExpiredWaitsForImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imported, _ := f.batch(t, status.Success, "imported.mkv")
	pending, pendingPaths := f.batch(t, status.Success, "pending.mkv")
	unknown, _ := f.batch(t, status.Success, "unknown.mkv")

	f.clock.now = f.clock.now.Add(2 * time.Hour)

	checker := importChecker{"imported.mkv": true, "pending.mkv": false}
	c := New(f.store, time.Hour, WithClock(f.clock.Now), WithImportChecker(checker))
	require.NoError(t, c.DeleteExpired(ctx))

	assert.False(t, f.exists(t, imported))
	assert.True(t, f.exists(t, pending))
	assert.FileExists(t, pendingPaths[0])
	assert.True(t, f.exists(t, unknown), "check failures keep the batch")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		New(f.store, time.Hour).Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
