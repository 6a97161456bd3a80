package batch

import (
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// View is a read-only snapshot of a batch and its members, as handed to
// policy callbacks, notification sinks and the REST API.
type View struct {
	Batch     storage.Batch
	Downloads []storage.Download

	// Status is the derived batch status, see Derive.
	Status       status.Status
	TotalBytes   int64
	CurrentBytes int64
}

// NewView builds a view of b with the given members.
func NewView(b storage.Batch, downloads []storage.Download) View {
	v := View{
		Batch:     b,
		Downloads: downloads,
		Status:    Derive(b, downloads),
	}

	v.TotalBytes, v.CurrentBytes = Totals(downloads)

	return v
}

// Derive returns the status a batch should report. Deleted and cancelled
// batches keep their forced status; every other batch reports the aggregate of
// its members.
func Derive(b storage.Batch, downloads []storage.Download) status.Status {
	switch {
	case b.Deleted:
		return status.Deleting
	case b.Status.IsCancelled():
		return status.Canceled
	}

	return Aggregate(Members(downloads))
}

// Members extracts the aggregator input from downloads.
func Members(downloads []storage.Download) []Member {
	members := make([]Member, len(downloads))
	for i, d := range downloads {
		members[i] = Member{ID: d.ID, Status: d.Status}
	}

	return members
}

// Totals sums the sizes of downloads. total is storage.UnknownBytes as long
// as any member size is unknown.
func Totals(downloads []storage.Download) (total, current int64) {
	for _, d := range downloads {
		current += d.CurrentBytes

		if total == storage.UnknownBytes {
			continue
		}

		if d.TotalBytes < 0 {
			total = storage.UnknownBytes

			continue
		}

		total += d.TotalBytes
	}

	return total, current
}

// Running reports whether any member is owned by an execution.
func (v View) Running() bool {
	for _, d := range v.Downloads {
		if d.Status.IsSubmittedOrRunning() {
			return true
		}
	}

	return false
}
