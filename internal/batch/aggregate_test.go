package batch

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []status.Status
		want     status.Status
	}{
		{name: "empty batch", want: status.UnknownError},
		{name: "all done", statuses: []status.Status{status.Success, status.Success}, want: status.Success},
		{name: "done and submitted", statuses: []status.Status{status.Success, status.Submitted}, want: status.Running},
		{name: "submitted alone", statuses: []status.Status{status.Submitted}, want: status.Submitted},
		{name: "done, submitted and pending", statuses: []status.Status{status.Success, status.Submitted, status.Pending}, want: status.Submitted},
		{name: "running and server error", statuses: []status.Status{status.Running, status.InternalServerError}, want: status.InternalServerError},
		{name: "server error and running", statuses: []status.Status{status.InternalServerError, status.Running}, want: status.InternalServerError},
		{name: "first error wins", statuses: []status.Status{status.Success, status.CannotResume, status.ServiceUnavailable}, want: status.CannotResume},
		{name: "cancel is not a failure", statuses: []status.Status{status.Canceled, status.Running}, want: status.Canceled},
		{name: "pausing over running", statuses: []status.Status{status.Running, status.Pausing}, want: status.Pausing},
		{name: "paused over pending", statuses: []status.Status{status.Pending, status.PausedByApp}, want: status.PausedByApp},
		{name: "retry wait", statuses: []status.Status{status.Success, status.WaitingToRetry, status.Pending}, want: status.WaitingToRetry},
		{name: "network wait", statuses: []status.Status{status.WaitingForNetwork, status.QueuedForWifi}, want: status.WaitingForNetwork},
		{name: "restricted", statuses: []status.Status{status.QueuedDueToClientRestrictions, status.WaitingToRetry}, want: status.QueuedDueToClientRestrictions},
		{name: "environmental error", statuses: []status.Status{status.Pending, status.InsufficientSpaceError}, want: status.InsufficientSpaceError},
		{name: "deleting", statuses: []status.Status{status.Deleting, status.Pending}, want: status.Deleting},
		{name: "unknown informational", statuses: []status.Status{status.Status(150)}, want: status.UnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.statuses...))
		})
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	members := []Member{
		{ID: 1, Status: status.Success},
		{ID: 2, Status: status.Running},
		{ID: 3, Status: status.ServiceUnavailable},
		{ID: 4, Status: status.HTTPDataError},
		{ID: 5, Status: status.Pending},
	}

	want := Aggregate(members)
	assert.Equal(t, status.ServiceUnavailable, want)

	rng := rand.New(rand.NewPCG(1, 2))

	for range 50 {
		shuffled := append([]Member(nil), members...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		assert.Equal(t, want, Aggregate(shuffled))
	}
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	members := []Member{{ID: 2, Status: status.Pending}, {ID: 1, Status: status.Success}}

	Aggregate(members)

	assert.Equal(t, int64(2), members[0].ID)
}

func TestDerive(t *testing.T) {
	downloads := []storage.Download{
		{ID: 1, Status: status.Success, TotalBytes: 10, CurrentBytes: 10},
		{ID: 2, Status: status.Running, TotalBytes: 20, CurrentBytes: 5},
	}

	t.Run("aggregates members", func(t *testing.T) {
		v := NewView(storage.Batch{ID: 1, Status: status.Pending}, downloads)

		assert.Equal(t, status.Running, v.Status)
		assert.Equal(t, int64(30), v.TotalBytes)
		assert.Equal(t, int64(15), v.CurrentBytes)
		assert.True(t, v.Running())
	})

	t.Run("cancel overrides members", func(t *testing.T) {
		assert.Equal(t, status.Canceled, Derive(storage.Batch{Status: status.Canceled}, downloads))
	})

	t.Run("delete overrides members", func(t *testing.T) {
		assert.Equal(t, status.Deleting, Derive(storage.Batch{Deleted: true, Status: status.Canceled}, downloads))
	})
}

func TestTotalsUnknown(t *testing.T) {
	total, current := Totals([]storage.Download{
		{TotalBytes: 10, CurrentBytes: 10},
		{TotalBytes: storage.UnknownBytes, CurrentBytes: 3},
		{TotalBytes: 5, CurrentBytes: 0},
	})

	assert.Equal(t, storage.UnknownBytes, total)
	assert.Equal(t, int64(13), current)
}
