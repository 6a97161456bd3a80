// Package batch derives batch level state from the state of its downloads.
package batch

import (
	"slices"

	"github.com/italolelis/batch_downloader/internal/status"
)

// Member is the part of a download the aggregator looks at.
type Member struct {
	ID     int64
	Status status.Status
}

// priority lists the statuses a batch can report, most significant first.
var priority = []status.Status{
	status.Canceled,
	status.Pausing,
	status.PausedByApp,
	status.Running,
	status.Deleting,
	status.QueuedDueToClientRestrictions,
	status.WaitingToRetry,
	status.WaitingForNetwork,
	status.QueuedForWifi,
	status.Submitted,
	status.Pending,
	status.Success,
}

// Aggregate returns the status of a batch with the given members. The result
// depends only on the multiset of members: the first failed member by id wins,
// otherwise the highest priority status present is reported.
func Aggregate(members []Member) status.Status {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, func(a, b Member) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return int(a.Status) - int(b.Status)
		}
	})

	counts := make(map[status.Status]int, len(sorted))

	for _, m := range sorted {
		if m.Status.IsError() && !m.Status.IsCancelled() {
			return m.Status
		}

		counts[m.Status]++
	}

	// A batch with finished members and one just handed to an execution is
	// already running.
	if len(counts) == 2 && counts[status.Success] > 0 && counts[status.Submitted] > 0 {
		return status.Running
	}

	for _, s := range priority {
		if counts[s] > 0 {
			return s
		}
	}

	return status.UnknownError
}

// Of aggregates statuses given in member order.
func Of(statuses ...status.Status) status.Status {
	members := make([]Member, len(statuses))
	for i, s := range statuses {
		members[i] = Member{ID: int64(i), Status: s}
	}

	return Aggregate(members)
}
