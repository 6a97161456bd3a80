// Package readiness decides whether a batch or a download may run right now.
package readiness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/network"
	"github.com/italolelis/batch_downloader/internal/policy"
	"github.com/italolelis/batch_downloader/internal/retry"
	"github.com/italolelis/batch_downloader/internal/space"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// NetworkUsability is the verdict on using the active network for a download.
type NetworkUsability int

const (
	NetworkOK NetworkUsability = iota
	NetworkNoConnection
	NetworkBlocked
	NetworkCannotUseRoaming
	NetworkTypeDisallowedByRequestor
	NetworkUnusableDueToSize
	NetworkRecommendedUnusableDueToSize
)

func (u NetworkUsability) String() string {
	switch u {
	case NetworkOK:
		return "ok"
	case NetworkNoConnection:
		return "no connection"
	case NetworkBlocked:
		return "blocked"
	case NetworkCannotUseRoaming:
		return "roaming not allowed"
	case NetworkTypeDisallowedByRequestor:
		return "metered network not allowed"
	case NetworkUnusableDueToSize:
		return "download too large for mobile network"
	case NetworkRecommendedUnusableDueToSize:
		return "download larger than recommended for mobile network"
	default:
		return "unknown"
	}
}

// Status is the status a download parks in while the network is unusable.
func (u NetworkUsability) Status() status.Status {
	switch u {
	case NetworkOK:
		return status.Running
	case NetworkUnusableDueToSize, NetworkRecommendedUnusableDueToSize:
		return status.QueuedForWifi
	default:
		return status.WaitingForNetwork
	}
}

// NetworkFacade exposes the active network and its size limits.
type NetworkFacade interface {
	ActiveNetworkInfo(ctx context.Context) (network.Info, bool)
	MaxBytesOverMobile() int64
	RecommendedMaxBytesOverMobile() int64
}

// StorageGuard verifies destination volumes.
type StorageGuard interface {
	VerifySpace(path string, needed int64) error
}

// BatchReader loads a batch and its members.
type BatchReader interface {
	GetBatch(ctx context.Context, id int64) (storage.Batch, error)
	ListDownloadsByBatch(ctx context.Context, batchID int64) ([]storage.Download, error)
}

type schedule struct {
	failures     int
	lastModified time.Time
	retryAfter   time.Duration
	at           time.Time
}

// Gate combines control flags, network state, retry timing, storage presence
// and the host policy into run decisions.
type Gate struct {
	batches BatchReader
	network NetworkFacade
	guard   StorageGuard
	policy  policy.Callback
	retry   *retry.Policy

	mu        sync.Mutex
	schedules map[int64]schedule
}

// NewGate creates a gate. A nil callback allows everything.
func NewGate(batches BatchReader, net NetworkFacade, guard StorageGuard, cb policy.Callback, rp *retry.Policy) *Gate {
	if cb == nil {
		cb = policy.AllowAll
	}

	if rp == nil {
		rp = retry.New()
	}

	return &Gate{
		batches:   batches,
		network:   net,
		guard:     guard,
		policy:    cb,
		retry:     rp,
		schedules: make(map[int64]schedule),
	}
}

// CanRun reports whether any member of the batch may start now. A batch is
// held while any member is paused by control; otherwise its derived status
// decides, and the host policy has the final word. Batches held by a
// restriction or out of space wait for the host to resume them.
func (g *Gate) CanRun(ctx context.Context, v batch.View, now time.Time) bool {
	for _, d := range v.Downloads {
		if d.Control == storage.ControlPaused {
			return false
		}
	}

	var ready bool

	switch v.Status {
	case status.Pending, status.Running:
		ready = true
	case status.WaitingForNetwork, status.QueuedForWifi:
		for _, d := range v.Downloads {
			if d.Status.IsCompleted() {
				continue
			}

			if usability, _ := g.CheckCanUseNetwork(ctx, d, d.TotalBytes); usability == NetworkOK {
				ready = true

				break
			}
		}
	case status.WaitingToRetry:
		for _, d := range v.Downloads {
			if d.Status == status.WaitingToRetry && !g.RetryAt(d).After(now) {
				ready = true

				break
			}
		}
	case status.DeviceNotFoundError:
		ready = g.deviceMounted(v)
	}

	return ready && g.policy.IsAllowedToDownload(ctx, v)
}

// Candidate returns the member of a runnable batch that should run next, or
// false when none is eligible.
func (g *Gate) Candidate(ctx context.Context, v batch.View, now time.Time) (storage.Download, bool) {
	for _, d := range v.Downloads {
		if g.eligible(ctx, d, now) {
			return d, true
		}
	}

	return storage.Download{}, false
}

func (g *Gate) eligible(ctx context.Context, d storage.Download, now time.Time) bool {
	if d.Deleted || d.Control != storage.ControlRun || d.Status.IsSubmittedOrRunning() {
		return false
	}

	switch d.Status {
	case status.Pending, status.PausedByApp:
		return true
	case status.WaitingToRetry:
		return !g.RetryAt(d).After(now)
	case status.WaitingForNetwork, status.QueuedForWifi:
		usability, _ := g.CheckCanUseNetwork(ctx, d, d.TotalBytes)

		return usability == NetworkOK
	case status.DeviceNotFoundError:
		return !errors.Is(g.guard.VerifySpace(d.Destination, 0), space.ErrDeviceNotFound)
	default:
		return false
	}
}

// RetryAt returns when a download waiting to retry becomes eligible. The
// jittered backoff is drawn once per failure and reused until the download
// fails again.
func (g *Gate) RetryAt(d storage.Download) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.schedules[d.ID]; ok &&
		s.failures == d.FailureCount && s.lastModified.Equal(d.LastModified) && s.retryAfter == d.RetryAfter {
		return s.at
	}

	at := g.retry.NextEligible(d.FailureCount, d.LastModified, d.RetryAfter)
	g.schedules[d.ID] = schedule{
		failures:     d.FailureCount,
		lastModified: d.LastModified,
		retryAfter:   d.RetryAfter,
		at:           at,
	}

	return at
}

// Forget drops cached scheduling state of a download.
func (g *Gate) Forget(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.schedules, id)
}

// CheckCanUseNetwork reports whether d may transfer totalBytes over the
// active network. Size limits only apply when the size is known and the
// network is not exempt.
func (g *Gate) CheckCanUseNetwork(ctx context.Context, d storage.Download, totalBytes int64) (NetworkUsability, network.Info) {
	info, ok := g.network.ActiveNetworkInfo(ctx)
	if !ok || !info.Connected {
		return NetworkNoConnection, info
	}

	if info.Blocked {
		return NetworkBlocked, info
	}

	if info.Roaming && !d.AllowRoaming {
		return NetworkCannotUseRoaming, info
	}

	if info.Metered && !d.AllowMetered {
		return NetworkTypeDisallowedByRequestor, info
	}

	if totalBytes <= 0 || info.ExemptFromSizeLimits() {
		return NetworkOK, info
	}

	if limit := g.network.MaxBytesOverMobile(); limit > 0 && totalBytes > limit {
		return NetworkUnusableDueToSize, info
	}

	if !d.BypassSizeLimit {
		if limit := g.network.RecommendedMaxBytesOverMobile(); limit > 0 && totalBytes > limit {
			return NetworkRecommendedUnusableDueToSize, info
		}
	}

	return NetworkOK, info
}

// AllowedByPolicy re-asks the host policy about a batch. A batch that can no
// longer be loaded is not allowed.
func (g *Gate) AllowedByPolicy(ctx context.Context, batchID int64) bool {
	b, err := g.batches.GetBatch(ctx, batchID)
	if err != nil {
		return false
	}

	downloads, err := g.batches.ListDownloadsByBatch(ctx, batchID)
	if err != nil {
		return false
	}

	return g.policy.IsAllowedToDownload(ctx, batch.NewView(b, downloads))
}

func (g *Gate) deviceMounted(v batch.View) bool {
	for _, d := range v.Downloads {
		if d.Status != status.DeviceNotFoundError {
			continue
		}

		if !errors.Is(g.guard.VerifySpace(d.Destination, 0), space.ErrDeviceNotFound) {
			return true
		}
	}

	return false
}
