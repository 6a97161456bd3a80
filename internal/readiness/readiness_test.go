package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/network"
	"github.com/italolelis/batch_downloader/internal/policy"
	"github.com/italolelis/batch_downloader/internal/retry"
	"github.com/italolelis/batch_downloader/internal/space"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

type fakeNetwork struct {
	info        network.Info
	ok          bool
	max         int64
	recommended int64
}

func (f *fakeNetwork) ActiveNetworkInfo(context.Context) (network.Info, bool) { return f.info, f.ok }
func (f *fakeNetwork) MaxBytesOverMobile() int64 { return f.max }
func (f *fakeNetwork) RecommendedMaxBytesOverMobile() int64 { return f.recommended }

type fakeGuard struct {
	err error
}

func (f *fakeGuard) VerifySpace(string, int64) error { return f.err }

type fakeBatches struct {
	batch     storage.Batch
	downloads []storage.Download
}

func (f *fakeBatches) GetBatch(_ context.Context, id int64) (storage.Batch, error) {
	if id != f.batch.ID {
		return storage.Batch{}, storage.ErrNotFound
	}

	return f.batch, nil
}

func (f *fakeBatches) ListDownloadsByBatch(context.Context, int64) ([]storage.Download, error) {
	return f.downloads, nil
}

var wifi = &fakeNetwork{ok: true, info: network.Info{Type: network.TypeWifi, Connected: true}}

func newGate(net NetworkFacade, guard StorageGuard, cb policy.Callback) *Gate {
	return NewGate(&fakeBatches{}, net, guard, cb, retry.New(retry.WithJitter(func() float64 { return 0 })))
}

func viewOf(downloads ...storage.Download) batch.View {
	return batch.NewView(storage.Batch{ID: 1}, downloads)
}

func TestCanRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name      string
		net       *fakeNetwork
		guard     error
		downloads []storage.Download
		want      bool
	}{
		{
			name:      "pending",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.Pending}},
			want:      true,
		},
		{
			name:      "member paused by control",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.Pending}, {ID: 2, Status: status.Pending, Control: storage.ControlPaused}},
			want:      false,
		},
		{
			name:      "waiting for network, network back",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.WaitingForNetwork, AllowMetered: true}},
			want:      true,
		},
		{
			name:      "waiting for network, still offline",
			net:       &fakeNetwork{},
			downloads: []storage.Download{{ID: 1, Status: status.WaitingForNetwork}},
			want:      false,
		},
		{
			name:      "retry not due",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.WaitingToRetry, FailureCount: 1, LastModified: now.Add(-10 * time.Second)}},
			want:      false,
		},
		{
			name:      "retry due",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.WaitingToRetry, FailureCount: 1, LastModified: now.Add(-30 * time.Second)}},
			want:      true,
		},
		{
			name:      "device back",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.DeviceNotFoundError, Destination: "/mnt/usb"}},
			want:      true,
		},
		{
			name:      "device still missing",
			net:       wifi,
			guard:     space.ErrDeviceNotFound,
			downloads: []storage.Download{{ID: 1, Status: status.DeviceNotFoundError, Destination: "/mnt/usb"}},
			want:      false,
		},
		{
			name:      "insufficient space waits for an external trigger",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.InsufficientSpaceError}},
			want:      false,
		},
		{
			name:      "held by a host restriction",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.QueuedDueToClientRestrictions}},
			want:      false,
		},
		{
			name:      "paused",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.PausedByApp}},
			want:      false,
		},
		{
			name:      "finished",
			net:       wifi,
			downloads: []storage.Download{{ID: 1, Status: status.Success}},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(tt.net, &fakeGuard{err: tt.guard}, nil)

			assert.Equal(t, tt.want, g.CanRun(ctx, viewOf(tt.downloads...), now))
		})
	}
}

func TestCanRunHonoursPolicy(t *testing.T) {
	deny := policy.Func(func(context.Context, batch.View) bool { return false })
	g := newGate(wifi, &fakeGuard{}, deny)

	assert.False(t, g.CanRun(context.Background(), viewOf(storage.Download{ID: 1, Status: status.Pending}), time.Now()))
}

func TestCheckCanUseNetwork(t *testing.T) {
	mobile := network.Info{Type: network.TypeMobile, Connected: true, Metered: true}

	tests := []struct {
		name  string
		net   *fakeNetwork
		d     storage.Download
		total int64
		want  NetworkUsability
	}{
		{name: "no network", net: &fakeNetwork{}, want: NetworkNoConnection},
		{name: "disconnected", net: &fakeNetwork{ok: true, info: network.Info{Type: network.TypeWifi}}, want: NetworkNoConnection},
		{name: "blocked", net: &fakeNetwork{ok: true, info: network.Info{Type: network.TypeWifi, Connected: true, Blocked: true}}, want: NetworkBlocked},
		{
			name: "roaming",
			net:  &fakeNetwork{ok: true, info: network.Info{Type: network.TypeMobile, Connected: true, Roaming: true}},
			want: NetworkCannotUseRoaming,
		},
		{name: "metered not allowed", net: &fakeNetwork{ok: true, info: mobile}, want: NetworkTypeDisallowedByRequestor},
		{
			name:  "over hard limit",
			net:   &fakeNetwork{ok: true, info: mobile, max: 100, recommended: 50},
			d:     storage.Download{AllowMetered: true, BypassSizeLimit: true},
			total: 101,
			want:  NetworkUnusableDueToSize,
		},
		{
			name:  "over recommended limit",
			net:   &fakeNetwork{ok: true, info: mobile, max: 100, recommended: 50},
			d:     storage.Download{AllowMetered: true},
			total: 60,
			want:  NetworkRecommendedUnusableDueToSize,
		},
		{
			name:  "recommended limit bypassed",
			net:   &fakeNetwork{ok: true, info: mobile, max: 100, recommended: 50},
			d:     storage.Download{AllowMetered: true, BypassSizeLimit: true},
			total: 60,
			want:  NetworkOK,
		},
		{
			name:  "unknown size skips limits",
			net:   &fakeNetwork{ok: true, info: mobile, max: 100},
			d:     storage.Download{AllowMetered: true},
			total: storage.UnknownBytes,
			want:  NetworkOK,
		},
		{
			name:  "wifi exempt from limits",
			net:   &fakeNetwork{ok: true, info: network.Info{Type: network.TypeWifi, Connected: true}, max: 100},
			total: 1 << 30,
			want:  NetworkOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(tt.net, &fakeGuard{}, nil)

			got, _ := g.CheckCanUseNetwork(context.Background(), tt.d, tt.total)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}

func TestUsabilityStatus(t *testing.T) {
	assert.Equal(t, status.WaitingForNetwork, NetworkNoConnection.Status())
	assert.Equal(t, status.WaitingForNetwork, NetworkCannotUseRoaming.Status())
	assert.Equal(t, status.QueuedForWifi, NetworkUnusableDueToSize.Status())
	assert.Equal(t, status.QueuedForWifi, NetworkRecommendedUnusableDueToSize.Status())
}

func TestCandidate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newGate(wifi, &fakeGuard{}, nil)

	v := viewOf(
		storage.Download{ID: 1, Status: status.Success},
		storage.Download{ID: 2, Status: status.Running},
		storage.Download{ID: 3, Status: status.Pending, Deleted: true},
		storage.Download{ID: 4, Status: status.WaitingToRetry, FailureCount: 2, LastModified: now},
		storage.Download{ID: 5, Status: status.Pending},
	)

	d, ok := g.Candidate(context.Background(), v, now)
	require.True(t, ok)
	assert.Equal(t, int64(5), d.ID)

	_, ok = g.Candidate(context.Background(), viewOf(storage.Download{ID: 1, Status: status.InsufficientSpaceError}), now)
	assert.False(t, ok)

	_, ok = g.Candidate(context.Background(), viewOf(storage.Download{ID: 1, Status: status.QueuedDueToClientRestrictions}), now)
	assert.False(t, ok)
}

func TestRetryAtIsStableUntilNextFailure(t *testing.T) {
	calls := 0
	rp := retry.New(retry.WithJitter(func() float64 {
		calls++

		return 0.5
	}))
	g := NewGate(&fakeBatches{}, wifi, &fakeGuard{}, nil, rp)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := storage.Download{ID: 1, Status: status.WaitingToRetry, FailureCount: 1, LastModified: base}

	first := g.RetryAt(d)
	assert.Equal(t, base.Add(45*time.Second), first)
	assert.Equal(t, first, g.RetryAt(d))
	assert.Equal(t, 1, calls)

	d.FailureCount = 2
	assert.Equal(t, base.Add(90*time.Second), g.RetryAt(d))
	assert.Equal(t, 2, calls)
}

func TestAllowedByPolicy(t *testing.T) {
	batches := &fakeBatches{
		batch:     storage.Batch{ID: 3},
		downloads: []storage.Download{{ID: 1, TotalBytes: 500}},
	}
	g := NewGate(batches, wifi, &fakeGuard{}, policy.MaxBatchBytes(100), nil)

	assert.False(t, g.AllowedByPolicy(context.Background(), 3))
	assert.False(t, g.AllowedByPolicy(context.Background(), 4), "missing batch")

	batches.downloads[0].TotalBytes = 50
	assert.True(t, g.AllowedByPolicy(context.Background(), 3))
}

func TestDeviceCheckPassesThroughOtherErrors(t *testing.T) {
	g := newGate(wifi, &fakeGuard{err: errors.New("stat failed")}, nil)

	v := viewOf(storage.Download{ID: 1, Status: status.DeviceNotFoundError})
	assert.True(t, g.CanRun(context.Background(), v, time.Now()))
}
