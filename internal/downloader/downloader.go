// Package downloader runs the control loop that picks eligible downloads one
// at a time and hands them to the transfer executor, plus the host operations
// that enqueue and steer batches.
package downloader

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/notifier"
	"github.com/italolelis/batch_downloader/internal/scanner"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

const (
	// DefaultPassInterval is the pause between passes while work is active.
	DefaultPassInterval = time.Second

	// idleRecheck wakes an idle loop that still has unfinished downloads
	// waiting on conditions nothing signals, such as a host policy change.
	idleRecheck = time.Minute
)

// Gate decides which batches and downloads may run.
type Gate interface {
	CanRun(ctx context.Context, v batch.View, now time.Time) bool
	Candidate(ctx context.Context, v batch.View, now time.Time) (storage.Download, bool)
	RetryAt(d storage.Download) time.Time
	Forget(id int64)
}

// Expander resolves collection URIs into their members when a batch is
// enqueued.
type Expander interface {
	Supports(rawURI string) bool
	Expand(ctx context.Context, rawURI string) ([]string, error)
}

type Config struct {
	InstanceID   string
	PassInterval time.Duration
	// Destinations maps a destination class to its directory.
	Destinations map[storage.DestinationClass]string
}

// Orchestrator is the single control loop of the engine. At most one
// download is transferred at a time.
type Orchestrator struct {
	store     storage.Store
	gate      Gate
	exec      transfer.Runner
	sources   Expander
	sink      notifier.Sink
	scanner   scanner.Scanner
	telemetry *telemetry.Telemetry
	cfg       Config
	now       func() time.Time
	onIdle    func(ctx context.Context)

	mu     sync.Mutex
	active atomic.Bool
	wake   chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScanner requests a media scan after every successful download into the
// downloads class.
func WithScanner(s scanner.Scanner) Option {
	return func(o *Orchestrator) {
		o.scanner = s
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.telemetry = t
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIdleHook runs fn every time a pass finds nothing to do.
func WithIdleHook(fn func(ctx context.Context)) Option {
	return func(o *Orchestrator) {
		o.onIdle = fn
	}
}

func NewOrchestrator(
	store storage.Store,
	gate Gate,
	exec transfer.Runner,
	sources Expander,
	sink notifier.Sink,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = DefaultPassInterval
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = GenerateInstanceID()
	}

	if sink == nil {
		sink = notifier.Log{}
	}

	o := &Orchestrator{
		store:   store,
		gate:    gate,
		exec:    exec,
		sources: sources,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		onIdle:  func(context.Context) {},
		wake:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Wake makes a sleeping Run loop start a pass right away.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// IsActive reports the result of the last pass.
func (o *Orchestrator) IsActive() bool {
	return o.active.Load()
}

// Run releases downloads left behind by a previous process and then loops
// until ctx is done: passes follow each other every PassInterval while work is
// active; an idle loop sleeps until woken or until the next retry is due.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	released, err := o.store.ReleaseInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to release interrupted downloads: %w", err)
	}

	if released > 0 {
		logger.Info("released interrupted downloads", "count", released)
	}

	logger.Info("orchestrator started", "instance_id", o.cfg.InstanceID)

	for {
		active, err := o.safePass(ctx)
		if err != nil {
			logger.Error("orchestrator pass failed", "err", err)
			o.telemetry.RecordSystemError("orchestrator", "pass")
		}

		wait := o.cfg.PassInterval

		if !active {
			o.onIdle(ctx)

			wait = o.nextWake(ctx)
		}

		var timer *time.Timer

		var fire <-chan time.Time

		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			logger.Info("orchestrator shutdown", "reason", "context_cancelled")

			return nil
		case <-o.wake:
		case <-fire:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (o *Orchestrator) safePass(ctx context.Context) (active bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("orchestrator panic",
				"operation", "run_once",
				"panic", r,
				"stack", string(debug.Stack()))

			active, err = false, fmt.Errorf("pass panicked: %v", r)
		}
	}()

	return o.RunOnce(ctx)
}

// RunOnce performs a single pass: it snapshots every batch, starts at most
// one eligible download and runs it to completion or suspension, then runs a
// pending media scan if nothing else could run. active reports whether the
// pass found work.
func (o *Orchestrator) RunOnce(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	views, err := o.snapshot(ctx)
	if err != nil {
		return false, err
	}

	active := false

	for _, v := range views {
		if v.Running() {
			// Another execution owns a member; let it finish first.
			active = true

			break
		}
	}

	if !active {
		active = o.startNext(ctx, views)
	}

	if !active {
		active = o.scanPending(ctx, views)
	}

	o.active.Store(active)
	o.telemetry.RecordPass(active)

	return active, nil
}

// snapshot loads every batch with its members and writes back derived batch
// statuses that drifted.
func (o *Orchestrator) snapshot(ctx context.Context) ([]batch.View, error) {
	views, err := o.loadViews(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range views {
		o.persistBatchStatus(ctx, v)
	}

	return views, nil
}

func (o *Orchestrator) persistBatchStatus(ctx context.Context, v batch.View) {
	if v.Status == v.Batch.Status {
		return
	}

	if err := o.store.UpdateBatchStatus(ctx, v.Batch.ID, v.Status); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to update batch status",
			"batch_id", v.Batch.ID, "status", v.Status.String(), "err", err)
	}
}

// startNext runs the first eligible download of the first batch that may
// run. Batches are visited in id order.
func (o *Orchestrator) startNext(ctx context.Context, views []batch.View) bool {
	logger := logctx.LoggerFromContext(ctx)
	now := o.now()

	for _, v := range views {
		if v.Batch.Deleted || v.Status.IsDeleting() {
			continue
		}

		if !o.gate.CanRun(ctx, v, now) {
			continue
		}

		d, ok := o.gate.Candidate(ctx, v, now)
		if !ok {
			continue
		}

		ran, err := o.runDownload(logctx.WithDownload(ctx, d.ID, d.BatchID), v, d)
		if err != nil {
			logger.Error("failed to run download", "download_id", d.ID, "batch_id", d.BatchID, "err", err)

			continue
		}

		if ran {
			return true
		}
	}

	return false
}

func (o *Orchestrator) runDownload(ctx context.Context, v batch.View, d storage.Download) (bool, error) {
	claimed, err := o.store.ClaimDownload(ctx, d.ID, o.cfg.InstanceID)
	if err != nil {
		return false, fmt.Errorf("failed to claim download: %w", err)
	}

	if !claimed {
		logctx.LoggerFromContext(ctx).Debug("download claimed elsewhere, skipping")

		return false, nil
	}

	started, err := o.store.MarkBatchStarted(ctx, v.Batch.ID)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to mark batch started", "err", err)
	}

	if started {
		o.sink.OnBatchStarted(ctx, v)
	}

	o.gate.Forget(d.ID)

	out := o.exec.Execute(ctx, d.ID)

	o.afterDownload(ctx, v.Batch.ID, d, out)

	return true, nil
}

// afterDownload applies the batch level consequences of a finished attempt.
func (o *Orchestrator) afterDownload(ctx context.Context, batchID int64, d storage.Download, out transfer.Outcome) {
	logger := logctx.LoggerFromContext(ctx)

	if out.Status.IsSuccess() && o.scanner != nil && d.DestinationClass == storage.ClassDownloads {
		err := o.store.UpdateDownload(ctx, d.ID, storage.DownloadUpdate{ScanState: storage.Set(storage.ScanPending)})
		if err != nil {
			logger.Error("failed to queue media scan", "err", err)
		}
	}

	v, err := o.view(ctx, batchID)
	if err != nil {
		logger.Error("failed to reload batch", "err", err)

		return
	}

	switch {
	case out.Status.IsCancelled():
		o.forceSiblings(ctx, v, d.ID, status.Canceled, "batch canceled")

		if err := o.store.UpdateBatchStatus(ctx, batchID, status.Canceled); err != nil {
			logger.Error("failed to cancel batch", "err", err)
		}

		o.telemetry.RecordBatchFinished("canceled")

		return
	case out.Status.IsError() && !out.Status.IsEnvironmental():
		o.forceSiblings(ctx, v, d.ID, out.Status, "another download in the batch failed")

		if v, err = o.view(ctx, batchID); err != nil {
			logger.Error("failed to reload batch", "err", err)

			return
		}

		o.persistBatchStatus(ctx, v)
		o.sink.OnBatchFailed(ctx, v)
		o.telemetry.RecordBatchFinished("failed")

		return
	}

	o.persistBatchStatus(ctx, v)

	if v.Status.IsSuccess() {
		o.sink.OnBatchCompleted(ctx, v)
		o.telemetry.RecordBatchFinished("success")
	}
}

// forceSiblings moves every unfinished member of v other than except to s.
func (o *Orchestrator) forceSiblings(ctx context.Context, v batch.View, except int64, s status.Status, reason string) {
	for _, m := range v.Downloads {
		if m.ID == except || m.Status.IsCompleted() || m.Status == s {
			continue
		}

		err := o.store.UpdateDownload(ctx, m.ID, storage.DownloadUpdate{
			Status:       storage.Set(s),
			ErrorMessage: storage.Set(reason),
		})
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to update sibling download",
				"sibling_id", m.ID, "status", s.String(), "err", err)
		}
	}
}

// scanPending hands finished downloads waiting for a media scan to the
// scanner. It reports whether there was anything to scan.
func (o *Orchestrator) scanPending(ctx context.Context, views []batch.View) bool {
	if o.scanner == nil {
		return false
	}

	scanned := false

	for _, v := range views {
		for _, d := range v.Downloads {
			if d.ScanState != storage.ScanPending || !d.Status.IsSuccess() || d.Deleted {
				continue
			}

			scanned = true
			dctx := logctx.WithDownload(ctx, d.ID, d.BatchID)

			if err := o.scanner.RequestScan(dctx, d.Filename); err != nil {
				logctx.LoggerFromContext(dctx).Warn("media scan request failed", "file_path", d.Filename, "err", err)
			}

			err := o.store.UpdateDownload(dctx, d.ID, storage.DownloadUpdate{ScanState: storage.Set(storage.ScanDone)})
			if err != nil {
				logctx.LoggerFromContext(dctx).Error("failed to record media scan", "err", err)
			}
		}
	}

	return scanned
}

// nextWake returns how long an idle loop may sleep: until the earliest
// retry, at most idleRecheck while anything is unfinished, or forever (0)
// when there is nothing left to do.
func (o *Orchestrator) nextWake(ctx context.Context) time.Duration {
	downloads, err := o.store.ListDownloads(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to list downloads", "err", err)

		return idleRecheck
	}

	now := o.now()

	var (
		next       time.Time
		unfinished bool
	)

	for _, d := range downloads {
		if d.Deleted || d.Status.IsCompleted() || d.Status.IsCancelled() {
			continue
		}

		unfinished = true

		if d.Status != status.WaitingToRetry || d.Control != storage.ControlRun {
			continue
		}

		if at := o.gate.RetryAt(d); next.IsZero() || at.Before(next) {
			next = at
		}
	}

	if !unfinished {
		return 0
	}

	if next.IsZero() {
		return idleRecheck
	}

	return min(max(next.Sub(now), o.cfg.PassInterval), idleRecheck)
}

func (o *Orchestrator) view(ctx context.Context, batchID int64) (batch.View, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return batch.View{}, err
	}

	downloads, err := o.store.ListDownloadsByBatch(ctx, batchID)
	if err != nil {
		return batch.View{}, err
	}

	return batch.NewView(b, downloads), nil
}
