// Package transfer executes one attempt of a download: resolving its source,
// talking HTTP with redirects and resumable ranges, streaming the body to
// disk and persisting the outcome.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/network"
	"github.com/italolelis/batch_downloader/internal/notifier"
	"github.com/italolelis/batch_downloader/internal/readiness"
	"github.com/italolelis/batch_downloader/internal/retry"
	"github.com/italolelis/batch_downloader/internal/source"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/transfer/progress"
)

const (
	DefaultMaxRedirects  = 5
	DefaultChunkSize     = 8 * 1024
	DefaultProgressEvery = time.Second

	dirPerm  = 0o755
	filePerm = 0o644

	defaultFilename     = "downloadfile"
	maxFilenameAttempts = 1000
)

// Store is the part of the store an attempt reads and writes.
type Store interface {
	GetDownload(ctx context.Context, id int64) (storage.Download, error)
	GetControlStatus(ctx context.Context, id int64) (storage.ControlStatus, error)
	UpdateDownload(ctx context.Context, id int64, u storage.DownloadUpdate) error
}

// Gate answers the readiness questions asked while a download runs.
type Gate interface {
	CheckCanUseNetwork(ctx context.Context, d storage.Download, totalBytes int64) (readiness.NetworkUsability, network.Info)
	AllowedByPolicy(ctx context.Context, batchID int64) bool
}

// Resolver turns a download URI into an HTTP request target.
type Resolver interface {
	Resolve(ctx context.Context, rawURI string) (source.Resolved, error)
}

// StorageGuard verifies the destination volume before bytes are written.
type StorageGuard interface {
	VerifySpace(path string, needed int64) error
}

// ProgressSink receives throttled progress reports.
type ProgressSink interface {
	OnProgress(ctx context.Context, p notifier.Progress)
}

type Config struct {
	MaxRedirects  int
	UserAgent     string
	ProgressEvery time.Duration
	ChunkSize     int
}

type discardProgress struct{}

func (discardProgress) OnProgress(context.Context, notifier.Progress) {}

// Outcome is the result of one attempt, as persisted on the download.
type Outcome struct {
	// Status is the status the download was left in.
	Status status.Status
	// Cause is the status the attempt stopped with. It differs from Status
	// when a retryable failure was parked for a retry.
	Cause        status.Status
	Message      string
	RetryAfter   time.Duration
	GotData      bool
	Transferred  int64
	Filename     string
	CurrentBytes int64
	TotalBytes   int64
}

// Executor runs download attempts. It is safe for concurrent use as long as
// no download is handed to two attempts at once.
type Executor struct {
	store   Store
	gate    Gate
	network readiness.NetworkFacade
	sources Resolver
	guard   StorageGuard
	sink    ProgressSink
	retry   *retry.Policy
	client  *http.Client
	cfg     Config
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the HTTP client. Redirects are always handled by
// the executor itself.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		e.client = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

func NewExecutor(
	store Store,
	gate Gate,
	networkFacade readiness.NetworkFacade,
	sources Resolver,
	guard StorageGuard,
	sink ProgressSink,
	cfg Config,
	opts ...Option,
) *Executor {
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}

	if sink == nil {
		sink = discardProgress{}
	}

	e := &Executor{
		store:   store,
		gate:    gate,
		network: networkFacade,
		sources: sources,
		guard:   guard,
		sink:    sink,
		retry:   retry.New(),
		client:  http.DefaultClient,
		cfg:     cfg,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	client := *e.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	e.client = &client

	return e
}

// NewHTTPClient returns the client downloads are fetched with. Responses are
// never decompressed so byte counts match what lands on disk.
func NewHTTPClient(connectTimeout, responseHeaderTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = responseHeaderTimeout
	transport.DisableCompression = true

	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// state lives for one attempt and is discarded when it returns.
type state struct {
	download storage.Download

	requestURL   string
	headers      []storage.Header
	filenameHint string

	filename     string
	mimeType     string
	etag         string
	continuing   bool
	currentBytes int64
	totalBytes   int64
	networkType  network.Type

	reader     *progress.Reader
	lastUpdate time.Time
}

func (st *state) restart() {
	st.filename = ""
	st.etag = ""
	st.currentBytes = 0
	st.continuing = false
}

func (st *state) resumable() bool {
	return st.etag != "" || st.download.NoIntegrity || st.download.AlwaysResume
}

func (st *state) transferred() int64 {
	if st.reader == nil {
		return 0
	}

	return st.reader.Transferred()
}

// Execute runs one attempt of download id and persists its outcome. It never
// panics and never returns an error: every failure ends up in the Outcome.
func (e *Executor) Execute(ctx context.Context, id int64) (out Outcome) {
	d, err := e.store.GetDownload(ctx, id)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to load download", "download_id", id, "err", err)

		// Hand a claimed row back so the loop does not wait on it forever.
		release := storage.DownloadUpdate{Status: storage.Set(status.Pending), LockedBy: storage.Set("")}
		if err := e.store.UpdateDownload(context.WithoutCancel(ctx), id, release); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Error("failed to release download", "download_id", id, "err", err)
		}

		return Outcome{
			Status:     status.UnknownError,
			Cause:      status.UnknownError,
			Message:    err.Error(),
			TotalBytes: storage.UnknownBytes,
		}
	}

	ctx = logctx.WithDownload(ctx, d.ID, d.BatchID)

	st := &state{
		download:     d,
		filename:     d.Filename,
		mimeType:     d.MimeType,
		etag:         d.ETag,
		currentBytes: d.CurrentBytes,
		totalBytes:   d.TotalBytes,
	}

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("download attempt panic",
				"panic", r,
				"stack", string(debug.Stack()))

			out = e.finish(ctx, st, stop(status.UnknownError, "panic: %v", r))
		}
	}()

	return e.finish(ctx, st, e.run(ctx, st))
}

func (e *Executor) run(ctx context.Context, st *state) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := e.store.UpdateDownload(ctx, st.download.ID, storage.DownloadUpdate{Status: storage.Set(status.Running)}); err != nil {
		return fmt.Errorf("failed to mark download running: %w", err)
	}

	if err := e.checkNetwork(ctx, st); err != nil {
		return err
	}

	if err := e.resolve(ctx, st); err != nil {
		return err
	}

	if err := e.setupDestination(ctx, st); err != nil {
		return err
	}

	resp, err := e.connect(ctx, st)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := e.processResponseHeaders(ctx, st, resp)
	if err != nil {
		return err
	}
	defer out.Close()

	logger.Info("downloading file",
		"file_path", st.filename,
		"offset", humanize.IBytes(uint64(st.currentBytes)),
		"file_size", sizeString(st.totalBytes))

	if err := e.transferData(ctx, st, resp.Body, out); err != nil {
		return err
	}

	return e.finalizeDestination(st, out)
}

func (e *Executor) checkNetwork(ctx context.Context, st *state) error {
	usability, info := e.gate.CheckCanUseNetwork(ctx, st.download, st.totalBytes)
	st.networkType = info.Type

	if usability != readiness.NetworkOK {
		return stop(usability.Status(), "%s", usability)
	}

	return nil
}

func (e *Executor) resolve(ctx context.Context, st *state) error {
	res, err := e.sources.Resolve(ctx, st.download.URI)
	if err != nil {
		switch {
		case errors.Is(err, source.ErrInvalidURI), errors.Is(err, source.ErrUnsupportedScheme):
			return stopWith(status.BadRequest, err, "cannot download uri")
		case errors.Is(err, source.ErrNotFound):
			return stopWith(status.FromHTTP(http.StatusNotFound), err, "source not found")
		case ctx.Err() != nil:
			return errShutdown
		}

		return &NetworkError{Operation: "resolve", Message: err.Error(), Err: err}
	}

	st.requestURL = res.URL
	st.headers = append(slices.Clone(st.download.Headers), res.Headers...)
	st.filenameHint = res.FilenameHint

	if st.mimeType == "" {
		st.mimeType = res.MimeType
	}

	return nil
}

// setupDestination decides between resuming the partial file on disk and
// starting over.
func (e *Executor) setupDestination(ctx context.Context, st *state) error {
	if st.filename == "" {
		st.restart()

		return nil
	}

	logger := logctx.LoggerFromContext(ctx).With("file_path", st.filename)

	info, err := os.Stat(st.filename)

	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("partial file is gone, starting over")
		st.restart()

		return nil
	case err != nil:
		return &DestinationError{Path: st.filename, Reason: "failed to stat partial file", Err: err}
	case info.Size() == 0:
		logger.Debug("partial file is empty, starting over")
	case !st.resumable():
		logger.Info("discarding partial file that cannot be resumed", "size", humanize.IBytes(uint64(info.Size())))
	default:
		st.currentBytes = info.Size()
		st.continuing = true

		return nil
	}

	if err := os.Remove(st.filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &DestinationError{Path: st.filename, Reason: "failed to remove partial file", Err: err}
	}

	st.restart()

	return nil
}

// connect sends the request, following redirects by hand so that each hop
// is counted and the final status code is seen as is.
func (e *Executor) connect(ctx context.Context, st *state) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx)
	target := st.requestURL
	redirects := 0

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, stopWith(status.BadRequest, err, "invalid request url")
		}

		e.addRequestHeaders(req, st)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errShutdown
			}

			return nil, &NetworkError{Operation: "connect", Message: err.Error(), Err: err}
		}

		code := resp.StatusCode

		switch code {
		case http.StatusOK:
			if st.continuing {
				closeBody(resp)

				return nil, stop(status.CannotResume, "expected partial content but server sent the whole file")
			}

			return resp, nil
		case http.StatusPartialContent:
			if !st.continuing {
				closeBody(resp)

				return nil, stop(status.CannotResume, "server sent partial content for a fresh request")
			}

			return resp, nil
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			closeBody(resp)

			redirects++
			if redirects > e.cfg.MaxRedirects {
				return nil, stop(status.TooManyRedirects, "more than %d redirects", e.cfg.MaxRedirects)
			}

			if location == "" {
				return nil, stop(status.UnhandledRedirect, "redirect %d without location", code)
			}

			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return nil, stopWith(status.BadRequest, err, "invalid redirect location")
			}

			logger.Debug("following redirect", "status", code, "redirects", redirects)

			target = next.String()
		case http.StatusPreconditionFailed:
			closeBody(resp)

			return nil, stop(status.CannotResume, "file changed on the server since the download started")
		case http.StatusRequestedRangeNotSatisfiable:
			closeBody(resp)

			return nil, stop(status.CannotResume, "requested range not satisfiable")
		case http.StatusServiceUnavailable:
			retryAfter, _ := e.retry.ParseRetryAfter(resp.Header.Get("Retry-After"), e.now())
			closeBody(resp)

			return nil, &StopError{Status: status.ServiceUnavailable, Message: "service unavailable", RetryAfter: retryAfter}
		case http.StatusInternalServerError:
			closeBody(resp)

			return nil, stop(status.InternalServerError, "internal server error")
		default:
			closeBody(resp)

			if code >= 300 && code < 400 {
				return nil, stop(status.UnhandledRedirect, "unhandled redirect %d", code)
			}

			return nil, stop(status.FromHTTP(code), "unhandled http code %d", code)
		}
	}
}

func (e *Executor) addRequestHeaders(req *http.Request, st *state) {
	for _, h := range st.headers {
		req.Header.Add(h.Name, h.Value)
	}

	if req.Header.Get("User-Agent") == "" && e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	req.Header.Set("Accept-Encoding", "identity")

	if st.continuing {
		if st.etag != "" {
			req.Header.Set("If-Match", st.etag)
		}

		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.currentBytes))
	}
}

// processResponseHeaders opens the destination file and records what the
// response tells about the content.
func (e *Executor) processResponseHeaders(ctx context.Context, st *state, resp *http.Response) (*os.File, error) {
	id := st.download.ID

	if st.continuing {
		if st.totalBytes < 0 && resp.ContentLength >= 0 {
			st.totalBytes = st.currentBytes + resp.ContentLength
		}

		f, err := os.OpenFile(st.filename, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return nil, &DestinationError{Path: st.filename, Reason: "failed to open partial file", Err: err}
		}

		if err := e.store.UpdateDownload(ctx, id, storage.DownloadUpdate{TotalBytes: storage.Set(st.totalBytes)}); err != nil {
			f.Close()

			return nil, fmt.Errorf("failed to persist download size: %w", err)
		}

		return f, nil
	}

	st.etag = resp.Header.Get("ETag")
	st.totalBytes = storage.UnknownBytes

	if resp.ContentLength >= 0 {
		st.totalBytes = resp.ContentLength
	}

	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		st.mimeType = mt
	}

	if st.totalBytes < 0 && !st.download.NoIntegrity && !slices.Contains(resp.TransferEncoding, "chunked") {
		return nil, stop(status.CannotResume, "cannot determine the size of the download")
	}

	dir := st.download.Destination

	if err := e.guard.VerifySpace(dir, 0); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &DestinationError{Path: dir, Reason: "failed to create destination directory", Err: err}
	}

	if st.totalBytes > 0 {
		if err := e.guard.VerifySpace(dir, st.totalBytes); err != nil {
			return nil, err
		}
	}

	f, filename, err := createUnique(dir, deriveFilename(st.filenameHint, resp, st.mimeType))
	if err != nil {
		return nil, err
	}

	st.filename = filename
	st.currentBytes = 0

	err = e.store.UpdateDownload(ctx, id, storage.DownloadUpdate{
		Filename:     storage.Set(st.filename),
		MimeType:     storage.Set(st.mimeType),
		ETag:         storage.Set(st.etag),
		TotalBytes:   storage.Set(st.totalBytes),
		CurrentBytes: storage.Set(int64(0)),
	})
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to persist response headers: %w", err)
	}

	// The size is known now, so the network and the host get another say.
	if err := e.checkNetwork(ctx, st); err != nil {
		f.Close()

		return nil, err
	}

	if !e.gate.AllowedByPolicy(ctx, st.download.BatchID) {
		f.Close()

		return nil, stop(status.QueuedDueToClientRestrictions, "not allowed by host policy")
	}

	return f, nil
}

func (e *Executor) transferData(ctx context.Context, st *state, body io.Reader, out *os.File) error {
	now := e.now()
	st.reader = progress.NewReader(body, st.currentBytes, now)
	st.lastUpdate = now

	buf := make([]byte, e.cfg.ChunkSize)

	for {
		n, readErr := st.reader.Read(buf)
		if n > 0 {
			if err := e.guard.VerifySpace(st.filename, int64(n)); err != nil {
				return err
			}

			if _, err := out.Write(buf[:n]); err != nil {
				return &DestinationError{Path: st.filename, Reason: "failed to write", Err: err}
			}

			st.currentBytes = st.reader.Current()

			if err := e.updateProgress(ctx, st); err != nil {
				return err
			}
		}

		if errors.Is(readErr, io.EOF) {
			return e.handleEndOfStream(st)
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return errShutdown
			}

			return &NetworkError{Operation: "read_body", Message: readErr.Error(), Err: readErr}
		}
	}
}

// updateProgress persists progress and re-checks whether the download may
// continue, at most once per ProgressEvery.
func (e *Executor) updateProgress(ctx context.Context, st *state) error {
	now := e.now()
	if now.Sub(st.lastUpdate) < e.cfg.ProgressEvery {
		return nil
	}

	st.lastUpdate = now
	speed := st.reader.Sample(now)

	err := e.store.UpdateDownload(ctx, st.download.ID, storage.DownloadUpdate{
		CurrentBytes: storage.Set(st.currentBytes),
		TotalBytes:   storage.Set(st.totalBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	e.sink.OnProgress(ctx, notifier.Progress{
		BatchID:        st.download.BatchID,
		DownloadID:     st.download.ID,
		CurrentBytes:   st.currentBytes,
		TotalBytes:     st.totalBytes,
		BytesPerSecond: speed,
	})

	return e.checkPausedOrCanceled(ctx, st)
}

func (e *Executor) checkPausedOrCanceled(ctx context.Context, st *state) error {
	cs, err := e.store.GetControlStatus(ctx, st.download.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return stop(status.Deleting, "download removed")
	}

	if err != nil {
		return fmt.Errorf("failed to read control status: %w", err)
	}

	switch {
	case cs.Deleted || cs.Status.IsDeleting():
		return stop(status.Deleting, "download deleted")
	case cs.Status.IsCancelled():
		return stop(status.Canceled, "download canceled")
	case cs.Control == storage.ControlPaused || cs.Status.IsPaused():
		return stop(status.PausedByApp, "download paused")
	}

	if err := e.checkNetwork(ctx, st); err != nil {
		return err
	}

	if !e.gate.AllowedByPolicy(ctx, st.download.BatchID) {
		return stop(status.QueuedDueToClientRestrictions, "not allowed by host policy")
	}

	return nil
}

func (e *Executor) handleEndOfStream(st *state) error {
	if st.totalBytes < 0 || st.currentBytes == st.totalBytes {
		return nil
	}

	if !st.resumable() {
		return stop(status.CannotResume, "mismatched content length; unable to resume")
	}

	return &NetworkError{
		Operation: "read_body",
		Message:   fmt.Sprintf("stream closed after %d of %d bytes", st.currentBytes, st.totalBytes),
	}
}

func (e *Executor) finalizeDestination(st *state, out *os.File) error {
	if err := out.Sync(); err != nil {
		return &DestinationError{Path: st.filename, Reason: "failed to sync", Err: err}
	}

	if err := out.Close(); err != nil {
		return &DestinationError{Path: st.filename, Reason: "failed to close", Err: err}
	}

	if err := os.Chmod(st.filename, filePerm); err != nil {
		return &DestinationError{Path: st.filename, Reason: "failed to set permissions", Err: err}
	}

	if st.totalBytes < 0 {
		st.totalBytes = st.currentBytes
	}

	return nil
}

// finish turns the attempt's error into the final status, schedules retries,
// cleans up the destination and persists everything in one update.
func (e *Executor) finish(ctx context.Context, st *state, err error) Outcome {
	if interrupted(ctx, err) {
		err = errShutdown
	}

	// The outcome is persisted even when the attempt was cut short by shutdown.
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)
	d := st.download

	out := Outcome{
		Status:       status.Success,
		Cause:        status.Success,
		Transferred:  st.transferred(),
		Filename:     st.filename,
		CurrentBytes: st.currentBytes,
		TotalBytes:   st.totalBytes,
	}
	out.GotData = out.Transferred > 0

	switch {
	case err == nil:
	case errors.Is(err, errShutdown):
		out.Status, out.Cause, out.Message = status.Pending, status.Pending, err.Error()
	default:
		stopErr := classify(err)
		out.Status, out.Cause = stopErr.Status, stopErr.Status
		out.Message, out.RetryAfter = stopErr.Error(), stopErr.RetryAfter
	}

	update := storage.DownloadUpdate{
		LockedBy:     storage.Set(""),
		LastModified: storage.Set(e.now()),
		ErrorMessage: storage.Set(out.Message),
	}

	if out.Cause.IsRetryable() && !out.Cause.IsRestricted() {
		failures := d.FailureCount + 1
		if out.GotData {
			failures = 1
		}

		update.FailureCount = storage.Set(failures)

		if !e.retry.Exhausted(failures) {
			out.Status = e.waitingStatus(ctx, st)
			update.RetryAfter = storage.Set(out.RetryAfter)
		}
	}

	if out.Status.IsDeleting() || (out.Status.IsError() && !out.Status.IsEnvironmental()) {
		e.discardPartial(ctx, st)

		out.Filename, out.CurrentBytes = "", 0
		update.Filename = storage.Set("")
		update.ETag = storage.Set("")
	}

	update.CurrentBytes = storage.Set(out.CurrentBytes)
	update.TotalBytes = storage.Set(out.TotalBytes)

	update.Status = storage.Set(out.Status)

	if err := e.store.UpdateDownload(ctx, d.ID, update); err != nil {
		logger.Error("failed to persist download outcome", "status", out.Status.String(), "err", err)
	}

	attrs := []any{
		"status", out.Status.String(),
		"cause", out.Cause.String(),
		"transferred", humanize.IBytes(uint64(out.Transferred)),
	}

	switch {
	case out.Status.IsSuccess():
		logger.Info("download finished", append(attrs, "file_path", out.Filename, "file_size", sizeString(out.TotalBytes))...)
	case out.Status.IsError():
		logger.Warn("download failed", append(attrs, "reason", out.Message)...)
	default:
		logger.Info("download stopped", append(attrs, "reason", out.Message)...)
	}

	return out
}

// waitingStatus picks where a retryable failure waits: for its timer when
// the network it ran on is still there, for the network otherwise.
func (e *Executor) waitingStatus(ctx context.Context, st *state) status.Status {
	info, ok := e.network.ActiveNetworkInfo(ctx)
	if ok && info.Connected && info.Type == st.networkType {
		return status.WaitingToRetry
	}

	return status.WaitingForNetwork
}

func (e *Executor) discardPartial(ctx context.Context, st *state) {
	if st.filename == "" {
		return
	}

	if err := os.Remove(st.filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove partial file", "file_path", st.filename, "err", err)
	}
}

// interrupted reports whether err comes from the attempt's context being
// canceled rather than from the download itself.
func interrupted(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, errShutdown) {
		return true
	}

	var stopErr *StopError
	if errors.As(err, &stopErr) {
		return false
	}

	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}

// deriveFilename picks a name from, in order, the source's hint, the
// Content-Disposition and Content-Location headers and the final URL.
func deriveFilename(hint string, resp *http.Response, mimeType string) string {
	candidates := []string{hint}

	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		candidates = append(candidates, params["filename"])
	}

	if loc := resp.Header.Get("Content-Location"); loc != "" {
		if u, err := url.Parse(loc); err == nil {
			candidates = append(candidates, u.Path)
		}
	}

	if resp.Request != nil {
		candidates = append(candidates, resp.Request.URL.Path)
	}

	name := defaultFilename

	for _, c := range candidates {
		if c = sanitizeFilename(c); c != "" {
			name = c

			break
		}
	}

	if filepath.Ext(name) == "" && mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}

	return name
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}

	name = path.Base(name)
	if name == "/" || name == "." {
		return ""
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`"*:<>?|`, r) {
			return '_'
		}

		return r
	}, name)

	return strings.TrimSpace(strings.TrimLeft(name, "."))
}

// createUnique creates name in dir, adding -1, -2... before the extension
// until the name is free.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := range maxFilenameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}

		p := filepath.Join(dir, candidate)

		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			return f, p, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, "", &DestinationError{Path: p, Reason: "failed to create file", Err: err}
		}
	}

	return nil, "", &DestinationError{Path: filepath.Join(dir, name), Reason: "no free file name"}
}
