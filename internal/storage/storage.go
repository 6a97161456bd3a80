package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/batch_downloader/internal/status"
)

// UnknownBytes marks a byte count that is not known yet.
const UnknownBytes int64 = -1

var (
	// ErrNotFound is returned when a download or batch does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyClaimed is returned when another execution owns a download.
	ErrAlreadyClaimed = errors.New("storage: download already claimed")
)

// Control is the host requested run state of a download.
type Control int

const (
	ControlRun Control = iota
	ControlPaused
)

func (c Control) String() string {
	if c == ControlPaused {
		return "paused"
	}

	return "run"
}

// Visibility tells the host how a batch should be surfaced to users.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityHidden
)

// ScanState tracks the post-download indexing step.
type ScanState int

const (
	ScanNotRequired ScanState = iota
	ScanPending
	ScanDone
)

// DestinationClass names the storage volume a download is written to.
type DestinationClass string

const (
	ClassDownloads DestinationClass = "downloads"
	ClassCache     DestinationClass = "cache"
)

// Header is a custom request header sent with every attempt of a download.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Download is one resumable network transfer.
type Download struct {
	ID               int64
	BatchID          int64
	URI              string
	Destination      string
	DestinationClass DestinationClass
	Filename         string
	MimeType         string
	ETag             string
	NoIntegrity      bool
	AlwaysResume     bool
	TotalBytes       int64
	CurrentBytes     int64
	Status           status.Status
	FailureCount     int
	LastModified     time.Time
	RetryAfter       time.Duration
	Control          Control
	Deleted          bool
	Headers          []Header
	AllowRoaming     bool
	AllowMetered     bool
	BypassSizeLimit  bool
	ErrorMessage     string
	ScanState        ScanState
	LockedBy         string
	CreatedAt        time.Time
}

// Resumable reports whether a partial file of d can be continued instead of
// restarted.
func (d Download) Resumable() bool {
	return d.ETag != "" || d.NoIntegrity || d.AlwaysResume
}

// Batch is a named group of downloads sharing one status.
type Batch struct {
	ID          int64
	Title       string
	Description string
	Visibility  Visibility
	Status      status.Status
	Started     bool
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ControlStatus is the small slice of a download that is re-read while it
// transfers.
type ControlStatus struct {
	Control Control
	Status  status.Status
	Deleted bool
}

// DownloadUpdate lists the fields to change on a download. Nil fields are
// left untouched.
type DownloadUpdate struct {
	URI             *string
	Filename        *string
	MimeType        *string
	ETag            *string
	TotalBytes      *int64
	CurrentBytes    *int64
	Status          *status.Status
	FailureCount    *int
	LastModified    *time.Time
	RetryAfter      *time.Duration
	Control         *Control
	Deleted         *bool
	BypassSizeLimit *bool
	ErrorMessage    *string
	ScanState       *ScanState
	LockedBy        *string
}

// Set returns a pointer to v, for filling DownloadUpdate fields.
func Set[T any](v T) *T {
	return &v
}

// DownloadReadRepository reads download records.
type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (Download, error)
	GetControlStatus(ctx context.Context, id int64) (ControlStatus, error)
	ListDownloads(ctx context.Context) ([]Download, error)
	ListDownloadsByBatch(ctx context.Context, batchID int64) ([]Download, error)
}

// DownloadWriteRepository changes download records.
type DownloadWriteRepository interface {
	UpdateDownload(ctx context.Context, id int64, u DownloadUpdate) error
	UpdateDownloadsByBatch(ctx context.Context, batchID int64, u DownloadUpdate) error
	ClaimDownload(ctx context.Context, id int64, owner string) (bool, error)
	ReleaseInterrupted(ctx context.Context) (int64, error)
	DeleteDownload(ctx context.Context, id int64) error
}

// BatchRepository reads and changes batch records.
type BatchRepository interface {
	CreateBatch(ctx context.Context, b Batch, downloads []Download) (int64, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context) ([]Batch, error)
	UpdateBatchStatus(ctx context.Context, id int64, s status.Status) error
	MarkBatchStarted(ctx context.Context, id int64) (bool, error)
	MarkBatchDeleted(ctx context.Context, id int64) error
	DeleteBatch(ctx context.Context, id int64) error
}

// Store is the single source of truth for the engine. Every call is atomic at
// row granularity.
type Store interface {
	DownloadReadRepository
	DownloadWriteRepository
	BatchRepository
}
