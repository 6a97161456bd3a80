package transfer

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/italolelis/batch_downloader/internal/space"
	"github.com/italolelis/batch_downloader/internal/status"
)

// errShutdown stops an attempt because the process is going away. The
// download is handed back as pending with its partial file intact.
var errShutdown = errors.New("transfer interrupted by shutdown")

// StopError ends a download attempt with a final status. Every failure
// inside the executor is turned into one before it reaches the caller.
type StopError struct {
	Status     status.Status // Status the attempt ends in
	Message    string        // Human-readable reason, persisted on the download
	RetryAfter time.Duration // Server supplied Retry-After, 0 when absent
	Err        error         // Underlying error, if any
}

func (e *StopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Status, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

func stop(s status.Status, format string, args ...any) *StopError {
	return &StopError{Status: s, Message: fmt.Sprintf(format, args...)}
}

func stopWith(s status.Status, err error, format string, args ...any) *StopError {
	return &StopError{Status: s, Message: fmt.Sprintf(format, args...), Err: err}
}

// NetworkError represents failures talking to the remote server, including
// connection failures and streams cut short.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "connect", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DestinationError represents failures preparing or writing the destination
// file.
type DestinationError struct {
	Path   string // The destination path that caused the error
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination error for '%s': %s", e.Path, e.Reason)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// classify maps any error raised during an attempt to a stop status.
func classify(err error) *StopError {
	var stopErr *StopError
	if errors.As(err, &stopErr) {
		return stopErr
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return stopWith(status.HTTPDataError, err, "%s", netErr.Operation)
	}

	switch {
	case errors.Is(err, space.ErrInsufficientSpace), errors.Is(err, syscall.ENOSPC):
		return stopWith(status.InsufficientSpaceError, err, "insufficient space")
	case errors.Is(err, space.ErrDeviceNotFound):
		return stopWith(status.DeviceNotFoundError, err, "destination volume not found")
	}

	var destErr *DestinationError
	if errors.As(err, &destErr) {
		return stopWith(status.FileError, err, "%s", destErr.Reason)
	}

	return stopWith(status.UnknownError, err, "unexpected error")
}
