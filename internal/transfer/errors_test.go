package transfer

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/italolelis/batch_downloader/internal/space"
	"github.com/italolelis/batch_downloader/internal/status"
)

func TestStopError_Error(t *testing.T) {
	err := stop(status.TooManyRedirects, "more than %d redirects", 5)
	assert.Equal(t, "TOO_MANY_REDIRECTS: more than 5 redirects", err.Error())

	wrapped := stopWith(status.FileError, errors.New("read-only file system"), "failed to open")
	assert.Equal(t, "FILE_ERROR: failed to open: read-only file system", wrapped.Error())
}

func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "connect",
				StatusCode: 503,
				Message:    "service unavailable",
			},
			wantFormat: "network error during connect (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation: "read_body",
				Message:   "connection reset by peer",
			},
			wantFormat: "network error during read_body: connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFormat, tt.err.Error())
		})
	}
}

func TestDestinationError_Error(t *testing.T) {
	err := &DestinationError{Path: "/data/movie.mkv", Reason: "permission denied"}
	assert.Equal(t, "destination error for '/data/movie.mkv': permission denied", err.Error())
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("underlying")

	assert.ErrorIs(t, &StopError{Err: base}, base)
	assert.ErrorIs(t, &NetworkError{Err: base}, base)
	assert.ErrorIs(t, &DestinationError{Err: base}, base)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want status.Status
	}{
		{"stop error passes through", stop(status.CannotResume, "no"), status.CannotResume},
		{"wrapped stop error", fmt.Errorf("attempt: %w", stop(status.ServiceUnavailable, "busy")), status.ServiceUnavailable},
		{"network error is a data error", &NetworkError{Operation: "connect"}, status.HTTPDataError},
		{"space guard", fmt.Errorf("write: %w", space.ErrInsufficientSpace), status.InsufficientSpaceError},
		{"disk full", &DestinationError{Reason: "write", Err: syscall.ENOSPC}, status.InsufficientSpaceError},
		{"missing volume", space.ErrDeviceNotFound, status.DeviceNotFoundError},
		{"destination", &DestinationError{Reason: "open"}, status.FileError},
		{"anything else", errors.New("boom"), status.UnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err).Status)
		})
	}
}
