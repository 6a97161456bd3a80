package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicates(t *testing.T) {
	tests := []struct {
		status      Status
		isError     bool
		isCompleted bool
		isRetryable bool
		isPaused    bool
		isActive    bool
	}{
		{status: Pending},
		{status: Running, isActive: true},
		{status: Submitted, isActive: true},
		{status: PausedByApp, isPaused: true},
		{status: Pausing, isPaused: true},
		{status: WaitingToRetry},
		{status: QueuedDueToClientRestrictions, isRetryable: true},
		{status: Success, isCompleted: true},
		{status: Canceled, isError: true},
		{status: HTTPDataError, isError: true, isCompleted: true, isRetryable: true},
		{status: ServiceUnavailable, isError: true, isCompleted: true, isRetryable: true},
		{status: InternalServerError, isError: true, isCompleted: true, isRetryable: true},
		{status: InsufficientSpaceError, isError: true, isCompleted: true},
		{status: DeviceNotFoundError, isError: true, isCompleted: true},
		{status: CannotResume, isError: true, isCompleted: true},
		{status: TooManyRedirects, isError: true, isCompleted: true},
		{status: Status(404), isError: true, isCompleted: true},
		{status: Deleting},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.isError, tt.status.IsError(), "IsError")
			assert.Equal(t, tt.isCompleted, tt.status.IsCompleted(), "IsCompleted")
			assert.Equal(t, tt.isRetryable, tt.status.IsRetryable(), "IsRetryable")
			assert.Equal(t, tt.isPaused, tt.status.IsPaused(), "IsPaused")
			assert.Equal(t, tt.isActive, tt.status.IsSubmittedOrRunning(), "IsSubmittedOrRunning")
		})
	}
}

func TestFromHTTP(t *testing.T) {
	assert.Equal(t, Status(404), FromHTTP(404))
	assert.Equal(t, ServiceUnavailable, FromHTTP(503))
	assert.Equal(t, UnhandledHTTPCode, FromHTTP(204))
	assert.Equal(t, UnhandledHTTPCode, FromHTTP(700))
}

func TestString(t *testing.T) {
	assert.Equal(t, "WAITING_TO_RETRY", WaitingToRetry.String())
	assert.Equal(t, "HTTP_418", Status(418).String())
	assert.Equal(t, "STATUS_7", Status(7).String())
}

func TestBands(t *testing.T) {
	assert.Equal(t, BandInformational, QueuedForWifi.Band())
	assert.Equal(t, BandError, DeviceNotFoundError.Band())
	assert.Equal(t, BandHandover, Submitted.Band())
	assert.Equal(t, BandTeardown, Deleting.Band())
	assert.True(t, Deleting.IsDeleting())
	assert.False(t, Status(7).Valid())
	assert.True(t, Status(418).Valid())
}
