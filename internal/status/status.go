// Package status defines the closed set of download and batch status codes
// and the predicates every other package branches on.
//
// Codes live in five bands: informational (queued, waiting and paused
// states), success, errors (client, server and local failures, including
// cancellation), and two process-internal bands used while work is being
// handed over (submitted, pausing) or torn down (deleting). Only this package
// inspects numeric ranges.
package status

import "strconv"

// Status is the state of a download or a batch.
type Status int

// Informational band.
const (
	Pending                       Status = 190
	Running                       Status = 192
	PausedByApp                   Status = 193
	WaitingToRetry                Status = 194
	WaitingForNetwork             Status = 195
	QueuedForWifi                 Status = 196
	QueuedDueToClientRestrictions Status = 197
)

// Environmental errors. They keep their historic 19x codes but belong to the
// error band.
const (
	InsufficientSpaceError Status = 198
	DeviceNotFoundError    Status = 199
)

// Success band.
const Success Status = 200

// Error band. Any HTTP 4xx/5xx code not listed here is a valid error status
// as well, see FromHTTP.
const (
	BadRequest          Status = 400
	NotAcceptable       Status = 406
	LengthRequired      Status = 411
	PreconditionFailed  Status = 412
	CannotResume        Status = 489
	Canceled            Status = 490
	UnknownError        Status = 491
	FileError           Status = 492
	UnhandledRedirect   Status = 493
	UnhandledHTTPCode   Status = 494
	HTTPDataError       Status = 495
	HTTPException       Status = 496
	TooManyRedirects    Status = 497
	Blocked             Status = 498
	InternalServerError Status = 500
	ServiceUnavailable  Status = 503
)

// Process-internal bands.
const (
	Submitted Status = 1010
	Pausing   Status = 1020

	Deleting Status = 1110
)

// Band groups status codes.
type Band int

const (
	BandUnknown Band = iota
	BandInformational
	BandSuccess
	BandError
	BandHandover
	BandTeardown
)

var names = map[Status]string{
	Pending:                       "PENDING",
	Running:                       "RUNNING",
	PausedByApp:                   "PAUSED_BY_APP",
	WaitingToRetry:                "WAITING_TO_RETRY",
	WaitingForNetwork:             "WAITING_FOR_NETWORK",
	QueuedForWifi:                 "QUEUED_FOR_WIFI",
	QueuedDueToClientRestrictions: "QUEUED_DUE_TO_CLIENT_RESTRICTIONS",
	InsufficientSpaceError:        "INSUFFICIENT_SPACE_ERROR",
	DeviceNotFoundError:           "DEVICE_NOT_FOUND_ERROR",
	Success:                       "SUCCESS",
	BadRequest:                    "BAD_REQUEST",
	NotAcceptable:                 "NOT_ACCEPTABLE",
	LengthRequired:                "LENGTH_REQUIRED",
	PreconditionFailed:            "PRECONDITION_FAILED",
	CannotResume:                  "CANNOT_RESUME",
	Canceled:                      "CANCELED",
	UnknownError:                  "UNKNOWN_ERROR",
	FileError:                     "FILE_ERROR",
	UnhandledRedirect:             "UNHANDLED_REDIRECT",
	UnhandledHTTPCode:             "UNHANDLED_HTTP_CODE",
	HTTPDataError:                 "HTTP_DATA_ERROR",
	HTTPException:                 "HTTP_EXCEPTION",
	TooManyRedirects:              "TOO_MANY_REDIRECTS",
	Blocked:                       "BLOCKED",
	InternalServerError:           "INTERNAL_SERVER_ERROR",
	ServiceUnavailable:            "SERVICE_UNAVAILABLE",
	Submitted:                     "SUBMITTED",
	Pausing:                       "PAUSING",
	Deleting:                      "DELETING",
}

// FromHTTP maps a final HTTP response code onto a status. Codes outside the
// 4xx/5xx range cannot describe a failure and become UnhandledHTTPCode.
func FromHTTP(code int) Status {
	if code >= 400 && code < 600 {
		return Status(code)
	}

	return UnhandledHTTPCode
}

// Band returns the band s belongs to.
func (s Status) Band() Band {
	switch {
	case s == InsufficientSpaceError || s == DeviceNotFoundError:
		return BandError
	case s >= 100 && s < 200:
		return BandInformational
	case s >= 200 && s < 300:
		return BandSuccess
	case s >= 400 && s < 600:
		return BandError
	case s >= 1000 && s < 1100:
		return BandHandover
	case s >= 1100 && s < 1200:
		return BandTeardown
	default:
		return BandUnknown
	}
}

// Valid reports whether s is a known code or an HTTP error code.
func (s Status) Valid() bool {
	if _, ok := names[s]; ok {
		return true
	}

	return s >= 400 && s < 600
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}

	if s >= 400 && s < 600 {
		return "HTTP_" + strconv.Itoa(int(s))
	}

	return "STATUS_" + strconv.Itoa(int(s))
}

// IsError reports whether s is a failure, cancellation included.
func (s Status) IsError() bool {
	return s.Band() == BandError
}

// IsSuccess reports whether s is a successful completion.
func (s Status) IsSuccess() bool {
	return s.Band() == BandSuccess
}

// IsCancelled reports whether s is an explicit cancellation.
func (s Status) IsCancelled() bool {
	return s == Canceled
}

// IsCompleted reports whether no more work is expected: success, or an error
// that was not a cancellation.
func (s Status) IsCompleted() bool {
	return s.IsSuccess() || (s.IsError() && !s.IsCancelled())
}

// IsRetryable reports whether a failure with this status is transient.
// Size, space and resume failures are not.
func (s Status) IsRetryable() bool {
	switch s {
	case HTTPDataError, ServiceUnavailable, InternalServerError, QueuedDueToClientRestrictions:
		return true
	default:
		return false
	}
}

// IsEnvironmental reports whether s is a local storage condition that is only
// retried once something outside the engine changes.
func (s Status) IsEnvironmental() bool {
	return s == InsufficientSpaceError || s == DeviceNotFoundError
}

// IsRestricted reports whether s was caused by the host application's policy.
// Restricted downloads are retried on policy or availability changes, never on
// a timer.
func (s Status) IsRestricted() bool {
	return s == QueuedDueToClientRestrictions
}

// IsPaused reports whether s is paused or on its way to being paused.
func (s Status) IsPaused() bool {
	return s == PausedByApp || s == Pausing
}

// IsSubmittedOrRunning reports whether s is owned by an execution.
func (s Status) IsSubmittedOrRunning() bool {
	return s == Submitted || s == Running
}

// IsWaiting reports whether s is parked until a network or timer condition
// clears.
func (s Status) IsWaiting() bool {
	switch s {
	case WaitingToRetry, WaitingForNetwork, QueuedForWifi:
		return true
	default:
		return false
	}
}

// IsDeleting reports whether s marks a record being torn down.
func (s Status) IsDeleting() bool {
	return s.Band() == BandTeardown
}
