package sync

import (
	"errors"
	"fmt"
)

// Errors a RemoteAuthority reports.
var (
	ErrUnauthorized      = errors.New("remote: unauthorized")
	ErrRemoteNotFound    = errors.New("remote: not found")
	ErrServerError       = errors.New("remote: server error")
	ErrUnreachable       = errors.New("remote: unreachable")
	ErrMalformedResponse = errors.New("remote: malformed response")
)

// Errors surfaced to callers of the puller, processor and engine.
var (
	ErrNetwork           = errors.New("network failure, retry later")
	ErrAuth              = errors.New("authentication required")
	ErrQueuePaused       = errors.New("outbound queue paused until re-authentication")
	ErrNothingToResend   = errors.New("record has no failed send to retry")
	ErrNotQueued         = errors.New("no pending operation for record")
	ErrAlreadyDispatched = errors.New("operation already dispatched")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrTimeout           = errors.New("request timed out")
	ErrAttachment        = errors.New("attachment missing or unreadable")
)

var errStaleResponse = errors.New("stale response")

// RemoteError wraps a RemoteAuthority failure with the HTTP status, if any.
type RemoteError struct {
	Kind   error
	Status int
	Msg    string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork)
}
