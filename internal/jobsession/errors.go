package jobsession

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned when a trigger is issued while another
	// session is still triggering or streaming.
	ErrSessionActive = errors.New("a job session is already active")

	// ErrNoActiveSession is returned by Kill when no session is active for
	// the given job.
	ErrNoActiveSession = errors.New("no active session for job")

	// ErrNothingToRetry is returned by Retry when no job has been triggered.
	ErrNothingToRetry = errors.New("unable to determine job ID to retry")

	// ErrInvalidJobID is returned when a job ID is empty.
	ErrInvalidJobID = errors.New("job ID cannot be empty")

	// ErrStreamClosed is the cause recorded when the event stream ends without
	// an end event.
	ErrStreamClosed = errors.New("stream closed before end of job")

	// ErrIdleTimeout is the cause recorded when no event arrives within the
	// idle timeout.
	ErrIdleTimeout = errors.New("no events received within idle timeout")
)

// InvalidStateError is returned when attempting an invalid Session state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}

// TransportError wraps a failure of the connection to the cron manager: the
// trigger request failing, the stream breaking, or the stream stalling.
type TransportError struct {
	// Streaming is false when the failure happened before any event was
	// received.
	Streaming bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Streaming {
		return "stream: " + e.Err.Error()
	}

	return "trigger: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
