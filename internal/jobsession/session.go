package jobsession

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/cronmon/internal/eventstream"
	"github.com/nixpig/cronmon/internal/jobsession/output"
	"github.com/nixpig/cronmon/internal/logmerge"
)

// Session represents one triggered execution of a job. Its state only moves
// forward: once terminal, further events are ignored and nothing changes.
// The error flag, once set, is never cleared. Safe for concurrent use.
type Session struct {
	id    string
	jobID string

	mu         sync.Mutex
	state      State
	errored    bool
	message    string
	cause      error
	startedAt  time.Time
	finishedAt time.Time

	feed *output.Feed
}

// Snapshot is a point-in-time copy of a Session's state, safe to hand to a
// renderer.
type Snapshot struct {
	ID         string
	JobID      string
	State      State
	Errored    bool
	Message    string
	Lines      []logmerge.Line
	Cause      error
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewSession creates a Session for jobID in StateTriggering.
func NewSession(jobID string) *Session {
	return &Session{
		id:        uuid.NewString(),
		jobID:     jobID,
		state:     StateTriggering,
		message:   fmt.Sprintf("Triggering job: %s...", jobID),
		startedAt: time.Now(),
		feed:      output.NewFeed(),
	}
}

// ID returns the unique ID of the Session.
func (s *Session) ID() string {
	return s.id
}

// JobID returns the ID of the job the Session executes.
func (s *Session) JobID() string {
	return s.jobID
}

// State returns the state of the Session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Errored reports whether an error has been recorded.
func (s *Session) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errored
}

// Done returns a channel that is closed when the Session reaches a terminal
// state.
func (s *Session) Done() <-chan struct{} {
	return s.feed.Done()
}

// Subscribe returns a reader over the Session's output lines, starting from
// the first line. Next blocks for new lines until the Session is terminal.
func (s *Session) Subscribe() *output.Reader {
	return s.feed.Subscribe()
}

// Snapshot returns a copy of the Session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:         s.id,
		JobID:      s.jobID,
		State:      s.state,
		Errored:    s.errored,
		Message:    s.message,
		Lines:      s.feed.Lines(),
		Cause:      s.cause,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

// Apply updates the Session with an event from the stream. Events received
// once the Session is terminal are rejected with an InvalidStateError and
// change nothing.
func (s *Session) Apply(ev eventstream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return NewInvalidStateError(s.state, StateStreaming)
	}

	// Any event proves the stream is open.
	if s.state == StateTriggering {
		s.state = StateStreaming
	}

	switch ev.Kind {
	case eventstream.KindStart:
		s.message = ev.Payload

	case eventstream.KindCommand:
		s.append(logmerge.SourceMeta, ev.Payload)

	case eventstream.KindStdout:
		s.append(logmerge.SourceStdout, ev.Payload)

	case eventstream.KindStderr:
		s.append(logmerge.SourceStderr, ev.Payload)

	case eventstream.KindError:
		s.errored = true
		s.append(logmerge.SourceStderr, "ERROR: "+ev.Payload)

	case eventstream.KindComplete:
		// The server may still send cleanup events before end.
		s.message = ev.Payload

	case eventstream.KindEnd:
		if s.errored {
			s.message = fmt.Sprintf("Job %s failed", s.jobID)
			s.finish(StateFailed)
		} else {
			s.message = fmt.Sprintf("Job %s completed", s.jobID)
			s.finish(StateCompleted)
		}

	default:
		s.append(logmerge.SourceStdout, ev.Payload)
	}

	return nil
}

// Open records that the trigger request succeeded and its event stream is
// open, moving the Session to StateStreaming before any event arrives.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return NewInvalidStateError(s.state, StateStreaming)
	}

	s.state = StateStreaming

	return nil
}

// Fail records a transport failure and moves the Session to StateFailed,
// bypassing the end event.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return NewInvalidStateError(s.state, StateFailed)
	}

	streaming := s.state == StateStreaming

	s.errored = true
	s.cause = &TransportError{Streaming: streaming, Err: err}

	if streaming {
		s.message = "Error streaming job output"
		s.append(logmerge.SourceStderr, "Connection error: "+err.Error())
	} else {
		s.message = "Error triggering job"
		s.append(logmerge.SourceStderr, "Error: "+err.Error())
	}

	s.finish(StateFailed)

	return nil
}

// Kill moves an active Session to StateKilled. ackJobID is the job ID
// acknowledged by the cron manager, if any; it only affects the status
// message.
func (s *Session) Kill(ackJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() {
		return NewInvalidStateError(s.state, StateKilled)
	}

	if ackJobID == "" {
		ackJobID = s.jobID
	}

	s.errored = true
	s.message = fmt.Sprintf("Job %s killed", ackJobID)
	s.append(logmerge.SourceMeta, "Killed by operator")

	s.finish(StateKilled)

	return nil
}

// Note appends an annotation line to an active Session.
func (s *Session) Note(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	s.append(logmerge.SourceMeta, text)
}

func (s *Session) append(source logmerge.Source, text string) {
	s.feed.Append(logmerge.Line{Source: source, Text: text})
}

// finish must be called with s.mu held.
func (s *Session) finish(state State) {
	s.state = state
	s.finishedAt = time.Now()

	s.feed.Close()
}
