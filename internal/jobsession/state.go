package jobsession

// State is the lifecycle state of a Session.
type State int

const (
	// StateIdle indicates there is no session. It's the zero value and is
	// only ever reported by a Controller that has not triggered anything.
	StateIdle State = iota

	// StateTriggering indicates the trigger request has been issued but the
	// event stream has not started yet.
	StateTriggering

	// StateStreaming indicates the event stream is open and events are being
	// applied.
	StateStreaming

	// StateCompleted indicates the stream ended without any error having been
	// recorded.
	StateCompleted

	// StateFailed indicates the stream ended after an error event, or the
	// connection failed.
	StateFailed

	// StateKilled indicates the session was killed by the operator.
	StateKilled
)

// NOTE: This slice needs to be kept in sync with any changes to the State
// values.
var states = []string{
	"Idle",
	"Triggering",
	"Streaming",
	"Completed",
	"Failed",
	"Killed",
}

// String implements the Stringer interface for State and returns a string
// representation of the State by using the int value to index into a slice.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return "Unknown"
	}

	return states[s]
}

// Active reports whether the state is Triggering or Streaming.
func (s State) Active() bool {
	return s == StateTriggering || s == StateStreaming
}

// Terminal reports whether the state is Completed, Failed or Killed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}
