// Package call wires codec, VAD, recognition, dialogue, synthesis and
// recording into one per-call session controller. The controller is the
// only component the transport layer talks to.
package call

// State is the session lifecycle state. Transitions run strictly forward;
// ERRORED absorbs from any non-CLOSED state.
type State int

const (
	// StateConnecting is the initial state: transport handshake done,
	// services not yet confirmed ready.
	StateConnecting State = iota
	// StateActive runs the frame/recognition/dialogue/synthesis loop.
	// The only state in which new utterances are accepted.
	StateActive
	// StateDraining accepts no new utterances; in-flight synthesis may
	// finish and the recording flush is initiated.
	StateDraining
	// StateClosed is terminal: all owned resources are released.
	StateClosed
	// StateErrored is the absorbing failure state.
	StateErrored
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateClosed || s == StateErrored
}
