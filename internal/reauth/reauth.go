// Package reauth defines the continuous-authentication session states,
// the legal transitions between them, and the timeout each state implies.
package reauth

import "time"

// State is the 4-valued session state carried in every continuous message.
// Wire values are 0-3; Invalid is local-only.
type State int8

const (
	Continue State = 0
	Pause    State = 1
	Stop     State = 2
	Error    State = 3
	Invalid  State = -1
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Continue:
		return "CONTINUE"
	case Pause:
		return "PAUSE"
	case Stop:
		return "STOP"
	case Error:
		return "ERROR"
	case Invalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// FromWire maps a wire byte to a State. Out-of-range values map to Invalid,
// which no transition accepts.
func FromWire(b int8) State {
	s := State(b)
	switch s {
	case Continue, Pause, Stop, Error:
		return s
	default:
		return Invalid
	}
}

// Wire returns the byte carried on the wire for the state.
func (s State) Wire() int8 {
	return int8(s)
}

// Transition applies the session state lattice. CONTINUE and PAUSE may move
// to any of CONTINUE, PAUSE or STOP; STOP only stays STOP; everything else
// is ERROR. ERROR is absorbing.
func Transition(from, to State) State {
	switch from {
	case Continue, Pause:
		switch to {
		case Continue, Pause, Stop:
			return to
		}
	case Stop:
		if to == Stop {
			return Stop
		}
	}
	return Error
}

// Timeouts holds the continuous-session timing parameters.
type Timeouts struct {
	// Active is the ping-pong period while the session is in CONTINUE.
	Active time.Duration

	// Paused is the ping-pong period while the session is in PAUSE.
	Paused time.Duration

	// Leeway is the slack added to read deadlines so a peer's message sent
	// at the edge of its period still arrives in time.
	Leeway time.Duration
}

// DefaultTimeouts returns the protocol defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Active: 10 * time.Second,
		Paused: 50 * time.Second,
		Leeway: 5 * time.Second,
	}
}

// For returns the ping-pong period the given state implies: Active for
// CONTINUE, Paused for PAUSE, zero for everything else.
func (t Timeouts) For(s State) time.Duration {
	switch s {
	case Continue:
		return t.Active
	case Pause:
		return t.Paused
	default:
		return 0
	}
}
