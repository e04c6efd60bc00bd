// Package motor implements the Motor Scheduler (C3): the 8-state machine
// that drives a vibration motor through alternating ACTIVE/INACTIVE
// half-cycles anchored to a shared epoch, with asymmetric drift
// correction and a two-phase mode-change commit.
package motor

// State is one of the scheduler's eight named states. COAST is declared
// for completeness but is never a top-level state reached by the loop: it
// is an interval inside FORWARD_ACTIVE/REVERSE_ACTIVE, not a state of its own.
type State int

const (
	IDLE State = iota
	PairingWait
	CheckMessages
	ForwardActive
	Coast
	Inactive
	ReverseActive
	Shutdown
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case PairingWait:
		return "PAIRING_WAIT"
	case CheckMessages:
		return "CHECK_MESSAGES"
	case ForwardActive:
		return "FORWARD_ACTIVE"
	case Coast:
		return "COAST"
	case Inactive:
		return "INACTIVE"
	case ReverseActive:
		return "REVERSE_ACTIVE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "STATE?"
	}
}
