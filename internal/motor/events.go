package motor

import "github.com/lemonforest/mlehaptics-sub011/proto"

// Event is anything the scheduler's single input queue can carry: button
// presses, coordination notifications, and time-sync updates.
type Event any

// ButtonPress is posted by the (external) button task on a short press.
type ButtonPress struct {
	AtLocalUs uint64
}

// ShutdownRequested is posted on a 5-second hold, or forwarded from a peer's
// Shutdown coordination message. Never dropped for queue-full.
type ShutdownRequested struct{}

// RoleAssigned is posted once C4 has negotiated SERVER/CLIENT/Standalone.
type RoleAssigned struct {
	Role proto.Role
}

// BeaconUpdated is posted by the time-sync task when a SERVER beacon
// carries a different epoch or mode than currently known.
type BeaconUpdated struct {
	EpochUs       uint64
	CyclePeriodMs uint16
	Mode          proto.ModeID
	Config        proto.ModeConfig
}

// ModeChangeArm is the local effect of a two-phase commit proposal,
// whether generated locally (SERVER) or received from the peer (CLIENT).
// Never dropped for queue-full.
type ModeChangeArm struct {
	ArmedEpochUs uint64
	Mode         proto.ModeID
	Config       proto.ModeConfig
}

// MotorStartedNotice is posted on CLIENT receipt of a peer's MotorStarted
// coordination message: snaps antiphase state selection without
// recomputing from a possibly stale target.
type MotorStartedNotice struct {
	EpochUs       uint64
	CyclePeriodMs uint16
}

// lowPriority reports whether an event may be dropped when the queue is
// full. Mode-change and shutdown are never dropped.
func lowPriority(e Event) bool {
	switch e.(type) {
	case ShutdownRequested, ModeChangeArm:
		return false
	default:
		return true
	}
}
