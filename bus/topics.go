package bus

// Tokens for this core's own topic tree, named the way the teacher's
// hal consts package names its topic vocabulary rather than scattering
// raw string literals at every Subscribe/Publish call site.
const (
	TokMotor    = "motor"
	TokTimesync = "timesync"
	TokCoord    = "coord"

	TokState      = "state"
	TokLock       = "lock"
	TokOffset     = "offset"
	TokRole       = "role"
	TokModeChange = "mode_change"
	TokActivation = "activation"
)

// MotorStateTopic is the retained topic a device's scheduler publishes its
// current State/ModeID pair to.
func MotorStateTopic() Topic { return T(TokMotor, TokState) }

// TimesyncLockTopic is the retained topic a CLIENT's filter publishes its
// Locked() transitions to.
func TimesyncLockTopic() Topic { return T(TokTimesync, TokLock) }

// TimesyncOffsetTopic is the retained topic a CLIENT's filter publishes its
// FilteredOffsetUs() samples to, for anything observing drift without
// reaching into the clock.Filter directly.
func TimesyncOffsetTopic() Topic { return T(TokTimesync, TokOffset) }

// CoordRoleTopic is the retained topic a device publishes its resolved
// Role to once ResolveRole has run.
func CoordRoleTopic() Topic { return T(TokCoord, TokRole) }

// CoordModeChangeTopic carries non-retained notices each time a two-phase
// mode-change proposal is sent or armed locally.
func CoordModeChangeTopic() Topic { return T(TokCoord, TokModeChange) }

// TimesyncActivationTopic carries non-retained notices each time a CLIENT
// sends an ActivationReport, for anything tallying reporting cadence.
func TimesyncActivationTopic() Topic { return T(TokTimesync, TokActivation) }
