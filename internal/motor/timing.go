package motor

import "github.com/lemonforest/mlehaptics-sub011/x/mathx"

// ServerCycleStart implements the SERVER cycle-start anchoring rule:
// returns the synchronized-time instant cycle cycleCount begins.
func ServerCycleStart(epochUs uint64, cyclePeriodUs uint64, cycleCount uint64) uint64 {
	return epochUs + cycleCount*cyclePeriodUs
}

// CatchUp classifies how far in the past a cycle start falls relative to
// now, to decide whether to drive normally, skip only the motor-on drive
// (coast-only), or skip the whole ACTIVE. This bounds catch-up so a long
// stall never doubles effective motor duration.
type CatchUp int

const (
	CatchUpNone CatchUp = iota
	CatchUpCoastOnly
	CatchUpSkipActive
)

// ClassifyServerCatchUp implements the SERVER cycle-start anchoring rule.
func ClassifyServerCatchUp(nowUs, cycleStartUs uint64, motorOnMs, activeSpanMs uint32) CatchUp {
	if cycleStartUs > nowUs {
		return CatchUpNone
	}
	lateMs := (nowUs - cycleStartUs) / 1000
	if lateMs < uint64(motorOnMs) {
		return CatchUpNone
	}
	activeEndUs := cycleStartUs + uint64(activeSpanMs)*1000
	if activeEndUs <= nowUs {
		return CatchUpSkipActive
	}
	return CatchUpCoastOnly
}

// ClientAntiphaseTarget implements the CLIENT antiphase computation:
// from the SERVER's epoch/period, find the server cycle currently
// in progress and the instant this CLIENT's own ACTIVE half-cycle should
// begin (one half-period after the server cycle's start). If that instant
// has already passed, it advances by whole periods until it is >= now.
func ClientAntiphaseTarget(nowUs, epochUs, cyclePeriodUs uint64) (ownActiveStartUs uint64) {
	if nowUs < epochUs {
		return epochUs + cyclePeriodUs/2
	}
	elapsed := nowUs - epochUs
	cyclesSinceEpoch := elapsed / cyclePeriodUs
	serverCycleStart := epochUs + cyclesSinceEpoch*cyclePeriodUs
	target := serverCycleStart + cyclePeriodUs/2
	if target < nowUs {
		target += cyclePeriodUs
	}
	return target
}

// ClientPosition reports whether, at nowUs, the CLIENT should currently be
// ACTIVE (server is in its second half-cycle) or INACTIVE (first half).
// State selection is purely position-based, with no per-cycle toggle.
func ClientPosition(nowUs, epochUs, cyclePeriodUs uint64) (active bool) {
	if nowUs < epochUs {
		return false
	}
	posInCycle := (nowUs - epochUs) % cyclePeriodUs
	return posInCycle >= cyclePeriodUs/2
}

// DriftCorrection is the per-cycle asymmetric correction applied to the
// CLIENT's next half-cycle durations. At most one of the two deltas
// is non-zero (both are zero inside the deadband); negative drift means the CLIENT ran late, positive means
// it ran early.
type DriftCorrection struct {
	CoastDeltaMs    int32 // <= 0: shortens the next ACTIVE's coast
	InactiveDeltaMs int32 // >= 0: lengthens the next INACTIVE wait
}

// ComputeDriftCorrection turns an observed drift (targetUs - actualUs,
// converted to ms; negative means late, positive means early) into a
// bounded, deadbanded correction.
func ComputeDriftCorrection(driftMs int64, halfPeriodMs uint32) DriftCorrection {
	clamp := int64(mathx.Max(uint32(50), halfPeriodMs/5))    // max(50ms, 20% of half-period)
	deadband := int64(mathx.Max(uint32(25), halfPeriodMs/10)) // max(25ms, 10% of half-period)

	if driftMs >= -deadband && driftMs <= deadband {
		return DriftCorrection{}
	}

	mag := driftMs
	if mag < 0 {
		mag = -mag
	}
	if mag > clamp {
		mag = clamp
	}

	if driftMs < 0 {
		return DriftCorrection{CoastDeltaMs: -int32(mag)}
	}
	return DriftCorrection{InactiveDeltaMs: int32(mag)}
}

const (
	coastFloorMs    = 10
	motorOnBorrowFloorMs = 50
)

// ApplyCoastDelta applies a (non-positive) coast correction to the next
// ACTIVE's coast/motor-on split. If shortening coast below its floor would
// be required, the remainder is borrowed from motor-on down to its own
// floor; shortening INACTIVE or lengthening ACTIVE past these floors is
// never performed.
func ApplyCoastDelta(coastMs, motorOnMs uint32, delta int32) (newCoastMs, newMotorOnMs uint32) {
	if delta >= 0 {
		return coastMs, motorOnMs
	}
	shorten := uint32(-delta)
	newCoastMs = coastMs
	if shorten >= newCoastMs {
		shorten -= newCoastMs
		newCoastMs = 0
	} else {
		newCoastMs -= shorten
		shorten = 0
	}
	if newCoastMs < coastFloorMs {
		borrow := shorten + coastFloorMs - newCoastMs
		newCoastMs = coastFloorMs
		if motorOnMs > motorOnBorrowFloorMs+borrow {
			motorOnMs -= borrow
		} else if motorOnMs > motorOnBorrowFloorMs {
			motorOnMs = motorOnBorrowFloorMs
		}
	}
	return newCoastMs, motorOnMs
}
