package motor

import "testing"

func TestClientAntiphaseTargetFirstHalf(t *testing.T) {
	const epoch, period = uint64(1_000_000), uint64(1_000_000)
	got := ClientAntiphaseTarget(epoch+100_000, epoch, period)
	want := epoch + period/2
	if got != want {
		t.Fatalf("target = %d, want %d", got, want)
	}
}

func TestClientAntiphaseTargetAdvancesWhenPassed(t *testing.T) {
	const epoch, period = uint64(0), uint64(1_000_000)
	now := epoch + period/2 + 100 // just past this cycle's own-active target
	got := ClientAntiphaseTarget(now, epoch, period)
	want := epoch + period + period/2
	if got != want {
		t.Fatalf("target = %d, want %d", got, want)
	}
}

func TestClientPositionSwitchesAtHalf(t *testing.T) {
	const epoch, period = uint64(0), uint64(1_000_000)
	if ClientPosition(epoch+period/2-1, epoch, period) {
		t.Fatal("just before half-period should be INACTIVE (false)")
	}
	if !ClientPosition(epoch+period/2, epoch, period) {
		t.Fatal("at half-period should be ACTIVE (true)")
	}
}

func TestServerCatchUpClassification(t *testing.T) {
	const motorOnMs, activeSpanMs = uint32(500), uint32(500)
	now := uint64(2_000_000)

	if got := ClassifyServerCatchUp(now, now, motorOnMs, activeSpanMs); got != CatchUpNone {
		t.Fatalf("on-time cycle start should be CatchUpNone, got %v", got)
	}
	// 200ms late: inside motor_on, should drive normally still (< motorOnMs).
	if got := ClassifyServerCatchUp(now, now-200_000, motorOnMs, activeSpanMs); got != CatchUpNone {
		t.Fatalf("200ms late (< motor_on) should be CatchUpNone, got %v", got)
	}
	// 600ms late, but active span (500ms) already elapsed: skip entirely.
	if got := ClassifyServerCatchUp(now, now-600_000, motorOnMs, activeSpanMs); got != CatchUpSkipActive {
		t.Fatalf("600ms late should be CatchUpSkipActive, got %v", got)
	}
}

func TestDriftCorrectionBoundaryClampAt2Hz(t *testing.T) {
	const halfPeriodMs = uint32(250) // freq_centihz = 200 boundary case
	c := ComputeDriftCorrection(-1000, halfPeriodMs)
	if c.CoastDeltaMs != -50 {
		t.Fatalf("clamp at 2Hz boundary = %d, want -50", c.CoastDeltaMs)
	}
}

func TestDriftCorrectionDeadbandSuppressesMicroJitter(t *testing.T) {
	c := ComputeDriftCorrection(10, 1000) // well within deadband for a 1s half-period
	if c.CoastDeltaMs != 0 || c.InactiveDeltaMs != 0 {
		t.Fatalf("expected no correction inside deadband, got %+v", c)
	}
}

func TestDriftCorrectionSignConvention(t *testing.T) {
	late := ComputeDriftCorrection(-200, 1000)
	if late.CoastDeltaMs >= 0 {
		t.Fatal("negative (late) drift must shorten coast")
	}
	early := ComputeDriftCorrection(200, 1000)
	if early.InactiveDeltaMs <= 0 {
		t.Fatal("positive (early) drift must lengthen INACTIVE")
	}
}

func TestApplyCoastDeltaNeverBelowFloor(t *testing.T) {
	coast, motorOn := ApplyCoastDelta(20, 100, -50)
	if coast < coastFloorMs {
		t.Fatalf("coast = %d, must not go below floor %d", coast, coastFloorMs)
	}
	if motorOn < motorOnBorrowFloorMs {
		t.Fatalf("motorOn = %d, must not go below borrow floor %d", motorOn, motorOnBorrowFloorMs)
	}
}
