package coord

import (
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/motor"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// modeChangeLeadUs is the minimum margin ahead of now_sync() the armed
// epoch must clear, so both devices have time to observe and pause before
// commit.
const modeChangeLeadUs = 500_000

// ComputeArmedEpoch finds the smallest cycle boundary at or after
// nowSyncUs+lead: epoch + N*period for the smallest integer N such that
// the result is >= nowSyncUs + modeChangeLeadUs.
func ComputeArmedEpoch(nowSyncUs, epochUs, periodUs uint64) uint64 {
	minTarget := nowSyncUs + modeChangeLeadUs
	if periodUs == 0 || epochUs >= minTarget {
		return epochUs
	}
	diff := minTarget - epochUs
	n := diff / periodUs
	if diff%periodUs != 0 {
		n++
	}
	return epochUs + n*periodUs
}

// ProposeModeChange implements the SERVER side of step 2: picks
// armed_epoch_us, builds the wire proposal to send to CLIENT, and the
// local event to arm the SERVER's own scheduler.
func ProposeModeChange(nowSyncUs, epochUs, periodUs uint64, newMode proto.ModeID, cfg proto.ModeConfig) (proto.ModeChangeProposal, motor.ModeChangeArm) {
	armed := ComputeArmedEpoch(nowSyncUs, epochUs, periodUs)
	proposal := proto.ModeChangeProposal{
		ArmedEpochUs: armed,
		NewModeID:    newMode,
		FreqCentihz:  cfg.FreqCentihz,
		DutyPct:      cfg.MotorActiveDuty,
		IntensityPct: cfg.PWMIntensityPct,
	}
	arm := motor.ModeChangeArm{ArmedEpochUs: armed, Mode: newMode, Config: cfg}
	return proposal, arm
}

// ApplyModeChangeProposal turns a received proposal into the local arm
// event for the CLIENT side of step 2/3.
func ApplyModeChangeProposal(p proto.ModeChangeProposal) motor.ModeChangeArm {
	cfg := proto.ModeConfig{
		FreqCentihz:     p.FreqCentihz,
		MotorActiveDuty: p.DutyPct,
		PWMIntensityPct: p.IntensityPct,
	}.Clamp()
	return motor.ModeChangeArm{ArmedEpochUs: p.ArmedEpochUs, Mode: p.NewModeID, Config: cfg}
}

// Debouncer coalesces rapid triggers (e.g. a PWA frequency-slider drag)
// into one callback after a quiet period, so the scheduler only proposes
// a coordinated mode change once the user stops adjusting: 300ms of
// quiescence.
type Debouncer struct {
	quiet time.Duration
	fire  func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer returns a Debouncer that calls fire once quiet has elapsed
// since the most recent Notify.
func NewDebouncer(quiet time.Duration, fire func()) *Debouncer {
	return &Debouncer{quiet: quiet, fire: fire}
}

// Notify resets the quiet timer; the pending fire (if any) is pushed out.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

// Stop cancels any pending fire.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
