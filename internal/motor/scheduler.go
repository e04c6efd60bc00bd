package motor

import (
	"context"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/clock"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/internal/watchdog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
	"github.com/lemonforest/mlehaptics-sub011/x/ramp"
)

const (
	queueCap           = 16
	checkMessagesPollMs = 50
	modeChangeLeadMs    = 500
	clientLockWait      = 5 * time.Second
	maxSleepChunk       = 100 * time.Millisecond
	pollSleepChunk      = 50 * time.Millisecond

	// motorRampSteps/motorRampMsCap bound how long each ACTIVE half-cycle
	// spends ramping PWM intensity up from zero rather than snapping
	// straight to PWMIntensityPct, to take the mechanical edge off the
	// motor's start. Capped well below any realistic motor_on duration so
	// it never eats into the coast/inactive timing budget.
	motorRampSteps = 5
	motorRampMsCap = 20
)

// Publisher is how the scheduler tells the rest of the system what it is
// doing: MotorStarted notices to the peer (SERVER only) and retained
// diagnostic state.
type Publisher interface {
	PublishMotorStarted(epochUs uint64, cyclePeriodMs uint16)
	PublishState(state string, mode proto.ModeID)
	// PublishModeState is called whenever the authoritative epoch/mode
	// config changes (session start, committed mode change); SERVER's
	// time-sync beacon is built from this.
	PublishModeState(epochUs uint64, cyclePeriodMs uint16, dutyPct uint8, mode proto.ModeID)
	// PublishActivationMeasurement is called (CLIENT only) once per
	// own-ACTIVE cycle, right after drift has been measured against the
	// target set by the preceding INACTIVE wait; phaseErrorMs carries the
	// same sign convention as ComputeDriftCorrection's driftMs.
	PublishActivationMeasurement(cycleIndex uint16, phaseErrorMs int16)
}

// Scheduler owns the Motor-Scheduler State and drives the hardware
// seams. It is meant to run as a single task with a single input queue.
type Scheduler struct {
	motor hwiface.MotorDriver
	led   hwiface.LEDDriver
	clk   *clock.Filter
	wd    *watchdog.Monitor
	pub   Publisher
	log   *corelog.Logger

	highPriority chan Event
	lowPriority  chan Event
	pending      []Event

	state  State
	role   proto.Role
	mode   proto.ModeID
	config proto.ModeConfig

	modeChangeArmed bool
	armedEpochUs    uint64
	armedMode       proto.ModeID
	armedConfig     proto.ModeConfig

	clientSkipInactiveWait bool
	motorStartedReceived   bool

	epochUs       uint64
	cyclePeriodMs uint16
	serverCycle   uint64

	forwardNext bool // alternates FORWARD_ACTIVE/REVERSE_ACTIVE each own-ACTIVE
	sessionActive bool

	// skipMotorOnThisActive and catchUpActiveEndUs implement the SERVER
	// coast-only catch-up case: the cycle start is already in the past but
	// active_end_target is still ahead, so motor_on is skipped and the
	// ACTIVE half-cycle is spent coasting until active_end_target.
	skipMotorOnThisActive bool
	catchUpActiveEndUs    uint64

	// CLIENT drift correction (asymmetric): ownActiveStartTargetUs is the
	// target set by the most recent INACTIVE wait; pendingCoastDeltaMs and
	// pendingInactiveDeltaMs are the corrections computed from the drift
	// between that target and the instant ACTIVE was actually reached,
	// consumed (and cleared) by the next runActive/runInactive.
	ownActiveStartTargetUs uint64
	pendingCoastDeltaMs    int32
	pendingInactiveDeltaMs int32
	clientCycle            uint16
}

// New constructs a Scheduler in IDLE.
func New(motorDrv hwiface.MotorDriver, led hwiface.LEDDriver, clk *clock.Filter, wd *watchdog.Monitor, pub Publisher, log *corelog.Logger) *Scheduler {
	return &Scheduler{
		motor:        motorDrv,
		led:          led,
		clk:          clk,
		wd:           wd,
		pub:          pub,
		log:          log,
		highPriority: make(chan Event, queueCap),
		lowPriority:  make(chan Event, queueCap),
		state:        IDLE,
		forwardNext:  true,
	}
}

// PostMessage enqueues an event. Mode-change and shutdown are never
// dropped; everything else is dropped (with a log line) when its queue is
// full.
func (s *Scheduler) PostMessage(e Event) {
	if lowPriority(e) {
		select {
		case s.lowPriority <- e:
		default:
			s.log.Warn("queue full, dropping", "low-priority event")
		}
		return
	}
	select {
	case s.highPriority <- e:
	default:
		// High priority queue is sized generously; if it is genuinely full
		// the system is already in trouble. Block until there is room rather than drop.
		s.highPriority <- e
	}
}

// StartSession enters PAIRING_WAIT (or runs Standalone immediately) for
// the given initial mode and role.
func (s *Scheduler) StartSession(mode proto.ModeID, cfg proto.ModeConfig, role proto.Role) {
	s.mode = mode
	s.config = cfg
	s.role = role
	s.sessionActive = true
	if role == proto.RoleStandalone || role == proto.RoleServer {
		// SERVER (and Standalone, which follows the same own-clock path) is
		// authoritative for the epoch: anchor it to now rather than leaving
		// it at zero, which would read as a cycle start far in the past.
		s.epochUs = s.clk.NowSync()
		s.cyclePeriodMs = uint16(cfg.CyclePeriodMs())
		s.publishModeState()
	}
	if role == proto.RoleStandalone {
		s.state = CheckMessages
		return
	}
	s.state = PairingWait
}

// MotorState reports the fields a SERVER's time-sync beacon needs to
// advertise: current epoch, cycle period, active duty, and mode.
func (s *Scheduler) MotorState() (epochUs uint64, cyclePeriodMs uint16, dutyPct uint8, mode proto.ModeID) {
	return s.epochUs, s.cyclePeriodMs, s.config.MotorActiveDuty, s.mode
}

func (s *Scheduler) publishModeState() {
	if s.pub != nil {
		s.pub.PublishModeState(s.epochUs, s.cyclePeriodMs, s.config.MotorActiveDuty, s.mode)
	}
}

// Run drives the state machine until ctx is cancelled or SHUTDOWN completes.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.wd != nil {
			s.wd.Feed()
		}
		s.publishState()

		switch s.state {
		case IDLE:
			s.runIdle(ctx)
		case PairingWait:
			s.runPairingWait(ctx)
		case CheckMessages:
			s.runCheckMessages(ctx)
		case ForwardActive:
			s.runActive(ctx, true)
		case ReverseActive:
			s.runActive(ctx, false)
		case Inactive:
			s.runInactive(ctx)
		case Shutdown:
			s.runShutdown(ctx)
			return
		default:
			s.state = IDLE
		}
	}
}

func (s *Scheduler) publishState() {
	if s.pub != nil {
		s.pub.PublishState(s.state.String(), s.mode)
	}
}

// -----------------------------------------------------------------------------
// Queue draining
// -----------------------------------------------------------------------------

// drainOnce applies everything currently queued on either priority queue,
// non-blockingly — "drain the queue once". When both queues hold events,
// the order between them is not defined.
func (s *Scheduler) drainOnce() {
	for {
		select {
		case e := <-s.highPriority:
			s.apply(e)
		case e := <-s.lowPriority:
			s.apply(e)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(e Event) {
	switch ev := e.(type) {
	case ShutdownRequested:
		s.state = Shutdown
	case RoleAssigned:
		s.role = ev.Role
	case BeaconUpdated:
		if ev.Mode != s.mode || ev.EpochUs != s.epochUs {
			s.epochUs = ev.EpochUs
			s.cyclePeriodMs = ev.CyclePeriodMs
			s.mode = ev.Mode
			s.config = ev.Config
		}
	case ModeChangeArm:
		if ev.Mode == s.mode {
			return // no-op: new_mode == current_mode
		}
		s.modeChangeArmed = true
		s.armedEpochUs = ev.ArmedEpochUs
		s.armedMode = ev.Mode
		s.armedConfig = ev.Config
		// a stale INACTIVE target is dropped at commit, when
		// routeByRoleAndPosition takes the skip-inactive path.
	case MotorStartedNotice:
		s.epochUs = ev.EpochUs
		s.cyclePeriodMs = ev.CyclePeriodMs
		s.motorStartedReceived = true
		s.clientSkipInactiveWait = true
	case ButtonPress:
		// Button-triggered mode changes go through internal/coord's
		// ProposeModeChange, whose caller posts the returned ModeChangeArm;
		// a bare press here is a no-op for the scheduler itself.
	}
}

// waitForEvent blocks up to d for any event, applying it immediately.
// Returns true if an event arrived.
func (s *Scheduler) waitForEvent(d time.Duration) bool {
	select {
	case e := <-s.highPriority:
		s.apply(e)
		return true
	case e := <-s.lowPriority:
		s.apply(e)
		return true
	case <-time.After(d):
		return false
	}
}

// -----------------------------------------------------------------------------
// States
// -----------------------------------------------------------------------------

func (s *Scheduler) runIdle(ctx context.Context) {
	if !s.blockingWaitForSession(ctx) {
		return
	}
}

func (s *Scheduler) blockingWaitForSession(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case e := <-s.highPriority:
		s.apply(e)
	case e := <-s.lowPriority:
		s.apply(e)
	case <-time.After(maxSleepChunk):
		if s.wd != nil {
			s.wd.Feed()
		}
	}
	return true
}

func (s *Scheduler) runPairingWait(ctx context.Context) {
	deadline := time.Now().Add(clientLockWait)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.wd != nil {
			s.wd.Feed()
		}
		if s.role != proto.RoleNone {
			if s.role != proto.RoleClient || s.epochUs != 0 {
				s.state = CheckMessages
				return
			}
		}
		if time.Now().After(deadline) {
			// best-effort start after the 5s lock wait.
			s.state = CheckMessages
			return
		}
		s.waitForEvent(maxSleepChunk)
	}
}

func (s *Scheduler) runCheckMessages(ctx context.Context) {
	s.drainOnce()

	if s.state == Shutdown {
		return
	}

	if s.modeChangeArmed {
		now := s.clk.NowSync()
		if now < s.armedEpochUs {
			// paused: coast the motor, clear the LED, re-poll every 50ms.
			_ = s.motor.Coast()
			if s.led != nil {
				_ = s.led.Clear()
			}
			if !s.boundedSleep(ctx, pollSleepChunk) {
				return
			}
			return // re-enter CHECK_MESSAGES
		}
		// commit
		s.mode = s.armedMode
		s.config = s.armedConfig
		s.epochUs = s.armedEpochUs
		s.cyclePeriodMs = uint16(s.config.CyclePeriodMs())
		s.modeChangeArmed = false
		if s.role == proto.RoleServer {
			s.serverCycle = 0
			s.publishModeState()
			s.state = s.nextActiveState()
			return
		}
		s.clientSkipInactiveWait = true
		s.state = s.nextActiveState()
		return
	}

	s.routeByRoleAndPosition()
}

func (s *Scheduler) nextActiveState() State {
	if s.forwardNext {
		return ForwardActive
	}
	return ReverseActive
}

func (s *Scheduler) routeByRoleAndPosition() {
	cyclePeriodUs := uint64(s.cyclePeriodMs) * 1000
	if cyclePeriodUs == 0 {
		s.state = Inactive
		return
	}

	switch s.role {
	case proto.RoleStandalone:
		s.state = s.nextActiveState()
		return
	case proto.RoleServer:
		cycleStart := ServerCycleStart(s.epochUs, cyclePeriodUs, s.serverCycle)
		now := s.clk.NowSync()
		switch ClassifyServerCatchUp(now, cycleStart, s.config.MotorOnMs(), s.config.HalfPeriodMs()) {
		case CatchUpSkipActive:
			s.serverCycle++
			s.state = Inactive
			return
		case CatchUpCoastOnly:
			if s.serverCycle == 0 {
				s.epochUs = cycleStart // anchor precisely to actual first-cycle start
			}
			s.serverCycle++
			s.skipMotorOnThisActive = true
			s.catchUpActiveEndUs = cycleStart + uint64(s.config.HalfPeriodMs())*1000
			s.state = s.nextActiveState()
			if s.pub != nil {
				s.pub.PublishMotorStarted(s.epochUs, s.cyclePeriodMs)
			}
			return
		default: // CatchUpNone
			if s.serverCycle == 0 {
				s.epochUs = cycleStart // anchor precisely to actual first-cycle start
			}
			s.serverCycle++
			s.state = s.nextActiveState()
			if s.pub != nil {
				s.pub.PublishMotorStarted(s.epochUs, s.cyclePeriodMs)
			}
			return
		}
	case proto.RoleClient:
		if s.clientSkipInactiveWait {
			s.clientSkipInactiveWait = false
			s.ownActiveStartTargetUs = 0 // no target to measure drift against after a mode-change commit
			s.state = s.nextActiveState()
			return
		}
		now := s.clk.NowSync()
		if ClientPosition(now, s.epochUs, cyclePeriodUs) {
			s.applyClientDriftCorrection(now)
			s.state = s.nextActiveState()
			return
		}
		s.state = Inactive
		return
	default:
		s.state = Inactive
	}
}

// applyClientDriftCorrection measures the drift between the INACTIVE wait's
// own_active_start_target and the instant ACTIVE was actually reached, and
// stages the resulting correction for the upcoming ACTIVE/INACTIVE pair.
// A no-op if no target was set (first ACTIVE of a session, or right after a
// mode-change commit).
func (s *Scheduler) applyClientDriftCorrection(reachedUs uint64) {
	if s.ownActiveStartTargetUs == 0 {
		return
	}
	// Negative drift means late (reached after target); ComputeDriftCorrection
	// expects that sign convention.
	driftMs := (int64(s.ownActiveStartTargetUs) - int64(reachedUs)) / 1000
	s.ownActiveStartTargetUs = 0
	correction := ComputeDriftCorrection(driftMs, s.config.HalfPeriodMs())
	s.pendingCoastDeltaMs = correction.CoastDeltaMs
	s.pendingInactiveDeltaMs = correction.InactiveDeltaMs

	s.clientCycle++
	if s.pub != nil {
		s.pub.PublishActivationMeasurement(s.clientCycle, clampToInt16(driftMs))
	}
}

// clampToInt16 saturates a wider drift measurement to the wire field's
// range rather than silently wrapping.
func clampToInt16(v int64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

func (s *Scheduler) runActive(ctx context.Context, forward bool) {
	s.forwardNext = !forward

	if s.skipMotorOnThisActive {
		s.skipMotorOnThisActive = false
		_ = s.motor.Coast()
		now := s.clk.NowSync()
		var waitUs uint64
		if s.catchUpActiveEndUs > now {
			waitUs = s.catchUpActiveEndUs - now
		}
		if !s.boundedSleep(ctx, time.Duration(waitUs)*time.Microsecond) {
			return
		}
		s.state = CheckMessages
		return
	}

	onMs, coastMs := s.config.MotorOnMs(), s.config.CoastMs()
	if s.role == proto.RoleClient && s.pendingCoastDeltaMs != 0 {
		coastMs, onMs = ApplyCoastDelta(coastMs, onMs, s.pendingCoastDeltaMs)
		s.pendingCoastDeltaMs = 0
	}

	rampMs := uint32(motorRampMsCap)
	if onMs/4 < rampMs {
		rampMs = onMs / 4
	}
	driveErr := error(nil)
	drive := func(pct uint16) {
		var err error
		if forward {
			err = s.motor.Forward(uint8(pct))
		} else {
			err = s.motor.Reverse(uint8(pct))
		}
		if err != nil {
			driveErr = err
		}
	}
	cancelled := false
	ramp.StartLinear(0, uint16(s.config.PWMIntensityPct), 100, rampMs, motorRampSteps,
		func(d time.Duration) bool {
			if !s.boundedSleep(ctx, d) {
				cancelled = true
				return false
			}
			return true
		}, drive)
	if driveErr != nil {
		s.log.Warn("motor drive failed:", driveErr)
	}
	if cancelled {
		return
	}

	remainingOnMs := uint32(0)
	if onMs > rampMs {
		remainingOnMs = onMs - rampMs
	}
	if !s.boundedSleep(ctx, time.Duration(remainingOnMs)*time.Millisecond) {
		return
	}
	_ = s.motor.Coast()
	if !s.boundedSleep(ctx, time.Duration(coastMs)*time.Millisecond) {
		return
	}
	s.state = CheckMessages
}

func (s *Scheduler) runInactive(ctx context.Context) {
	cyclePeriodUs := uint64(s.cyclePeriodMs) * 1000
	var waitUs uint64
	if cyclePeriodUs > 0 {
		target := ClientAntiphaseTarget(s.clk.NowSync(), s.epochUs, cyclePeriodUs)
		s.ownActiveStartTargetUs = target
		now := s.clk.NowSync()
		if target > now {
			waitUs = target - now
		}
	} else {
		waitUs = uint64(s.config.HalfPeriodMs()) * 1000
	}
	if s.role == proto.RoleClient && s.pendingInactiveDeltaMs != 0 {
		waitUs += uint64(s.pendingInactiveDeltaMs) * 1000
		s.pendingInactiveDeltaMs = 0
	}
	if !s.boundedSleep(ctx, time.Duration(waitUs)*time.Microsecond) {
		return
	}
	s.state = CheckMessages
}

func (s *Scheduler) runShutdown(ctx context.Context) {
	_ = s.motor.Coast()
	if s.led != nil {
		_ = s.led.Clear()
	}
	s.sessionActive = false
}

// boundedSleep waits for d, broken into chunks of at most maxSleepChunk so
// the watchdog is fed and cancellation is observed promptly. Any
// high-priority event received mid-wait (shutdown, a newly armed mode
// change) is applied immediately and ends the wait early; low-priority
// events are applied but do not interrupt the wait. Returns false if ctx
// was cancelled or a shutdown was applied, so the caller leaves SHUTDOWN
// in place.
func (s *Scheduler) boundedSleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if s.wd != nil {
			s.wd.Feed()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		chunk := remaining
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		select {
		case <-ctx.Done():
			return false
		case e := <-s.highPriority:
			s.apply(e)
			if s.state == Shutdown {
				return false
			}
			if s.modeChangeArmed {
				return true
			}
		case e := <-s.lowPriority:
			s.apply(e)
		case <-time.After(chunk):
		}
	}
}
