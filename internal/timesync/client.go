package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/errcode"
	"github.com/lemonforest/mlehaptics-sub011/internal/clock"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// BeaconInfo is what the CLIENT hands upward whenever a beacon's motor
// fields differ from what it already knew.
type BeaconInfo struct {
	EpochUs         uint64
	CyclePeriodMs   uint16
	MotorActiveDuty uint8
	ModeID          proto.ModeID
}

// Client is the CLIENT-side half of the protocol: issues the handshake,
// consumes beacons, tracks Lock, reports paired timestamps back, and
// freezes/expires the synchronized clock across a disconnect.
type Client struct {
	transport Transport
	clk       *clock.Filter
	log       *corelog.Logger
	onBeacon  func(BeaconInfo)

	mu             sync.Mutex
	quality        quality
	respCh         chan proto.TimeResponse
	bootstrapped   bool
	beaconCount    uint32
	lastBeaconRxUs uint64

	lastBeaconServerTimeUs uint64 // next ActivationReport's t1
	lastBeaconRxLocalUs    uint64 // next ActivationReport's t2

	knownEpochUs       uint64
	knownCyclePeriodMs uint16
	knownModeID        proto.ModeID
	knownDuty          uint8
	haveKnownState     bool
}

// NewClient constructs a Client. onBeacon is invoked (synchronously, from
// whatever goroutine calls HandleMessage) whenever a beacon's motor state
// differs from what was already known; it may be nil.
func NewClient(transport Transport, clk *clock.Filter, log *corelog.Logger, onBeacon func(BeaconInfo)) *Client {
	return &Client{
		transport: transport,
		clk:       clk,
		log:       log,
		onBeacon:  onBeacon,
		respCh:    make(chan proto.TimeResponse, 1),
	}
}

// HandleMessage processes one decoded Coordination Message from the peer.
func (c *Client) HandleMessage(msg proto.Message) {
	switch m := msg.(type) {
	case proto.TimeResponse:
		select {
		case c.respCh <- m:
		default:
		}
	case proto.Beacon:
		c.handleBeacon(m)
	}
}

// Handshake runs the NTP-style 4-timestamp exchange, retrying up to 3
// times on an RTT-too-long rejection.
func (c *Client) Handshake(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < handshakeRetries; attempt++ {
		t1 := c.clk.NowLocal()
		if err := c.transport.Send(proto.TimeRequest{T1: t1}.Encode()); err != nil {
			lastErr = err
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp := <-c.respCh:
			t4 := c.clk.NowLocal()
			hs := clock.ComputeHandshake(resp.T1, resp.T2, resp.T3, t4)
			if err := clock.ValidateHandshake(hs); err != nil {
				lastErr = err
				continue
			}
			c.clk.Bootstrap(hs.RawOffsetUs)
			c.mu.Lock()
			c.bootstrapped = true
			c.mu.Unlock()
			return nil
		case <-time.After(handshakeAttemptSpace):
			lastErr = errcode.HandshakeTimeout
		}
	}
	if lastErr == nil {
		lastErr = errcode.HandshakeTimeout
	}
	return lastErr
}

func (c *Client) handleBeacon(b proto.Beacon) {
	rxLocal := c.clk.NowLocal()
	rawOffset := int64(b.ServerTimeUs) - int64(rxLocal)
	outcome := c.clk.UpdateFilter(rawOffset, rxLocal)

	c.mu.Lock()
	if outcome.Accepted {
		c.quality.good()
		c.beaconCount++
		c.lastBeaconRxUs = rxLocal
		c.lastBeaconServerTimeUs = b.ServerTimeUs
		c.lastBeaconRxLocalUs = rxLocal
	} else {
		c.quality.bad()
	}

	changed := !c.haveKnownState ||
		b.MotorEpochUs != c.knownEpochUs ||
		b.ModeID != c.knownModeID ||
		b.CyclePeriodMs != c.knownCyclePeriodMs ||
		b.MotorActiveDuty != c.knownDuty
	if changed {
		c.knownEpochUs = b.MotorEpochUs
		c.knownCyclePeriodMs = b.CyclePeriodMs
		c.knownModeID = b.ModeID
		c.knownDuty = b.MotorActiveDuty
		c.haveKnownState = true
	}
	cb := c.onBeacon
	c.mu.Unlock()

	if changed && cb != nil {
		cb(BeaconInfo{
			EpochUs:         b.MotorEpochUs,
			CyclePeriodMs:   b.CyclePeriodMs,
			MotorActiveDuty: b.MotorActiveDuty,
			ModeID:          b.ModeID,
		})
	}
}

// Locked reports whether quality conditions for Lock hold right now:
// bootstrap succeeded, at least 3 beacons processed, the filter
// is in steady state, and the last beacon isn't stale.
func (c *Client) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bootstrapped || c.beaconCount < lockMinBeacons {
		return false
	}
	if c.clk.SampleCount() < lockMinSamples {
		return false
	}
	age := c.clk.NowLocal() - c.lastBeaconRxUs
	maxAge := uint64(c.quality.interval()/time.Microsecond) * lockMaxAgeMultiplier
	return age <= maxAge
}

// WaitForLock blocks until Locked() or the timeout elapses, polling
// coarsely; the scheduler may block its initial motor start on this for
// up to 5s.
func (c *Client) WaitForLock(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Locked() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SendActivationReport transmits a paired-timestamp report using the most
// recently accepted beacon's timestamps as t1/t2. It is a no-op if
// no beacon has been accepted yet.
func (c *Client) SendActivationReport(cycleIndex uint16, phaseErrorMs int16) error {
	c.mu.Lock()
	t1, t2 := c.lastBeaconServerTimeUs, c.lastBeaconRxLocalUs
	have := c.beaconCount > 0
	c.mu.Unlock()
	if !have {
		return nil
	}
	rep := proto.ActivationReport{
		CycleIndex:   cycleIndex,
		PhaseErrorMs: phaseErrorMs,
		T1:           t1,
		T2:           t2,
		T3:           c.clk.NowLocal(),
	}
	return c.transport.Send(rep.Encode())
}

// DisconnectMonitor polls for beacon staleness and invokes onTimeout once,
// at most, per stall (120s disconnect timeout; the offset stays frozen
// until then since UpdateFilter simply stops being called).
func (c *Client) DisconnectMonitor(ctx context.Context, onTimeout func()) {
	ticker := time.NewTicker(disconnectTimeout / 4)
	defer ticker.Stop()
	fired := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.beaconCount > 0 && c.clk.NowLocal()-c.lastBeaconRxUs > uint64(disconnectTimeout/time.Microsecond)
			c.mu.Unlock()
			if stale && !fired {
				fired = true
				if onTimeout != nil {
					onTimeout()
				}
			}
			if !stale {
				fired = false
			}
		}
	}
}

// ResetOnRoleSwap re-enters fast-attack filtering after a reconnect finds
// the SERVER/CLIENT roles have swapped.
func (c *Client) ResetOnRoleSwap() {
	c.clk.ResetFastAttack()
	c.mu.Lock()
	c.beaconCount = 0
	c.bootstrapped = false
	c.mu.Unlock()
}
