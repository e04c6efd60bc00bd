package main

import (
	"context"
	"testing"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/bus"
	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/internal/radio"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// stateObserver taps the retained motor-state topic every device already
// publishes to, so a test can watch state transitions without having to
// inject a recording motor driver.
type stateObserver struct {
	sub *bus.Subscription
}

func newStateObserver(conn *bus.Connection) *stateObserver {
	return &stateObserver{sub: conn.Subscribe(topicMotorState)}
}

func (o *stateObserver) waitForState(timeout time.Duration, want ...string) bool {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-o.sub.Channel():
			m, ok := msg.Payload.(map[string]any)
			if !ok {
				continue
			}
			s, _ := m["state"].(string)
			for _, w := range want {
				if s == w {
					return true
				}
			}
		case <-deadline:
			return false
		}
	}
}

func (o *stateObserver) waitForStateAndMode(timeout time.Duration, mode string, states ...string) bool {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-o.sub.Channel():
			m, ok := msg.Payload.(map[string]any)
			if !ok {
				continue
			}
			s, _ := m["state"].(string)
			md, _ := m["mode"].(string)
			if md != mode {
				continue
			}
			for _, w := range states {
				if s == w {
					return true
				}
			}
		case <-deadline:
			return false
		}
	}
}

// setupLockedPair wires two devices over a simulated radio link exactly as
// main() does, runs the handshake for whichever resolves CLIENT, and
// returns once constructed (not necessarily Locked yet — callers that care
// about Lock call WaitForLock themselves).
func setupLockedPair(t *testing.T, battA, battB uint8) (devA, devB *device, ctx context.Context, cancel context.CancelFunc) {
	t.Helper()

	b := bus.NewBus(16)
	macA := hwiface.PeerID{0, 0, 0, 0, 0, 0xA0}
	macB := hwiface.PeerID{0, 0, 0, 0, 0, 0xB0}
	linkA, linkB := radio.NewSimPair(macA, macB)

	devA = newDevice("A", macA, battA, b, linkA)
	devB = newDevice("B", macB, battB, b, linkB)

	ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go linkA.Run(ctx)
	go linkB.Run(ctx)

	devA.wirePeer(macB, battB)
	devB.wirePeer(macA, battA)

	if err := linkA.Connect(macB); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	devA.startSession(proto.ModeM1, ctx)
	devB.startSession(proto.ModeM1, ctx)

	for _, d := range []*device{devA, devB} {
		if d.tsClient == nil {
			continue
		}
		hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.tsClient.Handshake(hctx)
		hcancel()
		if err != nil {
			t.Fatalf("%s handshake failed: %v", d.name, err)
		}
	}

	return devA, devB, ctx, cancel
}

// TestS1ColdPairing exercises spec scenario S1: two devices power on
// together, battery A=97%, B=96%; A must resolve SERVER, B CLIENT, and B's
// filter must assert Lock and drive its first own-ACTIVE cycle.
func TestS1ColdPairing(t *testing.T) {
	devA, devB, ctx, cancel := setupLockedPair(t, 97, 96)
	defer cancel()

	if devA.role != proto.RoleServer {
		t.Fatalf("A resolved role = %v, want SERVER (higher battery)", devA.role)
	}
	if devB.role != proto.RoleClient {
		t.Fatalf("B resolved role = %v, want CLIENT", devB.role)
	}

	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT did not assert Lock within 3s of a completed handshake")
	}

	obs := newStateObserver(devB.conn)
	defer obs.sub.Unsubscribe()
	if !obs.waitForState(3*time.Second, "FORWARD_ACTIVE", "REVERSE_ACTIVE") {
		t.Fatal("CLIENT never reached an ACTIVE state once locked")
	}
}

// TestS2ModeChangeM1ToM2 exercises spec scenario S2: a SERVER-side
// button press must arm a future epoch boundary for the new mode, pause
// both devices' motor output until it commits, and both must resume
// driving at the new mode in antiphase.
func TestS2ModeChangeM1ToM2(t *testing.T) {
	devA, devB, ctx, cancel := setupLockedPair(t, 97, 96)
	defer cancel()
	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT failed to lock before the mode-change trigger")
	}

	obsA := newStateObserver(devA.conn)
	obsB := newStateObserver(devB.conn)
	defer obsA.sub.Unsubscribe()
	defer obsB.sub.Unsubscribe()

	devA.pressButton() // SERVER press: M1 -> M2

	if !obsA.waitForStateAndMode(5*time.Second, "M2", "FORWARD_ACTIVE", "REVERSE_ACTIVE") {
		t.Fatal("SERVER never committed to the new mode's ACTIVE state")
	}
	if !obsB.waitForStateAndMode(5*time.Second, "M2", "FORWARD_ACTIVE", "REVERSE_ACTIVE") {
		t.Fatal("CLIENT never committed to the new mode's ACTIVE state")
	}
}

// TestS3TemporaryDropout exercises spec scenario S3: a transient radio
// dropout must not swap roles, and Lock must be regained once the link
// recovers. The spec's 10s dropout window is compressed to a few hundred
// milliseconds here since the scheduler's sleeps run on the real clock and
// the property under test (no role swap, Lock regained) doesn't depend on
// the dropout's exact duration, only on it being well under the 120s
// disconnect timeout.
func TestS3TemporaryDropout(t *testing.T) {
	devA, devB, ctx, cancel := setupLockedPair(t, 97, 96)
	defer cancel()
	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT failed to lock before the dropout")
	}
	prevRole := devB.role

	// SimLink's drop percentage applies to the sending end, and beacons
	// flow SERVER (A) -> CLIENT (B), so the dropout that starves B's
	// filter is configured on A's link.
	sl, ok := devA.link.(*radio.SimLink)
	if !ok {
		t.Fatal("expected devA to be wired over a *radio.SimLink")
	}
	sl.SetDropPercent(100)
	time.Sleep(300 * time.Millisecond)
	sl.SetDropPercent(0)

	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT did not regain Lock once the dropout ended")
	}
	if devB.role != prevRole {
		t.Fatal("role must not swap across a transient dropout")
	}
}

// TestS5SimultaneousButtonPress exercises spec scenario S5: both users
// press within 100ms of each other. SERVER's proposal is the only one
// carrying epoch authority, so exactly one mode change must execute
// regardless of which device's press is handled first.
func TestS5SimultaneousButtonPress(t *testing.T) {
	devA, devB, ctx, cancel := setupLockedPair(t, 97, 96)
	defer cancel()
	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT failed to lock before the button presses")
	}

	obsA := newStateObserver(devA.conn)
	defer obsA.sub.Unsubscribe()

	devB.pressButton() // CLIENT press: no epoch authority, must be a no-op
	devA.pressButton() // SERVER press, within the same 100ms window: M1 -> M2

	if !obsA.waitForStateAndMode(5*time.Second, "M2", "FORWARD_ACTIVE", "REVERSE_ACTIVE") {
		t.Fatal("SERVER's proposal never committed")
	}

	// A second SERVER press would advance to M3; if the CLIENT's press had
	// also taken effect the mode would already have skipped past M2.
	_, _, _, mode := devA.sched.MotorState()
	if mode != proto.ModeM2 {
		t.Fatalf("exactly one mode change should have executed, landed on %v", mode)
	}
}

// TestS6LatePeerArrival exercises spec scenario S6: B connects well after
// A's 30s pairing window has closed, so A rejects it as a bilateral peer
// and neither device resolves a SERVER/CLIENT role.
func TestS6LatePeerArrival(t *testing.T) {
	b := bus.NewBus(16)
	macA := hwiface.PeerID{0, 0, 0, 0, 0, 0xA0}
	macB := hwiface.PeerID{0, 0, 0, 0, 0, 0xB0}
	linkA, linkB := radio.NewSimPair(macA, macB)

	devA := newDevice("A", macA, 90, b, linkA)
	devB := newDevice("B", macB, 70, b, linkB)

	t0 := time.Unix(1_700_000_000, 0)
	devA.coordnr.OpenPairingWindow(t0)
	devB.coordnr.OpenPairingWindow(t0)

	lateArrival := t0.Add(35 * time.Second)
	if devA.coordnr.AcceptPeer(lateArrival) {
		t.Fatal("A must reject B as a bilateral peer once its 30s pairing window has closed")
	}
	if got := devA.coordnr.AdvertisingServiceUUID(lateArrival); got != "configuration" {
		t.Fatalf("A's advertising service UUID = %q, want the configuration UUID once pairing is closed", got)
	}

	// Neither device ever calls wirePeer/ResolveRole in this scenario
	// (B's scan for the bilateral UUID has already timed out), so both
	// remain at the zero Role rather than SERVER/CLIENT.
	if devA.role != proto.RoleNone || devB.role != proto.RoleNone {
		t.Fatal("neither device should resolve a SERVER/CLIENT role when the peer never arrives within the pairing window")
	}
}

// TestS4OffsetStaysBoundedOnceSettled is a scaled-down stand-in for S4: a real
// 90-minute, no-intervention session isn't something a test suite can run,
// and this harness has no way to measure cumulative motor-overlap time
// directly (that would need instrumenting motorStub, which nothing else in
// this tree needs). What is feasible and still meaningful: once the CLIENT's
// filter has settled past its initial bootstrap, its filtered offset should
// stop swinging — later beacons should only nudge it, not re-derive it from
// scratch. Both the 90-minute duration and the motor-overlap measurement are
// dropped from this stand-in rather than faked.
func TestS4OffsetStaysBoundedOnceSettled(t *testing.T) {
	_, devB, ctx, cancel := setupLockedPair(t, 97, 96)
	defer cancel()
	if !devB.tsClient.WaitForLock(ctx, 3*time.Second) {
		t.Fatal("CLIENT failed to lock before sampling could begin")
	}

	settled := devB.clk.FilteredOffsetUs()

	deadline := time.Now().Add(2 * time.Second)
	var maxDeviationUs int64
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		cur := devB.clk.FilteredOffsetUs()
		dev := cur - settled
		if dev < 0 {
			dev = -dev
		}
		if dev > maxDeviationUs {
			maxDeviationUs = dev
		}
	}

	// The simulated link in this harness has no jitter injected, so a
	// settled filter's worst-case swing over a couple more seconds of
	// beacons should stay well inside a millisecond, never mind spec's
	// 100us post-warmup bound measured over a full 90-minute session.
	const maxAllowedDeviationUs = 1000
	if maxDeviationUs > maxAllowedDeviationUs {
		t.Fatalf("filtered offset swung %dus from its settled value, want <= %dus", maxDeviationUs, maxAllowedDeviationUs)
	}
}
