// Package coord implements Coordination & Role (C4): peer role negotiation,
// the 30-second pairing window, simultaneous-connect race resolution, and
// the one-shot firmware-version soft-enforcement exchange.
package coord

import (
	"time"

	"github.com/lemonforest/mlehaptics-sub011/errcode"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/proto"
	"github.com/lemonforest/mlehaptics-sub011/x/mathx"
)

const (
	pairingWindow    = 30 * time.Second
	peerMutexTimeout = 100 * time.Millisecond

	bilateralServiceUUID    = "bilateral"
	configurationServiceUUID = "configuration"

	firmwareMismatchBlinks = 3
	blinkOnDuration        = 150 * time.Millisecond
	blinkOffDuration       = 150 * time.Millisecond
)

var amberRGB = [3]uint8{255, 191, 0}

// boundedMutex is a channel-backed lock with a bounded wait, matching the
// "mutex with a 100ms bounded timeout" rule: no indefinite blocking.
type boundedMutex struct {
	slot chan struct{}
}

func newBoundedMutex() *boundedMutex {
	m := &boundedMutex{slot: make(chan struct{}, 1)}
	m.slot <- struct{}{}
	return m
}

func (m *boundedMutex) Lock(timeout time.Duration) bool {
	select {
	case <-m.slot:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *boundedMutex) Unlock() {
	m.slot <- struct{}{}
}

// PeerState is the small bonding/role record guarded by a bounded mutex
// with a 100ms wait.
type PeerState struct {
	Role     proto.Role
	PeerMAC  [6]byte
	Bonded   bool
}

// Coordinator owns role negotiation and the connection-lifecycle rules
// that sit above the raw radio link.
type Coordinator struct {
	selfMAC     [6]byte
	selfBattery hwiface.BatteryMonitor
	led         hwiface.LEDDriver
	log         *corelog.Logger

	mu    *boundedMutex
	state PeerState

	pairingOpenedAt time.Time
	pairingClosed   bool

	firmwareChecked bool
}

// New constructs a Coordinator for this device's own MAC and battery seam.
func New(selfMAC [6]byte, battery hwiface.BatteryMonitor, led hwiface.LEDDriver, log *corelog.Logger) *Coordinator {
	return &Coordinator{
		selfMAC:     selfMAC,
		selfBattery: battery,
		led:         led,
		log:         log,
		mu:          newBoundedMutex(),
	}
}

// OpenPairingWindow starts the 30s bilateral-discovery window.
func (c *Coordinator) OpenPairingWindow(now time.Time) {
	c.pairingOpenedAt = now
	c.pairingClosed = false
}

// AdvertisingServiceUUID reports which service UUID should currently be
// advertised: the dedicated bilateral UUID while the pairing window is
// open, the configuration UUID (mobile-app discoverable) once it closes.
func (c *Coordinator) AdvertisingServiceUUID(now time.Time) string {
	if c.PairingWindowOpen(now) {
		return bilateralServiceUUID
	}
	return configurationServiceUUID
}

// PairingWindowOpen reports whether the 30s window is still open: it
// closes on first peer identification (AcceptPeer) or after 30s,
// whichever comes first.
func (c *Coordinator) PairingWindowOpen(now time.Time) bool {
	if c.pairingClosed {
		return false
	}
	return now.Sub(c.pairingOpenedAt) < pairingWindow
}

// AcceptPeer reports whether a peer discovered right now may become the
// bilateral partner. A peer discovered after the window closes is
// rejected as a bilateral peer (it may still connect as a configuration
// app) — this guarantees single-device/Standalone operation when devices
// start more than 30s apart.
func (c *Coordinator) AcceptPeer(now time.Time) bool {
	if !c.PairingWindowOpen(now) {
		return false
	}
	c.pairingClosed = true // window closes on first peer identification
	return true
}

// IsInitiator resolves a simultaneous-connect race at the radio layer:
// the side with the lower MAC initiates (and is NOT thereby the device
// Role — that is always battery-determined separately).
func IsInitiator(selfMAC, peerMAC [6]byte) bool {
	for i := 0; i < 6; i++ {
		if selfMAC[i] != peerMAC[i] {
			return selfMAC[i] < peerMAC[i]
		}
	}
	return true
}

// ResolveRole negotiates this device's Role against a newly connected
// peer's advertised battery and MAC, storing the outcome in the
// bounded-mutex-guarded PeerState. Returns errcode.MutexTimeout if the
// lock could not be acquired within the bounded wait.
func (c *Coordinator) ResolveRole(peerBatteryPct uint8, peerMAC [6]byte) (proto.Role, error) {
	var ownBattery uint8
	if c.selfBattery != nil {
		if pct, err := c.selfBattery.PercentCharge(); err == nil {
			ownBattery = pct
		}
	}
	role := proto.ResolveRole(ownBattery, peerBatteryPct, c.selfMAC, peerMAC)
	c.showBatteryStatus(ownBattery)

	if !c.mu.Lock(peerMutexTimeout) {
		return role, errcode.MutexTimeout
	}
	defer c.mu.Unlock()
	c.state = PeerState{Role: role, PeerMAC: peerMAC, Bonded: c.state.Bonded}
	return role, nil
}

// showBatteryStatus drives the status LED to a red-to-green gradient keyed
// on the device's own charge level, so a glance at either device tells you
// which one is likely to resolve SERVER on the next pairing.
func (c *Coordinator) showBatteryStatus(ownBatteryPct uint8) {
	if c.led == nil {
		return
	}
	green := uint8(mathx.MapU16(uint16(ownBatteryPct), 0, 100, 0, 255))
	red := uint8(255 - uint16(green))
	_ = c.led.SetColor(red, green, 0)
}

// PeerStateSnapshot returns a snapshot of the guarded peer record, or the zero
// value and errcode.MutexTimeout if the bounded wait expired.
func (c *Coordinator) PeerStateSnapshot() (PeerState, error) {
	if !c.mu.Lock(peerMutexTimeout) {
		return PeerState{}, errcode.MutexTimeout
	}
	defer c.mu.Unlock()
	return c.state, nil
}

// SetBonded records that a peer MAC is now bonded for fast reconnect.
func (c *Coordinator) SetBonded(bonded bool) error {
	if !c.mu.Lock(peerMutexTimeout) {
		return errcode.MutexTimeout
	}
	defer c.mu.Unlock()
	c.state.Bonded = bonded
	return nil
}

// CheckFirmwareVersion implements the one-shot post-discovery exchange:
// on mismatch, the indicator blinks amber 3x and the mismatch is
// logged, but the connection proceeds regardless (soft enforcement).
func (c *Coordinator) CheckFirmwareVersion(local, remote proto.FirmwareVersion) {
	if c.firmwareChecked {
		return
	}
	c.firmwareChecked = true
	if local.Major == remote.Major && local.Minor == remote.Minor && local.Patch == remote.Patch {
		return
	}
	c.log.Warn("firmware version mismatch with peer")
	if c.led != nil {
		blinkAmber(c.led, firmwareMismatchBlinks)
	}
}

func blinkAmber(led hwiface.LEDDriver, times int) {
	for i := 0; i < times; i++ {
		_ = led.SetColor(amberRGB[0], amberRGB[1], amberRGB[2])
		time.Sleep(blinkOnDuration)
		_ = led.Clear()
		if i < times-1 {
			time.Sleep(blinkOffDuration)
		}
	}
}
