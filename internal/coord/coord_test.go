package coord

import (
	"testing"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

type fakeBattery struct{ pct uint8 }

func (f fakeBattery) PercentCharge() (uint8, error) { return f.pct, nil }

type countingLED struct {
	setColorCalls int
	clearCalls    int
}

func (l *countingLED) SetColor(r, g, b uint8) error { l.setColorCalls++; return nil }
func (l *countingLED) Clear() error                 { l.clearCalls++; return nil }

func TestPairingWindowClosesOnFirstPeer(t *testing.T) {
	c := New([6]byte{1, 2, 3, 4, 5, 6}, fakeBattery{80}, &countingLED{}, corelog.New("test"))
	base := time.Unix(1000, 0)
	c.OpenPairingWindow(base)

	if !c.PairingWindowOpen(base.Add(5 * time.Second)) {
		t.Fatal("window should still be open at 5s")
	}
	if !c.AcceptPeer(base.Add(5 * time.Second)) {
		t.Fatal("first peer inside the window should be accepted")
	}
	if c.PairingWindowOpen(base.Add(6 * time.Second)) {
		t.Fatal("window should close once a peer is identified")
	}
}

func TestPairingWindowClosesAfter30s(t *testing.T) {
	c := New([6]byte{}, fakeBattery{50}, &countingLED{}, corelog.New("test"))
	base := time.Unix(2000, 0)
	c.OpenPairingWindow(base)
	if c.PairingWindowOpen(base.Add(31 * time.Second)) {
		t.Fatal("window should be closed after 30s even with no peer")
	}
	if c.AcceptPeer(base.Add(31 * time.Second)) {
		t.Fatal("late peer must not be accepted as a bilateral peer")
	}
}

func TestResolveRoleHigherBatteryWins(t *testing.T) {
	c := New([6]byte{9, 9, 9, 9, 9, 9}, fakeBattery{90}, &countingLED{}, corelog.New("test"))
	role, err := c.ResolveRole(50, [6]byte{1, 1, 1, 1, 1, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != proto.RoleServer {
		t.Fatalf("higher battery should be Server, got %v", role)
	}
	snap, err := c.PeerStateSnapshot()
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if snap.Role != proto.RoleServer {
		t.Fatalf("peer state role = %v, want Server", snap.Role)
	}
}

func TestResolveRoleTieBreaksOnLowerMAC(t *testing.T) {
	c := New([6]byte{0, 0, 0, 0, 0, 2}, fakeBattery{50}, &countingLED{}, corelog.New("test"))
	role, err := c.ResolveRole(50, [6]byte{0, 0, 0, 0, 0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != proto.RoleClient {
		t.Fatalf("higher own MAC on a tie should be Client, got %v", role)
	}
}

func TestIsInitiatorLowerMACWins(t *testing.T) {
	if !IsInitiator([6]byte{0, 0, 0, 0, 0, 1}, [6]byte{0, 0, 0, 0, 0, 2}) {
		t.Fatal("lower MAC should be the initiator")
	}
	if IsInitiator([6]byte{0, 0, 0, 0, 0, 2}, [6]byte{0, 0, 0, 0, 0, 1}) {
		t.Fatal("higher MAC should not be the initiator")
	}
}

func TestFirmwareMismatchBlinksAmberOnce(t *testing.T) {
	led := &countingLED{}
	c := New([6]byte{}, fakeBattery{}, led, corelog.New("test"))
	local := proto.FirmwareVersion{Major: 1, Minor: 0, Patch: 0}
	remote := proto.FirmwareVersion{Major: 1, Minor: 1, Patch: 0}

	c.CheckFirmwareVersion(local, remote)
	if led.setColorCalls != firmwareMismatchBlinks {
		t.Fatalf("expected %d amber blinks, got %d", firmwareMismatchBlinks, led.setColorCalls)
	}

	// One-shot: a second call (even with a mismatch) must not blink again.
	c.CheckFirmwareVersion(local, remote)
	if led.setColorCalls != firmwareMismatchBlinks {
		t.Fatal("firmware check must only run once per connection")
	}
}

func TestFirmwareMatchDoesNotBlink(t *testing.T) {
	led := &countingLED{}
	c := New([6]byte{}, fakeBattery{}, led, corelog.New("test"))
	v := proto.FirmwareVersion{Major: 2, Minor: 3, Patch: 1}
	c.CheckFirmwareVersion(v, v)
	if led.setColorCalls != 0 {
		t.Fatal("matching firmware versions must not blink")
	}
}
