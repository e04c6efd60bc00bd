// Package hwiface declares the external-collaborator seams the coordination
// core talks through. None of these are implemented against real silicon
// here: the radio stack, the H-bridge/LED drivers, and the persistent store
// are all out of core scope and are expected to be supplied by platform code.
package hwiface

import "context"

// PeerID identifies a radio peer (e.g. a MAC address, opaque to the core).
type PeerID [6]byte

// DiscoveryInfo is what a scan callback hands back for a discovered peer.
type DiscoveryInfo struct {
	Peer    PeerID
	AdvData []byte
	RSSI    int8
}

// PacketLink is the abstract datagram radio link described in the external
// interfaces section: best-effort send, RX callback, connect lifecycle,
// and advertising/scanning control. Delivery is not guaranteed; the core's
// protocol tolerates loss.
type PacketLink interface {
	// Send transmits up to 32 bytes to peer. It may fail transiently; the
	// caller does not retry indefinitely.
	Send(peer PeerID, payload []byte) error

	// OnPacket registers the callback invoked for every received datagram.
	OnPacket(fn func(peer PeerID, payload []byte))
	// OnConnect / OnDisconnect register connection lifecycle callbacks.
	// remoteRoleHint is an optional advertised hint, not authoritative.
	OnConnect(fn func(peer PeerID, remoteRoleHint string))
	OnDisconnect(fn func(peer PeerID, reason string))
	// OnDiscovery registers the scan-result callback.
	OnDiscovery(fn func(info DiscoveryInfo))

	RSSI(peer PeerID) (int8, error)

	SetAdvertisingData(data []byte) error
	StartAdvertising(serviceUUID string) error
	StopAdvertising() error

	StartScan(ctx context.Context, serviceUUID string) error
	StopScan() error

	Connect(peer PeerID) error
	Disconnect(peer PeerID) error

	// SetTXPower requests the link run at the given dBm (the core asks for
	// its maximum, typically +9 dBm, to survive enclosure attenuation).
	SetTXPower(dBm int8) error
}

// MotorDriver is the H-bridge PWM seam (motor_forward/reverse/coast).
type MotorDriver interface {
	Forward(intensityPct uint8) error
	Reverse(intensityPct uint8) error
	Coast() error
	// ReadBackEMFmV supports the optional first-10s research sampling.
	ReadBackEMFmV() (int16, error)
}

// LEDDriver is the RGB indicator seam.
type LEDDriver interface {
	SetColor(r, g, b uint8) error
	Clear() error
}

// BatteryMonitor reports the local battery percentage, 0-100.
type BatteryMonitor interface {
	PercentCharge() (uint8, error)
}

// PersistStore is the atomic key-value seam for user settings.
// Missing keys yield ok=false; callers fall back to compiled-in defaults.
// Write failures are surfaced but are never treated as fatal by callers.
type PersistStore interface {
	Read(key string) (value []byte, ok bool, err error)
	Write(key string, value []byte) error
}

// Well-known persistent-store keys named by.3.
const (
	KeyCurrentMode       = "current_mode"
	KeyCustomFreq        = "custom_freq"
	KeyCustomDuty        = "custom_duty"
	KeyModeIntensities   = "mode_intensities"
	KeyBondedPeerRecord  = "bonded_peer_record"
)

// SleepWaker is the deep-sleep seam: enter_deep_sleep(wake_sources).
type SleepWaker interface {
	EnterDeepSleep(wakeSources []string) error
}
