package proto

import "github.com/lemonforest/mlehaptics-sub011/x/mathx"

// ModeID tags one of the five mode presets carried on the wire.
type ModeID uint8

const (
	ModeM0     ModeID = 0
	ModeM1     ModeID = 1
	ModeM2     ModeID = 2
	ModeM3     ModeID = 3
	ModeCustom ModeID = 4
)

func (m ModeID) String() string {
	switch m {
	case ModeM0:
		return "M0"
	case ModeM1:
		return "M1"
	case ModeM2:
		return "M2"
	case ModeM3:
		return "M3"
	case ModeCustom:
		return "Custom"
	default:
		return "Mode?"
	}
}

// ModeConfig is the tagged (freq, duty, intensity) triple.
type ModeConfig struct {
	FreqCentihz      uint16 // 0.25-2.0 Hz, in centihertz: [25, 200]
	MotorActiveDuty  uint8  // percent of the ACTIVE half-cycle spent driving: [10, 100]
	PWMIntensityPct  uint8  // [30, 90]
}

// Clamp brings an out-of-range ModeConfig back within the data-model bounds.
func (m ModeConfig) Clamp() ModeConfig {
	m.FreqCentihz = mathx.Clamp(m.FreqCentihz, uint16(25), uint16(200))
	m.MotorActiveDuty = mathx.Clamp(m.MotorActiveDuty, uint8(10), uint8(100))
	m.PWMIntensityPct = mathx.Clamp(m.PWMIntensityPct, uint8(30), uint8(90))
	return m
}

// CyclePeriodMs is the bilateral alternation period: two half-cycles, one per device.
func (m ModeConfig) CyclePeriodMs() uint32 {
	if m.FreqCentihz == 0 {
		return 0
	}
	return 100_000 / uint32(m.FreqCentihz)
}

// HalfPeriodMs is the span of one device's ACTIVE half-cycle.
func (m ModeConfig) HalfPeriodMs() uint32 {
	return m.CyclePeriodMs() / 2
}

// MotorOnMs is the actual PWM drive duration inside one ACTIVE half-cycle.
func (m ModeConfig) MotorOnMs() uint32 {
	return m.HalfPeriodMs() * uint32(m.MotorActiveDuty) / 100
}

// CoastMs is the freewheeling remainder of the ACTIVE half-cycle.
func (m ModeConfig) CoastMs() uint32 {
	half := m.HalfPeriodMs()
	on := m.MotorOnMs()
	if on > half {
		return 0
	}
	return half - on
}

// Role is the deterministic SERVER/CLIENT assignment outcome.
type Role uint8

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
	RoleStandalone
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	case RoleStandalone:
		return "standalone"
	default:
		return "none"
	}
}

// ResolveRole implements the role-determinism invariant: higher
// battery wins; on an exact tie, the lower MAC (compared MSB-first) is
// SERVER. macA/macB are this device's and the peer's 6-byte MACs respectively.
func ResolveRole(battA, battB uint8, macA, macB [6]byte) Role {
	if battA > battB {
		return RoleServer
	}
	if battA < battB {
		return RoleClient
	}
	for i := 0; i < 6; i++ {
		if macA[i] != macB[i] {
			if macA[i] < macB[i] {
				return RoleServer
			}
			return RoleClient
		}
	}
	// Identical battery and MAC: degenerate case, arbitrarily but
	// deterministically favor Server so a connection can still proceed.
	return RoleServer
}

// Presets are the compiled-in defaults for M0-M3; Custom is user-editable and
// is carried separately by internal/settings.
var Presets = map[ModeID]ModeConfig{
	ModeM0: {FreqCentihz: 50, MotorActiveDuty: 50, PWMIntensityPct: 50},
	ModeM1: {FreqCentihz: 100, MotorActiveDuty: 50, PWMIntensityPct: 65},
	ModeM2: {FreqCentihz: 150, MotorActiveDuty: 60, PWMIntensityPct: 75},
	ModeM3: {FreqCentihz: 200, MotorActiveDuty: 70, PWMIntensityPct: 85},
}
