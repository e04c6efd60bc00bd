// Package proto implements the Coordination Message wire layer: small typed
// records, little-endian, each at most 32 bytes on the wire including its
// one-byte tag.
package proto

import (
	"encoding/binary"

	"github.com/lemonforest/mlehaptics-sub011/errcode"
)

// Tag identifies a Coordination Message variant on the wire.
type Tag uint8

const (
	TagTimeRequest Tag = iota + 1
	TagTimeResponse
	TagBeacon
	TagModeChangeProposal
	TagMotorStarted
	TagSettings
	TagActivationReport
	TagShutdown
	TagStartAdvertising
	TagClientBattery
	TagFirmwareVersion
)

// MaxPacketBytes is the radio payload ceiling the core designs every
// message to fit under.
const MaxPacketBytes = 32

// Message is anything that can serialize itself to a wire frame.
type Message interface {
	Tag() Tag
	Encode() []byte
}

// -----------------------------------------------------------------------------
// TimeRequest / TimeResponse — NTP-style handshake
// -----------------------------------------------------------------------------

type TimeRequest struct {
	T1 uint64 // local_us_when_sent
}

func (m TimeRequest) Tag() Tag { return TagTimeRequest }
func (m TimeRequest) Encode() []byte {
	b := make([]byte, 9)
	b[0] = byte(TagTimeRequest)
	binary.LittleEndian.PutUint64(b[1:], m.T1)
	return b
}
func decodeTimeRequest(p []byte) (TimeRequest, error) {
	if len(p) < 8 {
		return TimeRequest{}, errcode.DecodeFailed
	}
	return TimeRequest{T1: binary.LittleEndian.Uint64(p)}, nil
}

type TimeResponse struct {
	T1, T2, T3 uint64
}

func (m TimeResponse) Tag() Tag { return TagTimeResponse }
func (m TimeResponse) Encode() []byte {
	b := make([]byte, 25)
	b[0] = byte(TagTimeResponse)
	binary.LittleEndian.PutUint64(b[1:], m.T1)
	binary.LittleEndian.PutUint64(b[9:], m.T2)
	binary.LittleEndian.PutUint64(b[17:], m.T3)
	return b
}
func decodeTimeResponse(p []byte) (TimeResponse, error) {
	if len(p) < 24 {
		return TimeResponse{}, errcode.DecodeFailed
	}
	return TimeResponse{
		T1: binary.LittleEndian.Uint64(p[0:]),
		T2: binary.LittleEndian.Uint64(p[8:]),
		T3: binary.LittleEndian.Uint64(p[16:]),
	}, nil
}

// -----------------------------------------------------------------------------
// Beacon — periodic SERVER broadcast
// -----------------------------------------------------------------------------

type Beacon struct {
	Seq             uint8
	ServerTimeUs    uint64
	MotorEpochUs    uint64
	CyclePeriodMs   uint16
	MotorActiveDuty uint8
	ModeID          ModeID
}

func (m Beacon) Tag() Tag { return TagBeacon }
func (m Beacon) Encode() []byte {
	b := make([]byte, 1+23)
	b[0] = byte(TagBeacon)
	p := b[1:]
	p[0] = m.Seq
	binary.LittleEndian.PutUint64(p[1:], m.ServerTimeUs)
	binary.LittleEndian.PutUint64(p[9:], m.MotorEpochUs)
	binary.LittleEndian.PutUint16(p[17:], m.CyclePeriodMs)
	p[19] = m.MotorActiveDuty
	p[20] = byte(m.ModeID)
	// p[21:23] reserved, zero
	return b
}
func decodeBeacon(p []byte) (Beacon, error) {
	if len(p) < 23 {
		return Beacon{}, errcode.DecodeFailed
	}
	return Beacon{
		Seq:             p[0],
		ServerTimeUs:    binary.LittleEndian.Uint64(p[1:]),
		MotorEpochUs:    binary.LittleEndian.Uint64(p[9:]),
		CyclePeriodMs:   binary.LittleEndian.Uint16(p[17:]),
		MotorActiveDuty: p[19],
		ModeID:          ModeID(p[20]),
	}, nil
}

// -----------------------------------------------------------------------------
// ModeChangeProposal — two-phase commit, phase 1
// -----------------------------------------------------------------------------

type ModeChangeProposal struct {
	ArmedEpochUs uint64
	NewModeID    ModeID
	FreqCentihz  uint16
	DutyPct      uint8
	IntensityPct uint8
}

func (m ModeChangeProposal) Tag() Tag { return TagModeChangeProposal }
func (m ModeChangeProposal) Encode() []byte {
	b := make([]byte, 1+13)
	b[0] = byte(TagModeChangeProposal)
	p := b[1:]
	binary.LittleEndian.PutUint64(p[0:], m.ArmedEpochUs)
	p[8] = byte(m.NewModeID)
	binary.LittleEndian.PutUint16(p[9:], m.FreqCentihz)
	p[11] = m.DutyPct
	p[12] = m.IntensityPct
	return b
}
func decodeModeChangeProposal(p []byte) (ModeChangeProposal, error) {
	if len(p) < 13 {
		return ModeChangeProposal{}, errcode.DecodeFailed
	}
	return ModeChangeProposal{
		ArmedEpochUs: binary.LittleEndian.Uint64(p[0:]),
		NewModeID:    ModeID(p[8]),
		FreqCentihz:  binary.LittleEndian.Uint16(p[9:]),
		DutyPct:      p[11],
		IntensityPct: p[12],
	}, nil
}

// -----------------------------------------------------------------------------
// MotorStarted — SERVER notification after activation begins
// -----------------------------------------------------------------------------

type MotorStarted struct {
	EpochUs       uint64
	CyclePeriodMs uint16
}

func (m MotorStarted) Tag() Tag { return TagMotorStarted }
func (m MotorStarted) Encode() []byte {
	b := make([]byte, 1+10)
	b[0] = byte(TagMotorStarted)
	p := b[1:]
	binary.LittleEndian.PutUint64(p[0:], m.EpochUs)
	binary.LittleEndian.PutUint16(p[8:], m.CyclePeriodMs)
	return b
}
func decodeMotorStarted(p []byte) (MotorStarted, error) {
	if len(p) < 10 {
		return MotorStarted{}, errcode.DecodeFailed
	}
	return MotorStarted{
		EpochUs:       binary.LittleEndian.Uint64(p[0:]),
		CyclePeriodMs: binary.LittleEndian.Uint16(p[8:]),
	}, nil
}

// -----------------------------------------------------------------------------
// Settings — settings-sync coordination message
// -----------------------------------------------------------------------------

type Settings struct {
	FreqCentihz      uint16
	DutyPct          uint8
	IntensityPct     uint8
	ModeIntensities  [5]uint8 // per-preset intensity overrides, M0..Custom
}

func (m Settings) Tag() Tag { return TagSettings }
func (m Settings) Encode() []byte {
	b := make([]byte, 1+9)
	b[0] = byte(TagSettings)
	p := b[1:]
	binary.LittleEndian.PutUint16(p[0:], m.FreqCentihz)
	p[2] = m.DutyPct
	p[3] = m.IntensityPct
	copy(p[4:9], m.ModeIntensities[:])
	return b
}
func decodeSettings(p []byte) (Settings, error) {
	if len(p) < 9 {
		return Settings{}, errcode.DecodeFailed
	}
	var s Settings
	s.FreqCentihz = binary.LittleEndian.Uint16(p[0:])
	s.DutyPct = p[2]
	s.IntensityPct = p[3]
	copy(s.ModeIntensities[:], p[4:9])
	return s, nil
}

// -----------------------------------------------------------------------------
// ActivationReport — paired-timestamp bias correction
// -----------------------------------------------------------------------------

type ActivationReport struct {
	CycleIndex   uint16
	PhaseErrorMs int16
	T1           uint64 // last_beacon_server_time_us
	T2           uint64 // last_beacon_rx_local_us
	T3           uint64 // report_send_local_us
}

func (m ActivationReport) Tag() Tag { return TagActivationReport }
func (m ActivationReport) Encode() []byte {
	b := make([]byte, 1+28)
	b[0] = byte(TagActivationReport)
	p := b[1:]
	binary.LittleEndian.PutUint16(p[0:], m.CycleIndex)
	binary.LittleEndian.PutUint16(p[2:], uint16(m.PhaseErrorMs))
	binary.LittleEndian.PutUint64(p[4:], m.T1)
	binary.LittleEndian.PutUint64(p[12:], m.T2)
	binary.LittleEndian.PutUint64(p[20:], m.T3)
	return b
}
func decodeActivationReport(p []byte) (ActivationReport, error) {
	if len(p) < 28 {
		return ActivationReport{}, errcode.DecodeFailed
	}
	return ActivationReport{
		CycleIndex:   binary.LittleEndian.Uint16(p[0:]),
		PhaseErrorMs: int16(binary.LittleEndian.Uint16(p[2:])),
		T1:           binary.LittleEndian.Uint64(p[4:]),
		T2:           binary.LittleEndian.Uint64(p[12:]),
		T3:           binary.LittleEndian.Uint64(p[20:]),
	}, nil
}

// -----------------------------------------------------------------------------
// Zero-payload messages
// -----------------------------------------------------------------------------

type Shutdown struct{}

func (m Shutdown) Tag() Tag           { return TagShutdown }
func (m Shutdown) Encode() []byte     { return []byte{byte(TagShutdown)} }
func decodeShutdown([]byte) (Shutdown, error) { return Shutdown{}, nil }

type StartAdvertising struct{}

func (m StartAdvertising) Tag() Tag       { return TagStartAdvertising }
func (m StartAdvertising) Encode() []byte { return []byte{byte(TagStartAdvertising)} }
func decodeStartAdvertising([]byte) (StartAdvertising, error) { return StartAdvertising{}, nil }

// -----------------------------------------------------------------------------
// ClientBattery / FirmwareVersion
// -----------------------------------------------------------------------------

type ClientBattery struct {
	Pct uint8
}

func (m ClientBattery) Tag() Tag { return TagClientBattery }
func (m ClientBattery) Encode() []byte {
	return []byte{byte(TagClientBattery), m.Pct}
}
func decodeClientBattery(p []byte) (ClientBattery, error) {
	if len(p) < 1 {
		return ClientBattery{}, errcode.DecodeFailed
	}
	return ClientBattery{Pct: p[0]}, nil
}

type FirmwareVersion struct {
	Major, Minor, Patch uint8
	BuildTimestamp      uint32
}

func (m FirmwareVersion) Tag() Tag { return TagFirmwareVersion }
func (m FirmwareVersion) Encode() []byte {
	b := make([]byte, 1+7)
	b[0] = byte(TagFirmwareVersion)
	p := b[1:]
	p[0] = m.Major
	p[1] = m.Minor
	p[2] = m.Patch
	binary.LittleEndian.PutUint32(p[3:], m.BuildTimestamp)
	return b
}
func decodeFirmwareVersion(p []byte) (FirmwareVersion, error) {
	if len(p) < 7 {
		return FirmwareVersion{}, errcode.DecodeFailed
	}
	return FirmwareVersion{
		Major:          p[0],
		Minor:          p[1],
		Patch:          p[2],
		BuildTimestamp: binary.LittleEndian.Uint32(p[3:]),
	}, nil
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// Decode parses a received frame into its concrete Message, dispatching on
// the leading tag byte. Unknown tags or short payloads are reported so the
// caller can drop the packet and bump a counter.
func Decode(raw []byte) (Message, error) {
	if len(raw) < 1 {
		return nil, errcode.DecodeFailed
	}
	tag := Tag(raw[0])
	body := raw[1:]
	switch tag {
	case TagTimeRequest:
		return decodeTimeRequest(body)
	case TagTimeResponse:
		return decodeTimeResponse(body)
	case TagBeacon:
		return decodeBeacon(body)
	case TagModeChangeProposal:
		return decodeModeChangeProposal(body)
	case TagMotorStarted:
		return decodeMotorStarted(body)
	case TagSettings:
		return decodeSettings(body)
	case TagActivationReport:
		return decodeActivationReport(body)
	case TagShutdown:
		return decodeShutdown(body)
	case TagStartAdvertising:
		return decodeStartAdvertising(body)
	case TagClientBattery:
		return decodeClientBattery(body)
	case TagFirmwareVersion:
		return decodeFirmwareVersion(body)
	default:
		return nil, errcode.DecodeFailed
	}
}
