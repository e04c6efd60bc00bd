// Package settings persists the user-editable Mode/Settings record through
// the abstract PersistStore and supplies compiled-in defaults,
// decoded from embedded JSON the way the platform's config service decodes
// per-device presets.
package settings

import (
	"errors"
	"strconv"

	"github.com/andreyvit/tinyjson"

	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// Settings is the full persisted record.
type Settings struct {
	CurrentMode      proto.ModeID
	CustomFreq       uint16
	CustomDuty       uint8
	ModeIntensities  [5]uint8 // index by proto.ModeID
	BondedPeerRecord []byte   // opaque; owned by internal/coord
}

// defaultModeIntensities mirrors proto.Presets' intensity column plus a
// Custom slot seeded from M1.
var defaultModeIntensities = [5]uint8{50, 65, 75, 85, 65}

// embeddedDefaultsJSON is the compiled-in fallback, in the same spirit as
// the platform's embedded per-device config blobs.
const embeddedDefaultsJSON = `{
	"current_mode": 1,
	"custom_freq": 100,
	"custom_duty": 50,
	"mode_intensities": [50, 65, 75, 85, 65]
}`

func defaults() Settings {
	s := Settings{
		CurrentMode:     proto.ModeM1,
		CustomFreq:      100,
		CustomDuty:      50,
		ModeIntensities: defaultModeIntensities,
	}
	if decoded, err := decodeJSON([]byte(embeddedDefaultsJSON)); err == nil {
		return decoded
	}
	return s
}

func decodeJSON(raw []byte) (Settings, error) {
	r := tinyjson.Raw(raw)
	val := r.Value()
	if err := r.EnsureEOF(); err != nil {
		return Settings{}, err
	}
	m, ok := val.(map[string]any)
	if !ok {
		return Settings{}, errors.New("settings: embedded config is not a JSON object")
	}

	s := Settings{ModeIntensities: defaultModeIntensities}
	if v, ok := m["current_mode"].(float64); ok {
		s.CurrentMode = proto.ModeID(v)
	}
	if v, ok := m["custom_freq"].(float64); ok {
		s.CustomFreq = uint16(v)
	}
	if v, ok := m["custom_duty"].(float64); ok {
		s.CustomDuty = uint8(v)
	}
	if arr, ok := m["mode_intensities"].([]any); ok {
		for i := 0; i < len(arr) && i < len(s.ModeIntensities); i++ {
			if v, ok := arr[i].(float64); ok {
				s.ModeIntensities[i] = uint8(v)
			}
		}
	}
	return s, nil
}

// Store wraps a hwiface.PersistStore with the coordination core's schema.
// Read failures or missing keys fall back to compiled-in defaults and are
// never treated as fatal.
type Store struct {
	backing hwiface.PersistStore
}

func NewStore(backing hwiface.PersistStore) *Store {
	return &Store{backing: backing}
}

// Load reads every known key, substituting defaults for anything missing
// or unparsable.
func (s *Store) Load() Settings {
	out := defaults()
	if s.backing == nil {
		return out
	}

	if v, ok := s.readUint(hwiface.KeyCurrentMode); ok {
		out.CurrentMode = proto.ModeID(v)
	}
	if v, ok := s.readUint(hwiface.KeyCustomFreq); ok {
		out.CustomFreq = uint16(v)
	}
	if v, ok := s.readUint(hwiface.KeyCustomDuty); ok {
		out.CustomDuty = uint8(v)
	}
	if raw, ok, err := s.backing.Read(hwiface.KeyModeIntensities); err == nil && ok {
		if decoded, derr := decodeJSON(wrapIntensities(raw)); derr == nil {
			out.ModeIntensities = decoded.ModeIntensities
		}
	}
	if raw, ok, err := s.backing.Read(hwiface.KeyBondedPeerRecord); err == nil && ok {
		out.BondedPeerRecord = raw
	}
	return out
}

func wrapIntensities(raw []byte) []byte {
	return append([]byte(`{"mode_intensities":`), append(raw, '}')...)
}

func (s *Store) readUint(key string) (uint64, bool) {
	raw, ok, err := s.backing.Read(key)
	if err != nil || !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Save writes every field back through the backing store. Individual
// write failures are returned but the caller is expected to log and
// continue, never halt.
func (s *Store) Save(v Settings) error {
	if s.backing == nil {
		return nil
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(s.backing.Write(hwiface.KeyCurrentMode, []byte(strconv.Itoa(int(v.CurrentMode)))))
	record(s.backing.Write(hwiface.KeyCustomFreq, []byte(strconv.Itoa(int(v.CustomFreq)))))
	record(s.backing.Write(hwiface.KeyCustomDuty, []byte(strconv.Itoa(int(v.CustomDuty)))))
	record(s.backing.Write(hwiface.KeyModeIntensities, encodeIntensities(v.ModeIntensities)))
	if v.BondedPeerRecord != nil {
		record(s.backing.Write(hwiface.KeyBondedPeerRecord, v.BondedPeerRecord))
	}
	return firstErr
}

func encodeIntensities(a [5]uint8) []byte {
	out := []byte{'['}
	for i, v := range a {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendInt(out, int64(v), 10)
	}
	return append(out, ']')
}

// ModeConfigFor resolves a ModeID to its effective ModeConfig, using the
// preset table for M0-M3 and the persisted custom/intensity fields for
// ModeCustom.
func (v Settings) ModeConfigFor(id proto.ModeID) proto.ModeConfig {
	if id == proto.ModeCustom {
		return proto.ModeConfig{
			FreqCentihz:     v.CustomFreq,
			MotorActiveDuty: v.CustomDuty,
			PWMIntensityPct: v.ModeIntensities[proto.ModeCustom],
		}.Clamp()
	}
	mc := proto.Presets[id]
	if int(id) < len(v.ModeIntensities) {
		mc.PWMIntensityPct = v.ModeIntensities[id]
	}
	return mc.Clamp()
}
