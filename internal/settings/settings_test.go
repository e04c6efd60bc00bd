package settings

import (
	"testing"

	"github.com/lemonforest/mlehaptics-sub011/proto"
)

type fakeStore struct {
	kv map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{kv: map[string][]byte{}} }

func (f *fakeStore) Read(key string) ([]byte, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeStore) Write(key string, value []byte) error {
	f.kv[key] = append([]byte(nil), value...)
	return nil
}

func TestLoadFallsBackToDefaultsWhenEmpty(t *testing.T) {
	s := NewStore(newFakeStore())
	got := s.Load()
	if got.CurrentMode != proto.ModeM1 {
		t.Fatalf("default mode = %v, want M1", got.CurrentMode)
	}
	if got.CustomFreq != 100 || got.CustomDuty != 50 {
		t.Fatalf("unexpected custom defaults: %+v", got)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore(newFakeStore())
	want := Settings{
		CurrentMode:     proto.ModeCustom,
		CustomFreq:      120,
		CustomDuty:      60,
		ModeIntensities: [5]uint8{50, 65, 75, 85, 70},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := s.Load()
	if got.CurrentMode != want.CurrentMode || got.CustomFreq != want.CustomFreq || got.CustomDuty != want.CustomDuty {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.ModeIntensities != want.ModeIntensities {
		t.Fatalf("mode intensities mismatch: got %v, want %v", got.ModeIntensities, want.ModeIntensities)
	}
}

func TestModeConfigForCustomUsesPersistedFields(t *testing.T) {
	v := Settings{
		CurrentMode:     proto.ModeCustom,
		CustomFreq:      80,
		CustomDuty:      40,
		ModeIntensities: [5]uint8{0, 0, 0, 0, 55},
	}
	mc := v.ModeConfigFor(proto.ModeCustom)
	if mc.FreqCentihz != 80 || mc.MotorActiveDuty != 40 || mc.PWMIntensityPct != 55 {
		t.Fatalf("unexpected custom mode config: %+v", mc)
	}
}

func TestModeConfigForPresetAppliesStoredIntensity(t *testing.T) {
	v := Settings{ModeIntensities: [5]uint8{50, 65, 75, 85, 65}}
	mc := v.ModeConfigFor(proto.ModeM2)
	if mc.PWMIntensityPct != 75 {
		t.Fatalf("M2 intensity = %d, want 75", mc.PWMIntensityPct)
	}
	if mc.FreqCentihz != proto.Presets[proto.ModeM2].FreqCentihz {
		t.Fatalf("M2 frequency should come from the preset table")
	}
}
