//go:build rp2040 || rp2350

package hwiface

import (
	"tinygo.org/x/drivers"
)

// I2CBusFactory is the seam a real board's battery-sense driver plugs into.
// BatteryMonitor implementations are out of core scope; this factory
// shape is retained, unchanged from the platform's own I2C bus factory
// convention, so a concrete fuel-gauge or ADC-based monitor can be wired in
// without touching internal/coord or internal/motor.
type I2CBusFactory interface {
	ByID(id string) (drivers.I2C, bool)
}

// staticI2CFactory is the simplest possible I2CBusFactory: a fixed map
// handed to it at construction, the way platform code wires real buses.
type staticI2CFactory struct {
	buses map[string]drivers.I2C
}

// NewStaticI2CFactory returns an I2CBusFactory over pre-configured buses.
func NewStaticI2CFactory(buses map[string]drivers.I2C) I2CBusFactory {
	return &staticI2CFactory{buses: buses}
}

func (f *staticI2CFactory) ByID(id string) (drivers.I2C, bool) {
	b, ok := f.buses[id]
	return b, ok
}
