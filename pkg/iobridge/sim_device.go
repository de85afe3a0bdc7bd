package iobridge

import (
	"time"

	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/sim"
)

// SimDevice runs the simulator in lockstep with the tick loop: every
// Exchange advances the machine by Step.
type SimDevice struct {
	Machine *sim.Machine
	Step    time.Duration
}

// NewSimDevice wraps m.
func NewSimDevice(m *sim.Machine, step time.Duration) *SimDevice {
	return &SimDevice{Machine: m, Step: step}
}

// Exchange implements Device.
func (d *SimDevice) Exchange(out gearbox.Outputs) (gearbox.Inputs, error) {
	d.Machine.Apply(out)
	d.Machine.Advance(d.Step)
	return d.Machine.Inputs(), nil
}

// DisableMotors implements Device.
func (d *SimDevice) DisableMotors() error {
	return d.Machine.DisableMotors()
}

// Close implements Device.
func (d *SimDevice) Close() error {
	return nil
}
