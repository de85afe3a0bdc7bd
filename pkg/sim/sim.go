// Package sim simulates the MH400E gearbox hardware: three shift shafts
// travelling past their micro-switches and a spindle that needs time to
// run down and up again.
package sim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
)

// Detents along the shaft travel, left end first. The left-center switch
// closes at the left end and on the right half of the travel.
var detents = []gears.AxisMask{
	gears.PosLeft,
	0,
	gears.PosCenter,
	gears.BitLeftCenter | gears.BitCenter,
	gears.BitLeftCenter,
	gears.PosRight,
}

func detentOf(m gears.AxisMask) (int, bool) {
	for i, d := range detents {
		if d == m {
			return i, true
		}
	}
	return 0, false
}

// Config holds the simulated mechanics.
type Config struct {
	// Step is the time a shaft needs between two detents at full speed.
	Step time.Duration
	// SlowStep is the same with the slow relay engaged.
	SlowStep time.Duration
	// RunDown and RunUp are the spindle stop and start times.
	RunDown time.Duration
	RunUp   time.Duration
}

// DefaultConfig returns plausible timings.
func DefaultConfig() Config {
	return Config{
		Step:     60 * time.Millisecond,
		SlowStep: 150 * time.Millisecond,
		RunDown:  300 * time.Millisecond,
		RunUp:    200 * time.Millisecond,
	}
}

type axis struct {
	pos      int
	progress time.Duration
}

// Machine is a simulated gearbox. It is safe for concurrent use.
type Machine struct {
	mu  sync.Mutex
	cfg Config

	axes [3]axis // input stage, midrange, backgear
	out  gearbox.Outputs

	spindleOn    bool
	spindleLevel float64 // 0 stopped, 1 at speed
	requested    float64
	estop        bool

	jams int
}

// New returns a machine in neutral with the spindle off.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg}
	m.SetGear(gears.DefaultTable().Neutral().Mask)
	return m
}

// SetGear places the shafts on the detents of mask. Shafts without a
// target in mask are parked on the right.
func (m *Machine) SetGear(mask uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, mid, back := gears.Split(mask)
	for i, nib := range []gears.AxisMask{in, mid, back} {
		pos := len(detents) - 1
		if tgt, ok := gears.TargetFromMask(nib); ok {
			pos, _ = detentOf(tgt.Mask())
		}
		m.axes[i] = axis{pos: pos}
	}
}

// SetPosition places one shaft on the detent reading mask.
func (m *Machine) SetPosition(shaftIdx int, mask gears.AxisMask) error {
	pos, ok := detentOf(mask)
	if !ok {
		return fmt.Errorf("sim: no detent reads %s", mask)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axes[shaftIdx] = axis{pos: pos}
	return nil
}

// SetSpindle switches the spindle run command.
func (m *Machine) SetSpindle(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spindleOn = on
}

// SetSpindleAtSpeed jumps the spindle to its commanded state.
func (m *Machine) SetSpindleAtSpeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spindleOn && !m.out.StopSpindle {
		m.spindleLevel = 1
	} else {
		m.spindleLevel = 0
	}
}

// SetRequestedRPM sets the speed reported in Inputs.
func (m *Machine) SetRequestedRPM(rpm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = rpm
}

// SetEStop drives the emergency stop chain input.
func (m *Machine) SetEStop(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estop = on
}

// Inputs returns the current sensor readings.
func (m *Machine) Inputs() gearbox.Inputs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gearbox.Inputs{
		InputStage:     detents[m.axes[0].pos],
		Midrange:       detents[m.axes[1].pos],
		Backgear:       detents[m.axes[2].pos],
		SpindleStopped: m.spindleLevel == 0,
		RequestedRPM:   m.requested,
		EStop:          m.estop,
	}
}

// Apply latches the controller outputs.
func (m *Machine) Apply(out gearbox.Outputs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = out
}

// Outputs returns the last applied outputs.
func (m *Machine) Outputs() gearbox.Outputs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out
}

// DisableMotors drops every actuator output.
func (m *Machine) DisableMotors() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.InputStageMotor = false
	m.out.MidrangeMotor = false
	m.out.BackgearMotor = false
	m.out.Reverse = false
	m.out.Slow = false
	m.out.TwitchCW = false
	m.out.TwitchCCW = false
	return nil
}

// Advance moves the simulation forward by dt.
func (m *Machine) Advance(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	motors := [3]bool{m.out.InputStageMotor, m.out.MidrangeMotor, m.out.BackgearMotor}
	step := m.cfg.Step
	if m.out.Slow {
		step = m.cfg.SlowStep
	}
	dir := -1
	if m.out.Reverse {
		dir = 1
	}
	for i := range m.axes {
		a := &m.axes[i]
		if !motors[i] || step <= 0 {
			a.progress = 0
			continue
		}
		a.progress += dt
		for a.progress >= step {
			a.progress -= step
			next := a.pos + dir
			if next < 0 || next >= len(detents) {
				m.jams++
				continue
			}
			a.pos = next
		}
	}

	run := m.spindleOn && !m.out.StopSpindle
	switch {
	case run && m.cfg.RunUp > 0:
		m.spindleLevel += float64(dt) / float64(m.cfg.RunUp)
	case run:
		m.spindleLevel = 1
	case m.cfg.RunDown > 0:
		m.spindleLevel -= float64(dt) / float64(m.cfg.RunDown)
	default:
		m.spindleLevel = 0
	}
	if m.spindleLevel > 1 {
		m.spindleLevel = 1
	}
	if m.spindleLevel < 0 {
		m.spindleLevel = 0
	}
}

// SpindleAtSpeed reports whether the spindle reached full speed.
func (m *Machine) SpindleAtSpeed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spindleLevel >= 1
}

// Gear returns the combined switch mask.
func (m *Machine) Gear() uint16 {
	in := m.Inputs()
	return gears.Compose(in.InputStage, in.Midrange, in.Backgear)
}

// Jams counts steps a motor drove against an end of travel.
func (m *Machine) Jams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jams
}

func (m *Machine) String() string {
	in := m.Inputs()
	var sb strings.Builder
	fmt.Fprintf(&sb, "input=%s mid=%s back=%s spindle_stopped=%v",
		in.InputStage, in.Midrange, in.Backgear, in.SpindleStopped)
	return sb.String()
}
