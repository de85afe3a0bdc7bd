package iobridge

import (
	"mh400e-gearbox/pkg/config"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
)

// inputLevels is the unpacked input word.
type inputLevels struct {
	input, mid, back gears.SwitchState
	spindleStopped   bool
	estop            bool
}

var inputFields = map[string]func(*inputLevels) *bool{
	"input_stage_left":        func(l *inputLevels) *bool { return &l.input.Left },
	"input_stage_right":       func(l *inputLevels) *bool { return &l.input.Right },
	"input_stage_center":      func(l *inputLevels) *bool { return &l.input.Center },
	"input_stage_left_center": func(l *inputLevels) *bool { return &l.input.LeftCenter },
	"midrange_left":           func(l *inputLevels) *bool { return &l.mid.Left },
	"midrange_right":          func(l *inputLevels) *bool { return &l.mid.Right },
	"midrange_center":         func(l *inputLevels) *bool { return &l.mid.Center },
	"midrange_left_center":    func(l *inputLevels) *bool { return &l.mid.LeftCenter },
	"backgear_left":           func(l *inputLevels) *bool { return &l.back.Left },
	"backgear_right":          func(l *inputLevels) *bool { return &l.back.Right },
	"backgear_center":         func(l *inputLevels) *bool { return &l.back.Center },
	"backgear_left_center":    func(l *inputLevels) *bool { return &l.back.LeftCenter },
	"spindle_stopped":         func(l *inputLevels) *bool { return &l.spindleStopped },
	"estop":                   func(l *inputLevels) *bool { return &l.estop },
}

var outputFields = map[string]func(*gearbox.Outputs) *bool{
	"input_stage_motor": func(o *gearbox.Outputs) *bool { return &o.InputStageMotor },
	"midrange_motor":    func(o *gearbox.Outputs) *bool { return &o.MidrangeMotor },
	"backgear_motor":    func(o *gearbox.Outputs) *bool { return &o.BackgearMotor },
	"reverse":           func(o *gearbox.Outputs) *bool { return &o.Reverse },
	"slow":              func(o *gearbox.Outputs) *bool { return &o.Slow },
	"twitch_cw":         func(o *gearbox.Outputs) *bool { return &o.TwitchCW },
	"twitch_ccw":        func(o *gearbox.Outputs) *bool { return &o.TwitchCCW },
	"start_shift":       func(o *gearbox.Outputs) *bool { return &o.StartShift },
	"stop_spindle":      func(o *gearbox.Outputs) *bool { return &o.StopSpindle },
	"spindle_at_speed":  func(o *gearbox.Outputs) *bool { return &o.SpindleAtSpeed },
	"estop":             func(o *gearbox.Outputs) *bool { return &o.EStop },
}

func level(word uint32, sig config.Signal) bool {
	return (word>>uint(sig.Bit))&1 != 0 != sig.Invert
}

func set(word *uint32, sig config.Signal, v bool) {
	if v != sig.Invert {
		*word |= 1 << uint(sig.Bit)
	}
}

// Codec translates between controller I/O and the board's bit words.
// Signals missing from a map read as inactive and are not driven.
type Codec struct {
	Inputs  config.SignalMap
	Outputs config.SignalMap
}

// DefaultCodec uses the default bit assignment.
func DefaultCodec() Codec {
	return Codec{
		Inputs:  config.DefaultSignals(config.InputSignals),
		Outputs: config.DefaultSignals(config.OutputSignals),
	}
}

// PackOutputs builds the set_outputs word.
func (c Codec) PackOutputs(out gearbox.Outputs) uint32 {
	var word uint32
	for name, sig := range c.Outputs {
		if f, ok := outputFields[name]; ok {
			set(&word, sig, *f(&out))
		}
	}
	return word
}

// UnpackOutputs is the board side of PackOutputs.
func (c Codec) UnpackOutputs(word uint32) gearbox.Outputs {
	var out gearbox.Outputs
	for name, sig := range c.Outputs {
		if f, ok := outputFields[name]; ok {
			*f(&out) = level(word, sig)
		}
	}
	return out
}

// UnpackInputs decodes an inputs_state word. RequestedRPM is not a board
// signal and stays zero.
func (c Codec) UnpackInputs(word uint32) gearbox.Inputs {
	var l inputLevels
	for name, sig := range c.Inputs {
		if f, ok := inputFields[name]; ok {
			*f(&l) = level(word, sig)
		}
	}
	return gearbox.Inputs{
		InputStage:     l.input.Mask(),
		Midrange:       l.mid.Mask(),
		Backgear:       l.back.Mask(),
		SpindleStopped: l.spindleStopped,
		EStop:          l.estop,
	}
}

func switches(m gears.AxisMask) gears.SwitchState {
	return gears.SwitchState{
		Left:       m.IsLeft(),
		Right:      m.IsRight(),
		Center:     m.IsCenter(),
		LeftCenter: m.IsLeftCenter(),
	}
}

// PackInputs is the board side of UnpackInputs.
func (c Codec) PackInputs(in gearbox.Inputs) uint32 {
	l := inputLevels{
		input:          switches(in.InputStage),
		mid:            switches(in.Midrange),
		back:           switches(in.Backgear),
		spindleStopped: in.SpindleStopped,
		estop:          in.EStop,
	}
	var word uint32
	for name, sig := range c.Inputs {
		if f, ok := inputFields[name]; ok {
			set(&word, sig, *f(&l))
		}
	}
	return word
}

// SafeOutputs returns out with every actuator dropped. Handshake and
// estop lines are kept.
func SafeOutputs(out gearbox.Outputs) gearbox.Outputs {
	out.InputStageMotor = false
	out.MidrangeMotor = false
	out.BackgearMotor = false
	out.Reverse = false
	out.Slow = false
	out.TwitchCW = false
	out.TwitchCCW = false
	return out
}
