package gearbox

import "mh400e-gearbox/pkg/gears"

// Inputs are sampled once per tick.
type Inputs struct {
	InputStage gears.AxisMask `json:"input_stage"`
	Midrange   gears.AxisMask `json:"midrange"`
	Backgear   gears.AxisMask `json:"backgear"`

	SpindleStopped bool    `json:"spindle_stopped"`
	RequestedRPM   float64 `json:"requested_rpm"`

	// EStop is the machine emergency stop chain.
	EStop bool `json:"estop"`
}

// Outputs are the signals driven by the controller.
type Outputs struct {
	InputStageMotor bool `json:"input_stage_motor"`
	MidrangeMotor   bool `json:"midrange_motor"`
	BackgearMotor   bool `json:"backgear_motor"`

	Reverse bool `json:"reverse"`
	Slow    bool `json:"slow"`

	TwitchCW  bool `json:"twitch_cw"`
	TwitchCCW bool `json:"twitch_ccw"`

	StartShift     bool `json:"start_shift"`
	StopSpindle    bool `json:"stop_spindle"`
	SpindleAtSpeed bool `json:"spindle_at_speed"`

	EStop bool `json:"estop"`
}

// MotorsOff reports whether no shaft motor is energized.
func (o Outputs) MotorsOff() bool {
	return !o.InputStageMotor && !o.MidrangeMotor && !o.BackgearMotor
}
