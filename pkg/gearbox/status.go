package gearbox

import "mh400e-gearbox/pkg/shaft"

// ShaftStatus is the published state of one shaft.
type ShaftStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Current    string `json:"current"`
	Target     string `json:"target"`
	Motor      bool   `json:"motor"`
	Arriving   bool   `json:"arriving"`
	Overshoots int    `json:"overshoots"`
}

// Status is an immutable snapshot of the controller.
type Status struct {
	State        string        `json:"state"`
	Stage        string        `json:"stage"`
	RequestedRPM float64       `json:"requested_rpm"`
	SelectedRPM  uint          `json:"selected_rpm"`
	CurrentRPM   uint          `json:"current_rpm"`
	InGear       bool          `json:"in_gear"`
	TargetRPM    uint          `json:"target_rpm"`
	Twitch       string        `json:"twitch"`
	Shafts       []ShaftStatus `json:"shafts"`
	Outputs      Outputs       `json:"outputs"`
	Shifts       uint64        `json:"shifts"`
	Overshoots   int           `json:"overshoots"`
	Ticks        uint64        `json:"ticks"`
	EStop        bool          `json:"estop"`
	LastError    string        `json:"last_error,omitempty"`
}

// Controller states reported in Status.State.
const (
	StateIdle            = "idle"
	StateStoppingSpindle = "stopping_spindle"
	StateShifting        = "shifting"
	StateEStop           = "estop"
)

func (c *Controller) state() string {
	switch {
	case c.estop:
		return StateEStop
	case c.orch.Shifting():
		return StateShifting
	case c.orch.StopSpindleRequested() && !(c.inGear && c.current == c.selected):
		return StateStoppingSpindle
	default:
		return StateIdle
	}
}

func (c *Controller) publish() {
	st := &Status{
		State:        c.state(),
		Stage:        c.orch.Stage().String(),
		RequestedRPM: c.requested,
		SelectedRPM:  c.selected.RPM,
		CurrentRPM:   c.current.RPM,
		InGear:       c.inGear,
		TargetRPM:    c.orch.Target().RPM,
		Twitch:       c.orch.Twitch().State().String(),
		Outputs:      c.out,
		Shifts:       c.shifts,
		Overshoots:   c.overshoots,
		Ticks:        c.ticks,
		EStop:        c.estop,
		LastError:    c.lastErr,
	}
	for _, name := range []shaft.Name{shaft.InputStage, shaft.Midrange, shaft.Backgear} {
		s := c.orch.Shaft(name)
		st.Shafts = append(st.Shafts, ShaftStatus{
			Name:       string(s.Name),
			State:      s.State.String(),
			Current:    s.Current.String(),
			Target:     s.Target.String(),
			Motor:      s.Motor,
			Arriving:   s.Arriving(),
			Overshoots: s.Overshoots,
		})
	}
	c.status.Store(st)
}
