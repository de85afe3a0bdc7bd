// Shaft state machine
//
// Each of the three gearbox shafts is moved by one reversible motor between
// discrete switch positions. The reverse and slow relays are shared by all
// shafts, so only one shaft may be stepped at a time.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package shaft

import (
	"fmt"
	"time"

	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/log"
)

// State is the state of a shaft.
type State int

const (
	Idle State = iota
	Moving
	Recovering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Moving:
		return "moving"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Name identifies a shaft.
type Name string

const (
	InputStage Name = "input_stage"
	Midrange   Name = "midrange"
	Backgear   Name = "backgear"
)

// Relays are the reverse and slow relays shared by all shafts.
type Relays struct {
	Reverse bool
	Slow    bool
}

// Clear releases both relays.
func (r *Relays) Clear() {
	r.Reverse = false
	r.Slow = false
}

// CenterRule selects how the motor direction is chosen for center targets.
type CenterRule int

const (
	// CenterTable turns clockwise when the left-center or right switch is
	// active and counter-clockwise otherwise.
	CenterTable CenterRule = iota
	// CenterLeftCenterReverse turns counter-clockwise exactly when the
	// left-center switch is active.
	CenterLeftCenterReverse
)

func (c CenterRule) String() string {
	if c == CenterLeftCenterReverse {
		return "left_center_reverse"
	}
	return "table"
}

// ParseCenterRule parses a center rule name.
func ParseCenterRule(s string) (CenterRule, error) {
	switch s {
	case "", "table":
		return CenterTable, nil
	case "left_center_reverse":
		return CenterLeftCenterReverse, nil
	}
	return CenterTable, fmt.Errorf("unknown center rule %q", s)
}

// Timing holds the delays used while stepping a shaft.
type Timing struct {
	Poll            time.Duration // re-poll interval while moving
	ReverseInterval time.Duration // settle time around the reverse relay
	PinInterval     time.Duration // settle time for the other relays
}

// DefaultTiming returns the stock MH400E timing.
func DefaultTiming() Timing {
	return Timing{
		Poll:            5 * time.Millisecond,
		ReverseInterval: 100 * time.Millisecond,
		PinInterval:     100 * time.Millisecond,
	}
}

// Step is the outcome of one evaluation of a shaft.
type Step struct {
	// Done is set once the shaft rests at its target with motor and
	// relays released.
	Done bool
	// Delay is the time to wait before the shaft is stepped again.
	Delay time.Duration
	// Overshoot is set when the end-stop guard stopped the motor.
	Overshoot bool
}

// Shaft is the runtime state of one shaft.
type Shaft struct {
	Name    Name
	State   State
	Current gears.AxisMask
	Target  gears.Target
	Motor   bool

	// Overshoots counts guard trips since the last Begin.
	Overshoots int

	// End-stop hit by the last overshoot. The next approach starts in the
	// opposite direction.
	blocked gears.AxisMask

	logger *log.Logger
}

// New creates an idle shaft.
func New(name Name) *Shaft {
	return &Shaft{
		Name:   name,
		logger: log.GetLogger("shaft." + string(name)),
	}
}

// Begin arms the shaft for a new target.
func (s *Shaft) Begin(target gears.Target) {
	s.Target = target
	s.State = Idle
	s.Overshoots = 0
	s.blocked = 0
}

// Reset stops the motor and returns the shaft to Idle.
func (s *Shaft) Reset() {
	s.Motor = false
	s.State = Idle
	s.blocked = 0
}

// Arriving reports whether the shaft is on its final center approach.
func (s *Shaft) Arriving() bool {
	return s.State != Idle && ShouldSlowDown(s.Current, s.Target)
}

// AtTarget reports whether the current reading equals the target position.
func (s *Shaft) AtTarget() bool {
	return s.Target.Reached(s.Current)
}

// Step advances the shaft by one evaluation. relays must be the relays
// shared with the other shafts.
func (s *Shaft) Step(r *Relays, t Timing, rule CenterRule) Step {
	switch s.State {
	case Idle:
		if s.AtTarget() {
			return Step{Done: true}
		}
		s.State = Moving
		if s.approachReverse(rule) {
			r.Reverse = true
			return Step{Delay: t.ReverseInterval}
		}
		return Step{}

	case Moving:
		if s.AtTarget() {
			return s.release(r, t)
		}
		if Protect(s.Current, s.Target, s.Motor, r.Reverse) {
			s.Motor = false
			s.State = Recovering
			s.Overshoots++
			s.blocked = s.Current
			s.logger.WithFields(log.Fields{
				"position": s.Current.String(),
				"target":   s.Target.String(),
				"reverse":  r.Reverse,
			}).Warn("shaft motor at unexpected end position")
			return Step{Delay: t.ReverseInterval, Overshoot: true}
		}
		if EnableSelectMidPosition(s.Target) && !r.Slow {
			r.Slow = true
		} else if !s.Motor {
			s.Motor = true
		}
		return Step{Delay: t.Poll}

	case Recovering:
		if r.Reverse {
			r.Reverse = false
			return Step{Delay: t.ReverseInterval}
		}
		if r.Slow {
			r.Slow = false
			return Step{Delay: t.PinInterval}
		}
		s.State = Idle
		return Step{}
	}

	// Unknown state, drop back to Idle with everything released.
	s.Motor = false
	r.Clear()
	s.State = Idle
	return Step{Delay: t.PinInterval}
}

// release de-energizes the motor and then the relays one at a time.
func (s *Shaft) release(r *Relays, t Timing) Step {
	if s.Motor {
		s.Motor = false
		if r.Reverse || r.Slow {
			return Step{Delay: t.PinInterval}
		}
	}
	if r.Reverse {
		r.Reverse = false
		if r.Slow {
			return Step{Delay: t.ReverseInterval}
		}
	}
	r.Slow = false
	s.State = Idle
	s.blocked = 0
	return Step{Done: true, Delay: t.PinInterval}
}

// approachReverse picks the direction for the next approach. After an
// overshoot the shaft leaves the end-stop it ran into.
func (s *Shaft) approachReverse(rule CenterRule) bool {
	if s.blocked != 0 && s.Current == s.blocked {
		return s.blocked == gears.PosLeft
	}
	return NeedsReverseRule(s.Current, s.Target, rule)
}

// NeedsReverse reports whether the reverse relay must be asserted to move
// from current towards target.
func NeedsReverse(current gears.AxisMask, target gears.Target) bool {
	return NeedsReverseRule(current, target, CenterTable)
}

// NeedsReverseRule is NeedsReverse with a selectable center rule.
func NeedsReverseRule(current gears.AxisMask, target gears.Target, rule CenterRule) bool {
	switch target {
	case gears.TargetRight:
		return true
	case gears.TargetLeft:
		return false
	case gears.TargetCenter:
		if rule == CenterLeftCenterReverse {
			return current.IsLeftCenter()
		}
		return !(current.IsLeftCenter() || current.IsRight())
	}
	return false
}

// Protect reports whether a running motor has reached the end-stop of its
// direction of travel without that end-stop being the target.
func Protect(current gears.AxisMask, target gears.Target, motorOn, reverse bool) bool {
	if !motorOn {
		return false
	}
	if reverse {
		return current == gears.PosRight && current != target.Mask()
	}
	return current == gears.PosLeft && current != target.Mask()
}

// ShouldSlowDown reports whether a center approach is arriving.
func ShouldSlowDown(current gears.AxisMask, target gears.Target) bool {
	return target == gears.TargetCenter && current.IsCenter()
}

// EnableSelectMidPosition reports whether the mid position selector must be
// engaged for target.
func EnableSelectMidPosition(target gears.Target) bool {
	return target == gears.TargetCenter
}
