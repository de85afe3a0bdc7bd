// Shift orchestrator
//
// A shift moves the shafts one after another: input stage, midrange, then
// back-gear, followed by the stop stage which ends the twitch and hands the
// spindle back. Neutral only concerns the back-gear. Every entry point does
// a bounded amount of work and leaves the next stage and a countdown delay
// for the following tick.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gearbox

import (
	"fmt"
	"time"

	"mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/shaft"
	"mh400e-gearbox/pkg/twitch"
)

// Stage is the orchestrator continuation.
type Stage int

const (
	StageIdle Stage = iota
	StageInputStage
	StageMidrange
	StageBackgear
	StageStop
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageInputStage:
		return "input_stage"
	case StageMidrange:
		return "midrange"
	case StageBackgear:
		return "backgear"
	case StageStop:
		return "stop"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Shaft indices.
const (
	idxInput = iota
	idxMid
	idxBack
)

// Orchestrator sequences one gear shift.
type Orchestrator struct {
	cfg    Config
	shafts [3]*shaft.Shaft
	relays shaft.Relays
	twitch *twitch.Twitch

	stage  Stage
	delay  time.Duration
	target gears.Entry

	startShift        bool
	stopSpindle       bool
	spindleAtSpeed    bool
	spindleWasRunning bool

	// OnOvershoot is called after a shaft tripped its end-stop guard.
	OnOvershoot func(name shaft.Name, position gears.AxisMask)

	logger *log.Logger
}

// NewOrchestrator returns an idle orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		shafts: [3]*shaft.Shaft{
			shaft.New(shaft.InputStage),
			shaft.New(shaft.Midrange),
			shaft.New(shaft.Backgear),
		},
		twitch: twitch.New(cfg.TwitchOn, cfg.TwitchOff),
		logger: log.GetLogger("orchestrator"),
	}
}

// Observe stores the latest switch readings.
func (o *Orchestrator) Observe(input, mid, back gears.AxisMask) {
	o.shafts[idxInput].Current = input
	o.shafts[idxMid].Current = mid
	o.shafts[idxBack].Current = back
}

// Shifting reports whether a shift is in progress.
func (o *Orchestrator) Shifting() bool { return o.stage != StageIdle }

// Stage returns the current continuation.
func (o *Orchestrator) Stage() Stage { return o.stage }

// Target returns the gear of the current or last shift.
func (o *Orchestrator) Target() gears.Entry { return o.target }

// Twitch exposes the twitch sub-system.
func (o *Orchestrator) Twitch() *twitch.Twitch { return o.twitch }

// Shaft returns the shaft with the given name, or nil.
func (o *Orchestrator) Shaft(name shaft.Name) *shaft.Shaft {
	for _, s := range o.shafts {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SpindleWasRunning reports whether the spindle turned when it was asked
// to stop for the current shift.
func (o *Orchestrator) SpindleWasRunning() bool { return o.spindleWasRunning }

// StopSpindleRequested reports whether the spindle stop is asserted.
func (o *Orchestrator) StopSpindleRequested() bool { return o.stopSpindle }

// StopSpindle asserts the spindle stop and remembers whether the spindle
// has to be restarted once the shift is over.
func (o *Orchestrator) StopSpindle(spindleStopped bool) {
	o.spindleWasRunning = !spindleStopped
	o.stopSpindle = true
}

// ReleaseSpindle drops a spindle stop that is no longer needed.
func (o *Orchestrator) ReleaseSpindle() {
	o.stopSpindle = false
	o.spindleWasRunning = false
}

// Start begins a shift to entry. The spindle must be stopped.
func (o *Orchestrator) Start(entry gears.Entry, spindleStopped bool) error {
	if !spindleStopped {
		return errors.SpindleRunningError("start")
	}
	if o.Shifting() {
		return errors.RuntimeError("shift already in progress")
	}

	in, mid, back := gears.Split(entry.Mask)
	neutral := back == gears.NeutralBackgear
	targets := [3]gears.AxisMask{in, mid, back}
	for i, m := range targets {
		tgt, ok := gears.TargetFromMask(m)
		if !ok && (i == idxBack || !neutral) {
			return errors.UnknownGearError(fmt.Sprintf("mask %d", entry.Mask)).
				SetContext("shaft", string(o.shafts[i].Name))
		}
		o.shafts[i].Begin(tgt)
	}

	o.target = entry
	o.delay = o.cfg.ShiftSettle
	o.startShift = true
	o.spindleAtSpeed = false
	o.twitch.Start()
	if neutral {
		o.stage = StageBackgear
	} else {
		o.stage = StageInputStage
	}

	o.logger.WithFields(log.Fields{
		"rpm":   entry.RPM,
		"mask":  entry.Mask,
		"first": o.stage.String(),
	}).Info("gear shift started")
	return nil
}

// wait counts the stage delay down. It returns true while time remains.
func (o *Orchestrator) wait(period time.Duration) bool {
	if period > 0 && o.delay > 0 {
		o.delay -= period
		return true
	}
	o.delay = 0
	return false
}

// Handle advances the shift by period. A non-nil error is fatal and the
// caller must raise emergency stop.
func (o *Orchestrator) Handle(period time.Duration, spindleStopped bool) error {
	if err := o.twitch.Handle(period, spindleStopped); err != nil {
		return err
	}

	switch o.stage {
	case StageInputStage:
		return o.shaftStage(idxInput, StageMidrange, period, spindleStopped)
	case StageMidrange:
		return o.shaftStage(idxMid, StageBackgear, period, spindleStopped)
	case StageBackgear:
		return o.shaftStage(idxBack, StageStop, period, spindleStopped)
	case StageStop:
		o.stopStage(period)
		return nil
	}
	o.logger.Error("ticked without a stage")
	return errors.MissingStageError("orchestrator")
}

func (o *Orchestrator) shaftStage(idx int, next Stage, period time.Duration, spindleStopped bool) error {
	if !spindleStopped {
		o.logger.Error("detected running spindle while shifting")
		return errors.SpindleRunningError(o.stage.String())
	}
	if o.wait(period) {
		return nil
	}

	s := o.shafts[idx]
	st := s.Step(&o.relays, o.cfg.Shaft, o.cfg.CenterRule)
	o.delay = st.Delay
	if st.Overshoot {
		if o.OnOvershoot != nil {
			o.OnOvershoot(s.Name, s.Current)
		}
		if limit := o.cfg.MaxOvershootRetries; limit > 0 && s.Overshoots > limit {
			return errors.OvershootLimitError(string(s.Name), limit)
		}
	}
	if st.Done {
		o.logger.Debug("%s reached %s", s.Name, s.Target)
		o.stage = next
	}
	return nil
}

func (o *Orchestrator) stopStage(period time.Duration) {
	if o.wait(period) {
		return
	}

	o.twitch.Stop()
	if !o.twitch.Finished() {
		o.delay = o.cfg.TwitchPoll
		return
	}

	if o.startShift {
		o.startShift = false
		if o.spindleWasRunning {
			o.stopSpindle = false
			o.delay = o.cfg.SpindleAtSpeed
			return
		}
	}

	if o.spindleWasRunning {
		o.spindleAtSpeed = true
	}
	o.stage = StageIdle
	o.spindleWasRunning = false
	o.logger.WithField("rpm", o.target.RPM).Info("gear shift finished")
}

// EStop brings motors, relays and twitch to a safe baseline and abandons
// the shift. The spindle stop stays asserted.
func (o *Orchestrator) EStop() {
	for _, s := range o.shafts {
		s.Reset()
	}
	o.relays.Clear()
	o.twitch.ForceStop()

	o.spindleWasRunning = false
	o.startShift = false
	o.stage = StageIdle
	o.delay = 0
}

// Outputs copies the orchestrator signals into out.
func (o *Orchestrator) Outputs(out *Outputs) {
	out.InputStageMotor = o.shafts[idxInput].Motor
	out.MidrangeMotor = o.shafts[idxMid].Motor
	out.BackgearMotor = o.shafts[idxBack].Motor
	out.Reverse = o.relays.Reverse
	out.Slow = o.relays.Slow
	out.TwitchCW = o.twitch.CW
	out.TwitchCCW = o.twitch.CCW
	out.StartShift = o.startShift
	out.StopSpindle = o.stopSpindle
	out.SpindleAtSpeed = o.spindleAtSpeed
}
