// Gearbox controller
//
// The controller is the per-tick entry point. It maps the requested speed
// onto a gear, stops the spindle when the gear has to change, runs the
// shift and latches emergency stop on any fatal condition.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gearbox

import (
	"sync/atomic"
	"time"

	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/log"
	"mh400e-gearbox/pkg/shaft"
)

// Interlock is told about every emergency stop raised by the controller.
type Interlock interface {
	Trip(err error)
}

// ShiftEvent describes a started or finished shift.
type ShiftEvent struct {
	From              gears.Entry
	FromKnown         bool
	To                gears.Entry
	Elapsed           time.Duration
	Overshoots        int
	SpindleWasRunning bool
}

// Observer receives controller events. Calls happen on the tick goroutine
// and must not block.
type Observer interface {
	ShiftStarted(ev ShiftEvent)
	ShiftFinished(ev ShiftEvent)
	Overshoot(name shaft.Name, position gears.AxisMask)
	EmergencyStop(err error)
}

// Controller runs the gearbox. Tick must be called from a single
// goroutine; Status, Reset and the accessors are safe from any goroutine.
type Controller struct {
	cfg   Config
	quant *gears.Quantizer
	orch  *Orchestrator

	interlock Interlock
	observer  Observer

	out      Outputs
	estop    bool
	resetReq atomic.Bool

	requested  float64
	selected   gears.Entry
	current    gears.Entry
	inGear     bool
	shiftFrom  gears.Entry
	fromKnown  bool
	wasRunning bool
	elapsed    time.Duration
	overshoots int
	shifts     uint64
	ticks      uint64
	lastErr    string

	status atomic.Pointer[Status]
	logger *log.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterlock registers the emergency stop interlock.
func WithInterlock(i Interlock) Option {
	return func(c *Controller) { c.interlock = i }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithQuantizer replaces the default gear table.
func WithQuantizer(q *gears.Quantizer) Option {
	return func(c *Controller) { c.quant = q }
}

// NewController creates a controller in the idle state.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		orch:   NewOrchestrator(cfg),
		logger: log.GetLogger("gearbox"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.quant == nil {
		c.quant = gears.NewDefaultQuantizer()
	}
	c.orch.OnOvershoot = c.overshoot
	c.publish()
	return c
}

// Quantizer returns the gear quantizer.
func (c *Controller) Quantizer() *gears.Quantizer { return c.quant }

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// Reset asks to clear a latched emergency stop on the next tick. The latch
// stays set while the external emergency stop input is active.
func (c *Controller) Reset() {
	c.resetReq.Store(true)
}

// Status returns the latest published snapshot.
func (c *Controller) Status() *Status {
	return c.status.Load()
}

// Tick advances the controller by period and returns the new outputs.
func (c *Controller) Tick(in Inputs, period time.Duration) Outputs {
	c.ticks++
	c.requested = in.RequestedRPM
	c.orch.Observe(in.InputStage, in.Midrange, in.Backgear)
	c.current, c.inGear = c.quant.CurrentGear(in.InputStage, in.Midrange, in.Backgear)

	if c.resetReq.Swap(false) && c.estop {
		if in.EStop {
			c.logger.Warn("reset ignored, emergency stop input active")
		} else {
			c.estop = false
			c.lastErr = ""
			c.logger.Info("emergency stop cleared")
		}
	}

	switch {
	case in.EStop || c.estop:
		if c.orch.Shifting() {
			c.logger.Warn("shift to %d rpm abandoned on emergency stop", c.orch.Target().RPM)
		}
		c.orch.EStop()
	case c.orch.Shifting():
		c.runShift(in, period)
	default:
		c.idle(in)
	}

	c.orch.Outputs(&c.out)
	c.out.EStop = c.estop
	c.publish()
	return c.out
}

func (c *Controller) runShift(in Inputs, period time.Duration) {
	c.elapsed += period
	if err := c.orch.Handle(period, in.SpindleStopped); err != nil {
		c.trip(err)
		return
	}
	if c.orch.Shifting() {
		return
	}

	c.shifts++
	if c.observer != nil {
		c.observer.ShiftFinished(c.event())
	}
}

func (c *Controller) idle(in Inputs) {
	c.selected = c.quant.SelectGear(in.RequestedRPM)
	if c.inGear && c.current == c.selected {
		if c.orch.StopSpindleRequested() {
			c.orch.ReleaseSpindle()
		}
		return
	}

	if !c.orch.StopSpindleRequested() {
		c.logger.WithFields(log.Fields{
			"requested": in.RequestedRPM,
			"target":    c.selected.RPM,
			"spindle":   !in.SpindleStopped,
		}).Info("gear change needed, stopping spindle")
		c.orch.StopSpindle(in.SpindleStopped)
		return
	}
	if !in.SpindleStopped {
		return
	}

	c.shiftFrom, c.fromKnown = c.current, c.inGear
	c.wasRunning = c.orch.SpindleWasRunning()
	c.elapsed = 0
	c.overshoots = 0
	if err := c.orch.Start(c.selected, in.SpindleStopped); err != nil {
		c.trip(err)
		return
	}
	if c.observer != nil {
		c.observer.ShiftStarted(c.event())
	}
}

func (c *Controller) event() ShiftEvent {
	return ShiftEvent{
		From:              c.shiftFrom,
		FromKnown:         c.fromKnown,
		To:                c.orch.Target(),
		Elapsed:           c.elapsed,
		Overshoots:        c.overshoots,
		SpindleWasRunning: c.wasRunning,
	}
}

func (c *Controller) overshoot(name shaft.Name, position gears.AxisMask) {
	c.overshoots++
	if c.observer != nil {
		c.observer.Overshoot(name, position)
	}
}

// trip latches emergency stop and brings the gearbox to a safe state in
// the same tick.
func (c *Controller) trip(err error) {
	c.estop = true
	c.lastErr = err.Error()
	c.logger.WithError(err).Error("emergency stop")
	c.orch.EStop()
	if c.interlock != nil {
		c.interlock.Trip(err)
	}
	if c.observer != nil {
		c.observer.EmergencyStop(err)
	}
}
