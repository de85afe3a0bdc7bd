// Package twitch pulses the spindle in alternating directions while the
// gearbox shifts so that the dog clutches can find their slots.
package twitch

import (
	"time"

	"mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/log"
)

// Default dwell times.
const (
	DefaultOn  = 800 * time.Millisecond
	DefaultOff = 200 * time.Millisecond
)

// State of the twitch cycle. The zero value is not a valid state.
type State int

const (
	unset State = iota
	Stopped
	Starting
	Twitching
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Twitching:
		return "twitching"
	default:
		return "unset"
	}
}

// Twitch drives the CW and CCW spindle signals.
type Twitch struct {
	CW  bool
	CCW bool

	on, off  time.Duration
	wantCW   bool
	finished bool
	delay    time.Duration
	state    State

	logger *log.Logger
}

// New returns a stopped twitch with the given dwell times. Non-positive
// values select the defaults.
func New(on, off time.Duration) *Twitch {
	if on <= 0 {
		on = DefaultOn
	}
	if off <= 0 {
		off = DefaultOff
	}
	return &Twitch{
		on:       on,
		off:      off,
		wantCW:   true,
		finished: true,
		state:    Stopped,
		logger:   log.GetLogger("twitch"),
	}
}

// State returns the current state.
func (t *Twitch) State() State { return t.state }

// Finished reports whether a stop has completed with both signals off.
func (t *Twitch) Finished() bool { return t.finished }

// wait counts the hold-off down. It returns true while time remains.
func (t *Twitch) wait(period time.Duration) bool {
	if period > 0 && t.delay > 0 {
		t.delay -= period
		return true
	}
	t.delay = 0
	return false
}

// Start begins twitching. When a signal is still asserted a stop cycle
// runs first.
func (t *Twitch) Start() {
	t.finished = false
	if t.CW || t.CCW {
		t.state = Starting
		return
	}
	t.state = Twitching
}

// Stop requests both signals off. Finished turns true once they are.
func (t *Twitch) Stop() {
	t.state = Stopped
	t.finished = !t.CW && !t.CCW
	if t.finished {
		t.delay = 0
	}
}

// ForceStop drops both signals immediately.
func (t *Twitch) ForceStop() {
	t.CW = false
	t.CCW = false
	t.delay = 0
	t.state = Stopped
	t.finished = true
}

// Handle advances the twitch by period. spindleStopped is checked while
// pulses are active. A non-nil error is fatal.
func (t *Twitch) Handle(period time.Duration, spindleStopped bool) error {
	if t.CW && t.CCW {
		t.logger.Error("both twitch directions active")
		return errors.TwitchConflictError()
	}

	switch t.state {
	case Stopped:
		t.stopStep(period)
		return nil
	case Starting:
		if t.CW || t.CCW {
			t.stopStep(period)
			t.finished = false
			return nil
		}
		t.state = Twitching
		t.delay = 0
		return nil
	case Twitching:
		if !spindleStopped {
			t.logger.Error("detected running spindle while twitching")
			return errors.SpindleRunningError("twitch")
		}
		t.doStep(period)
		return nil
	}
	return errors.MissingStageError("twitch")
}

// stopStep lets a pulse finish its hold-off, then releases both signals.
// Completion is confirmed on the next call.
func (t *Twitch) stopStep(period time.Duration) {
	if !t.CW && !t.CCW {
		t.delay = 0
		t.finished = true
		return
	}
	if t.wait(period) {
		return
	}
	t.CW = false
	t.CCW = false
}

func (t *Twitch) doStep(period time.Duration) {
	if t.wait(period) {
		return
	}
	switch {
	case !t.CW && !t.CCW:
		if t.wantCW {
			t.CW = true
		} else {
			t.CCW = true
		}
		t.wantCW = !t.wantCW
		t.delay = t.on
	case t.CW:
		t.CW = false
		t.wantCW = false
		t.delay = t.off
	default:
		t.CCW = false
		t.wantCW = true
		t.delay = t.off
	}
}
