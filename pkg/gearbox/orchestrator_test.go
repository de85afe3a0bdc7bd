package gearbox

import (
	"testing"
	"time"

	"mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gears"
	"mh400e-gearbox/pkg/shaft"
	"mh400e-gearbox/pkg/twitch"
)

func entry(t *testing.T, rpm uint) gears.Entry {
	t.Helper()
	q := gears.NewDefaultQuantizer()
	mask, ok := q.MaskForRPM(rpm)
	if !ok {
		t.Fatalf("no gear for %d rpm", rpm)
	}
	e, _ := q.EntryForMask(mask)
	return e
}

func TestOrchestratorStartNeutralSkipsToBackgear(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	if err := o.Start(entry(t, 0), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o.Stage() != StageBackgear {
		t.Fatalf("stage=%s want backgear", o.Stage())
	}
	if o.Shaft(shaft.Backgear).Target != gears.TargetCenter {
		t.Fatalf("backgear target=%s", o.Shaft(shaft.Backgear).Target)
	}
	var out Outputs
	o.Outputs(&out)
	if !out.StartShift {
		t.Fatal("StartShift not raised")
	}
	if o.Twitch().State() != twitch.Twitching {
		t.Fatalf("twitch=%s want twitching", o.Twitch().State())
	}
}

func TestOrchestratorStartGearBeginsWithInputStage(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	if err := o.Start(entry(t, 80), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o.Stage() != StageInputStage {
		t.Fatalf("stage=%s want input_stage", o.Stage())
	}
	want := map[shaft.Name]gears.Target{
		shaft.InputStage: gears.TargetCenter,
		shaft.Midrange:   gears.TargetCenter,
		shaft.Backgear:   gears.TargetLeft,
	}
	for name, tgt := range want {
		if got := o.Shaft(name).Target; got != tgt {
			t.Errorf("%s target=%s want %s", name, got, tgt)
		}
	}
	if err := o.Start(entry(t, 100), true); err == nil {
		t.Fatal("second Start during a shift should fail")
	}
}

func TestOrchestratorStartRefusesRunningSpindle(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	err := o.Start(entry(t, 80), false)
	if !errors.Is(err, errors.ErrSpindleRunning) {
		t.Fatalf("err=%v want spindle running", err)
	}
	if o.Shifting() {
		t.Fatal("shift started with a running spindle")
	}
}

func TestOrchestratorStartRejectsUnknownMask(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	err := o.Start(gears.Entry{RPM: 90, Mask: 0x400}, true)
	if !errors.Is(err, errors.ErrUnknownGear) {
		t.Fatalf("err=%v want unknown gear", err)
	}
}

func TestOrchestratorHandleWithoutStage(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	err := o.Handle(time.Millisecond, true)
	if !errors.Is(err, errors.ErrMissingStage) {
		t.Fatalf("err=%v want missing stage", err)
	}
}

func TestOrchestratorTwitchConflict(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	if err := o.Start(entry(t, 0), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Twitch().CW = true
	o.Twitch().CCW = true
	err := o.Handle(time.Millisecond, true)
	if !errors.Is(err, errors.ErrTwitchConflict) {
		t.Fatalf("err=%v want twitch conflict", err)
	}
}

func TestOrchestratorSpindleCheckedEveryShaftTick(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	o.Observe(gears.PosRight, gears.PosRight, gears.PosRight)
	if err := o.Start(entry(t, 0), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Still inside the settle delay, the check must run anyway.
	err := o.Handle(time.Millisecond, false)
	if !errors.Is(err, errors.ErrSpindleRunning) {
		t.Fatalf("err=%v want spindle running", err)
	}
}

func TestOrchestratorOvershootZeroLatency(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	var reported []gears.AxisMask
	o.OnOvershoot = func(name shaft.Name, pos gears.AxisMask) {
		if name != shaft.Backgear {
			t.Errorf("overshoot on %s", name)
		}
		reported = append(reported, pos)
	}

	o.Observe(0, 0, gears.PosLeft)
	if err := o.Start(entry(t, 0), true); err != nil {
		t.Fatalf("Start: %v", err)
	}

	back := o.Shaft(shaft.Backgear)
	for i := 0; i < 1000 && !back.Motor; i++ {
		if err := o.Handle(time.Millisecond, true); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if !back.Motor || back.State != shaft.Moving {
		t.Fatalf("motor=%v state=%s", back.Motor, back.State)
	}

	// Wait out the poll delay, the next evaluation must trip the guard.
	for i := 0; i < 1000 && back.Motor; i++ {
		if err := o.Handle(time.Millisecond, true); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if back.Motor && back.State != shaft.Moving {
			t.Fatal("motor still on outside Moving")
		}
	}
	if back.State != shaft.Recovering {
		t.Fatalf("state=%s want recovering", back.State)
	}
	if len(reported) != 1 || reported[0] != gears.PosLeft {
		t.Fatalf("reported=%v", reported)
	}
}

func TestOrchestratorEStopResets(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	o.Observe(gears.PosRight, gears.PosRight, gears.PosRight)
	o.StopSpindle(false)
	if err := o.Start(entry(t, 0), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 300; i++ {
		if err := o.Handle(time.Millisecond, true); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	o.EStop()

	var out Outputs
	o.Outputs(&out)
	if !out.MotorsOff() || out.Reverse || out.Slow || out.TwitchCW || out.TwitchCCW || out.StartShift {
		t.Fatalf("outputs not safe after estop: %+v", out)
	}
	if !out.StopSpindle {
		t.Fatal("spindle stop must stay asserted after estop")
	}
	if o.Shifting() || o.SpindleWasRunning() {
		t.Fatalf("shifting=%v wasRunning=%v", o.Shifting(), o.SpindleWasRunning())
	}
	if o.Twitch().State() != twitch.Stopped {
		t.Fatalf("twitch=%s", o.Twitch().State())
	}
}
