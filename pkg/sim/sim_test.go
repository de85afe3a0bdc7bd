package sim

import (
	"testing"
	"time"

	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/gears"
)

func TestNewStartsInNeutral(t *testing.T) {
	m := New(DefaultConfig())
	in := m.Inputs()
	if in.Backgear != gears.NeutralBackgear {
		t.Fatalf("backgear=%s want center", in.Backgear)
	}
	if !in.SpindleStopped {
		t.Fatal("spindle should be stopped")
	}
	q := gears.NewDefaultQuantizer()
	if e, ok := q.CurrentGear(in.InputStage, in.Midrange, in.Backgear); !ok || !e.IsNeutral() {
		t.Fatalf("current gear=%+v ok=%v", e, ok)
	}
}

func TestSetGearRoundTrip(t *testing.T) {
	m := New(DefaultConfig())
	for _, e := range gears.DefaultTable() {
		if e.IsNeutral() {
			continue
		}
		m.SetGear(e.Mask)
		if got := m.Gear(); got != e.Mask {
			t.Fatalf("gear %d: mask=%d want %d", e.RPM, got, e.Mask)
		}
	}
}

func TestMotorDirection(t *testing.T) {
	tests := []struct {
		name    string
		from    gears.AxisMask
		reverse bool
		steps   int
		want    gears.AxisMask
	}{
		{"cw from right", gears.PosRight, false, 3, gears.PosCenter},
		{"ccw from left", gears.PosLeft, true, 2, gears.PosCenter},
		{"cw to left", gears.PosCenter, false, 2, gears.PosLeft},
		{"ccw to right", gears.PosCenter, true, 3, gears.PosRight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			m := New(cfg)
			if err := m.SetPosition(2, tt.from); err != nil {
				t.Fatal(err)
			}
			m.Apply(gearbox.Outputs{BackgearMotor: true, Reverse: tt.reverse})
			m.Advance(time.Duration(tt.steps) * cfg.Step)
			if got := m.Inputs().Backgear; got != tt.want {
				t.Fatalf("position=%s want %s", got, tt.want)
			}
			if m.Jams() != 0 {
				t.Fatalf("jams=%d", m.Jams())
			}
		})
	}
}

func TestSlowRelayAndJam(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	if err := m.SetPosition(0, gears.PosLeft); err != nil {
		t.Fatal(err)
	}
	m.Apply(gearbox.Outputs{InputStageMotor: true, Slow: true})
	m.Advance(cfg.Step)
	if m.Jams() != 0 {
		t.Fatal("slow relay ignored")
	}
	m.Advance(cfg.SlowStep)
	if m.Jams() != 1 {
		t.Fatalf("jams=%d want 1", m.Jams())
	}
	if m.Inputs().InputStage != gears.PosLeft {
		t.Fatal("shaft left its end of travel")
	}
}

func TestSetPositionRejectsUnknownReading(t *testing.T) {
	m := New(DefaultConfig())
	if err := m.SetPosition(1, gears.BitRight|gears.BitLeft); err == nil {
		t.Fatal("expected error")
	}
}

func TestSpindleRunDownAndUp(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	m.SetSpindle(true)
	m.SetSpindleAtSpeed()
	if !m.SpindleAtSpeed() || m.Inputs().SpindleStopped {
		t.Fatal("spindle should be at speed")
	}

	m.Apply(gearbox.Outputs{StopSpindle: true})
	m.Advance(cfg.RunDown / 2)
	if m.Inputs().SpindleStopped {
		t.Fatal("spindle stopped too early")
	}
	m.Advance(cfg.RunDown)
	if !m.Inputs().SpindleStopped {
		t.Fatal("spindle did not run down")
	}

	m.Apply(gearbox.Outputs{})
	m.Advance(cfg.RunUp + time.Millisecond)
	if !m.SpindleAtSpeed() {
		t.Fatal("spindle did not run up")
	}
}

func TestDisableMotors(t *testing.T) {
	m := New(DefaultConfig())
	m.Apply(gearbox.Outputs{MidrangeMotor: true, Reverse: true, TwitchCW: true, StopSpindle: true})
	if err := m.DisableMotors(); err != nil {
		t.Fatal(err)
	}
	out := m.Outputs()
	if !out.MotorsOff() || out.Reverse || out.TwitchCW {
		t.Fatalf("outputs=%+v", out)
	}
	if !out.StopSpindle {
		t.Fatal("spindle stop must stay asserted")
	}
}
