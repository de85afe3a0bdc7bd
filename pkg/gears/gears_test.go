package gears

import "testing"

func TestDefaultTableValid(t *testing.T) {
	tbl := DefaultTable()
	if err := tbl.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(tbl) != 19 {
		t.Fatalf("len=%d want 19", len(tbl))
	}
	if !tbl.Neutral().IsNeutral() || tbl.Neutral().Mask != 4 {
		t.Fatalf("neutral=%+v", tbl.Neutral())
	}
	if tbl.Max().RPM != MaxRPM {
		t.Fatalf("max=%d want %d", tbl.Max().RPM, MaxRPM)
	}
}

func TestTableValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		tbl  Table
		want error
	}{
		{"empty", Table{}, ErrEmptyTable},
		{"no neutral", Table{{80, 1097}}, ErrNoNeutral},
		{"unsorted", Table{{0, 4}, {100, 2377}, {80, 1097}}, ErrUnsorted},
		{"duplicate", Table{{0, 4}, {80, 1097}, {80, 2377}}, ErrUnsorted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.tbl.Validate(); err != tt.want {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
			if _, err := NewQuantizer(tt.tbl); err == nil {
				t.Fatal("expected NewQuantizer error")
			}
		})
	}
}

func TestSelectGear(t *testing.T) {
	q := NewDefaultQuantizer()
	tests := []struct {
		rpm  float64
		want uint
	}{
		{-100, 0},
		{0, 0},
		{0.1, 80},
		{1, 80},
		{80, 80},
		{89, 80},
		{89.4, 80},
		{89.6, 100},
		{90, 100},
		{111, 100},
		{112, 125},
		{2250, 2500},
		{2249, 2000},
		{3574, 3150},
		{3575, 4000},
		{3999, 4000},
		{4000, 4000},
		{12000, 4000},
	}
	for _, tt := range tests {
		if got := q.SelectGear(tt.rpm); got.RPM != tt.want {
			t.Errorf("SelectGear(%v)=%d want %d", tt.rpm, got.RPM, tt.want)
		}
	}
}

func TestSelectGearExactEntries(t *testing.T) {
	q := NewDefaultQuantizer()
	for _, e := range DefaultTable() {
		got := q.SelectGear(float64(e.RPM))
		if got != e {
			t.Fatalf("SelectGear(%d)=%+v want %+v", e.RPM, got, e)
		}
	}
}

func TestSelectGearMidpoints(t *testing.T) {
	q := NewDefaultQuantizer()
	tbl := DefaultTable()
	for i := 2; i < len(tbl); i++ {
		lo, hi := tbl[i-1].RPM, tbl[i].RPM
		mid := (lo + hi) / 2
		if got := q.Nearest(mid); got.RPM != hi {
			t.Errorf("Nearest(%d)=%d want %d", mid, got.RPM, hi)
		}
		if got := q.Nearest(mid - 1); got.RPM != lo {
			t.Errorf("Nearest(%d)=%d want %d", mid-1, got.RPM, lo)
		}
	}
}

func TestSelectGearNaN(t *testing.T) {
	q := NewDefaultQuantizer()
	var zero float64
	if got := q.SelectGear(zero / zero); !got.IsNeutral() {
		t.Fatalf("NaN selected %d", got.RPM)
	}
}

func TestMaskLookups(t *testing.T) {
	q := NewDefaultQuantizer()
	if _, ok := q.RPMForMask(1); ok {
		t.Fatal("mask 1 should not be found")
	}
	if rpm, ok := q.RPMForMask(1097); !ok || rpm != 80 {
		t.Fatalf("RPMForMask(1097)=%d,%v", rpm, ok)
	}
	if _, ok := q.MaskForRPM(1); ok {
		t.Fatal("rpm 1 should not be found")
	}
	if mask, ok := q.MaskForRPM(80); !ok || mask != 1097 {
		t.Fatalf("MaskForRPM(80)=%d,%v", mask, ok)
	}
	for _, e := range DefaultTable() {
		got, ok := q.EntryForMask(e.Mask)
		if !ok || got != e {
			t.Fatalf("EntryForMask(%d)=%+v,%v want %+v", e.Mask, got, ok, e)
		}
		if m, ok := q.MaskForRPM(e.RPM); !ok || m != e.Mask {
			t.Fatalf("MaskForRPM(%d)=%d,%v", e.RPM, m, ok)
		}
	}
}

func TestExactLookups(t *testing.T) {
	q := NewDefaultQuantizer()
	if m, ok := q.MaskForRPM(315); !ok || m != 1065 {
		t.Fatalf("MaskForRPM(315)=%d,%v", m, ok)
	}
	if _, ok := q.MaskForRPM(316); ok {
		t.Fatal("MaskForRPM(316) found")
	}
	if e, ok := q.EntryForMask(546); !ok || e.RPM != 4000 {
		t.Fatalf("EntryForMask(546)=%+v,%v", e, ok)
	}
}

func TestMaskFromSwitches(t *testing.T) {
	input := SwitchState{Center: true}
	middle := SwitchState{Center: true}
	reducer := SwitchState{LeftCenter: true, Left: true}
	if got := MaskFromSwitches(input, middle, reducer); got != 1097 {
		t.Fatalf("mask=%d want 1097", got)
	}
}

func TestSplitCompose(t *testing.T) {
	in, mid, back := Split(1097)
	if in != PosCenter || mid != PosCenter || back != PosLeft {
		t.Fatalf("Split(1097)=%s %s %s", in, mid, back)
	}
	for _, e := range DefaultTable() {
		a, b, c := Split(e.Mask)
		if Compose(a, b, c) != e.Mask {
			t.Fatalf("Compose(Split(%d)) mismatch", e.Mask)
		}
	}
}

func TestCurrentGear(t *testing.T) {
	q := NewDefaultQuantizer()
	tests := []struct {
		name             string
		input, mid, back AxisMask
		want             uint
		ok               bool
	}{
		{"neutral any", PosRight, PosLeft, PosCenter, 0, true},
		{"neutral travelling", 0, BitLeftCenter, PosCenter, 0, true},
		{"top", PosRight, PosRight, PosRight, 4000, true},
		{"lowest", PosCenter, PosCenter, PosLeft, 80, true},
		{"between detents", PosCenter, 0, PosLeft, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := q.CurrentGear(tt.input, tt.mid, tt.back)
			if ok != tt.ok || (ok && e.RPM != tt.want) {
				t.Fatalf("CurrentGear=%d,%v want %d,%v", e.RPM, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTargetFromMask(t *testing.T) {
	tests := []struct {
		mask AxisMask
		want Target
		ok   bool
	}{
		{0, TargetNone, false},
		{BitLeftCenter, TargetNone, false},
		{PosLeft, TargetLeft, true},
		{PosCenter, TargetCenter, true},
		{PosRight, TargetRight, true},
		{BitRight | BitLeft, TargetRight, true},
		{BitCenter | BitLeft, TargetLeft, true},
		{BitCenter | BitLeftCenter, TargetCenter, true},
	}
	for _, tt := range tests {
		got, ok := TargetFromMask(tt.mask)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TargetFromMask(%s)=%s,%v want %s,%v", tt.mask, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAxisMaskPredicates(t *testing.T) {
	m := BitLeft | BitCenter
	if !m.IsLeft() || !m.IsCenter() || m.IsRight() || m.IsLeftCenter() {
		t.Fatalf("predicates wrong for %s", m)
	}
	if PosLeft.String() != "1001" {
		t.Fatalf("PosLeft=%s", PosLeft)
	}
	if !TargetLeft.Reached(PosLeft) || TargetLeft.Reached(BitLeft) {
		t.Fatal("Reached must require the exact canonical reading")
	}
}
