// Switch mask helpers
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gears

import "errors"

// Table errors
var (
	ErrEmptyTable = errors.New("gears: empty table")
	ErrNoNeutral  = errors.New("gears: first entry must be neutral")
	ErrUnsorted   = errors.New("gears: table not strictly increasing")
)

// AxisMask is the 4-bit micro-switch reading of one shaft.
//
// Several bits may be set at once while a shaft travels between detents.
type AxisMask uint8

// Switch bits.
const (
	BitLeft       AxisMask = 1 << 0
	BitRight      AxisMask = 1 << 1
	BitCenter     AxisMask = 1 << 2
	BitLeftCenter AxisMask = 1 << 3
)

// Canonical rest positions.
const (
	PosLeft   = BitLeft | BitLeftCenter // 1001
	PosCenter = BitCenter               // 0100
	PosRight  = BitRight                // 0010
)

// Nibble offsets inside a gear mask.
const (
	BackgearShift   = 0
	MidrangeShift   = 4
	InputStageShift = 8

	axisBits = 0x0f
)

// NeutralBackgear is the back-gear reading that identifies neutral.
const NeutralBackgear = PosCenter

func (m AxisMask) IsLeft() bool       { return m&BitLeft != 0 }
func (m AxisMask) IsRight() bool      { return m&BitRight != 0 }
func (m AxisMask) IsCenter() bool     { return m&BitCenter != 0 }
func (m AxisMask) IsLeftCenter() bool { return m&BitLeftCenter != 0 }

func (m AxisMask) String() string {
	b := []byte("0000")
	for i := 0; i < 4; i++ {
		if m&(1<<uint(i)) != 0 {
			b[3-i] = '1'
		}
	}
	return string(b)
}

// Target is a commanded stop position of a shaft.
type Target int

const (
	TargetNone Target = iota
	TargetLeft
	TargetCenter
	TargetRight
)

func (t Target) String() string {
	switch t {
	case TargetLeft:
		return "left"
	case TargetCenter:
		return "center"
	case TargetRight:
		return "right"
	default:
		return "none"
	}
}

// Mask returns the canonical switch reading for the target.
func (t Target) Mask() AxisMask {
	switch t {
	case TargetLeft:
		return PosLeft
	case TargetCenter:
		return PosCenter
	case TargetRight:
		return PosRight
	default:
		return 0
	}
}

// Reached reports whether the reading equals the target position.
func (t Target) Reached(current AxisMask) bool {
	return t != TargetNone && current == t.Mask()
}

// TargetFromMask resolves a target nibble. Right wins over left, left over
// center. An empty nibble has no target.
func TargetFromMask(m AxisMask) (Target, bool) {
	switch {
	case m.IsRight():
		return TargetRight, true
	case m.IsLeft():
		return TargetLeft, true
	case m.IsCenter():
		return TargetCenter, true
	default:
		return TargetNone, false
	}
}

// Split returns the per-shaft nibbles of a gear mask.
func Split(mask uint16) (input, mid, back AxisMask) {
	input = AxisMask((mask >> InputStageShift) & axisBits)
	mid = AxisMask((mask >> MidrangeShift) & axisBits)
	back = AxisMask((mask >> BackgearShift) & axisBits)
	return
}

// Compose assembles a gear mask from per-shaft readings.
func Compose(input, mid, back AxisMask) uint16 {
	return uint16(input&axisBits)<<InputStageShift |
		uint16(mid&axisBits)<<MidrangeShift |
		uint16(back&axisBits)<<BackgearShift
}

// SwitchState holds the four raw switch levels of one shaft.
type SwitchState struct {
	LeftCenter bool
	Center     bool
	Right      bool
	Left       bool
}

// Mask packs the switch levels into an AxisMask.
func (s SwitchState) Mask() AxisMask {
	var m AxisMask
	if s.Left {
		m |= BitLeft
	}
	if s.Right {
		m |= BitRight
	}
	if s.Center {
		m |= BitCenter
	}
	if s.LeftCenter {
		m |= BitLeftCenter
	}
	return m
}

// MaskFromSwitches builds a gear mask from the raw switches of all shafts.
func MaskFromSwitches(input, mid, back SwitchState) uint16 {
	return Compose(input.Mask(), mid.Mask(), back.Mask())
}
