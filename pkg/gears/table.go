// Gear table for the MH400E gearbox
//
// Every supported spindle speed maps to one 12-bit switch mask describing
// the required position of the three shift shafts.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gears

const (
	// MinRPM is the lowest non-neutral speed the gearbox can deliver.
	MinRPM = 80
	// MaxRPM is the highest speed the gearbox can deliver.
	MaxRPM = 4000
	// NeutralIndex is the position of the neutral entry in the table.
	NeutralIndex = 0
)

// Entry is a single row of the gear table.
type Entry struct {
	RPM  uint
	Mask uint16
}

// IsNeutral reports whether the entry is the neutral gear.
func (e Entry) IsNeutral() bool {
	return e.RPM == 0
}

// Table is the sorted list of supported gears.
type Table []Entry

// DefaultTable returns the MH400E gear table sorted by rpm, neutral first.
func DefaultTable() Table {
	return Table{
		{0, 4},
		{80, 1097},
		{100, 2377},
		{125, 585},
		{160, 1177},
		{200, 2457},
		{250, 665},
		{315, 1065},
		{400, 2345},
		{500, 553},
		{630, 1090},
		{800, 2370},
		{1000, 578},
		{1250, 1170},
		{1600, 2450},
		{2000, 658},
		{2500, 1058},
		{3150, 2338},
		{4000, 546},
	}
}

// Neutral returns the neutral entry.
func (t Table) Neutral() Entry {
	return t[NeutralIndex]
}

// Max returns the highest speed entry.
func (t Table) Max() Entry {
	return t[len(t)-1]
}

// Validate checks that the table is non-empty, starts with neutral and is
// strictly increasing in rpm.
func (t Table) Validate() error {
	if len(t) == 0 {
		return ErrEmptyTable
	}
	if !t[0].IsNeutral() {
		return ErrNoNeutral
	}
	for i := 1; i < len(t); i++ {
		if t[i].RPM <= t[i-1].RPM {
			return ErrUnsorted
		}
	}
	return nil
}
