// Speed quantizer
//
// Requested speeds are snapped to the nearest supported gear through a
// balanced binary search tree built once from the gear table. Internal
// nodes carry the midpoint between their neighbouring leaves, so a query
// exactly on the midpoint resolves to the higher gear.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gears

import (
	"math"
	"sort"
)

type node struct {
	key   uint
	index int // table index, valid on leaves only
	left  *node
	right *node
}

func (n *node) leaf() bool {
	return n.left == nil && n.right == nil
}

func (n *node) minKey() uint {
	for !n.leaf() {
		if n.left != nil {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.key
}

func (n *node) maxKey() uint {
	for !n.leaf() {
		if n.right != nil {
			n = n.right
		} else {
			n = n.left
		}
	}
	return n.key
}

// buildTree builds a balanced tree over keys, which must be sorted
// ascending. indices[i] is stored in the leaf for keys[i].
func buildTree(keys []uint, indices []int) *node {
	n := len(keys)
	if n == 0 {
		return nil
	}
	p := 1
	for p < n {
		p <<= 1
	}

	// Spread the leaves evenly over p slots so that the merge below
	// produces a tree of depth log2(p).
	slots := make([]*node, p)
	for i := range keys {
		slots[i*p/n] = &node{key: keys[i], index: indices[i]}
	}

	for len(slots) > 1 {
		next := make([]*node, len(slots)/2)
		for j := range next {
			l, r := slots[2*j], slots[2*j+1]
			switch {
			case l == nil:
				next[j] = r
			case r == nil:
				next[j] = l
			default:
				next[j] = &node{
					key:   (r.minKey() + l.maxKey()) / 2,
					index: -1,
					left:  l,
					right: r,
				}
			}
		}
		slots = next
	}
	return slots[0]
}

// search returns the leaf closest to query.
func (n *node) search(query uint) *node {
	for !n.leaf() {
		if n.key <= query {
			n = n.right
		} else {
			n = n.left
		}
	}
	return n
}

// Quantizer maps requested speeds and switch masks onto gear table entries.
// It is immutable after construction and safe for concurrent use.
type Quantizer struct {
	table  Table
	byRPM  *node
	byMask *node
}

// NewQuantizer validates the table and builds the lookup trees.
func NewQuantizer(t Table) (*Quantizer, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	table := make(Table, len(t))
	copy(table, t)

	keys := make([]uint, len(table))
	idx := make([]int, len(table))
	for i, e := range table {
		keys[i] = e.RPM
		idx[i] = i
	}
	q := &Quantizer{table: table, byRPM: buildTree(keys, idx)}

	sort.Slice(idx, func(a, b int) bool {
		return table[idx[a]].Mask < table[idx[b]].Mask
	})
	mkeys := make([]uint, len(idx))
	for i, ti := range idx {
		mkeys[i] = uint(table[ti].Mask)
	}
	q.byMask = buildTree(mkeys, idx)
	return q, nil
}

// NewDefaultQuantizer returns a quantizer over DefaultTable.
func NewDefaultQuantizer() *Quantizer {
	q, err := NewQuantizer(DefaultTable())
	if err != nil {
		panic(err)
	}
	return q
}

// Table returns a copy of the gear table.
func (q *Quantizer) Table() Table {
	t := make(Table, len(q.table))
	copy(t, q.table)
	return t
}

// Nearest returns the table entry whose rpm is closest to rpm.
func (q *Quantizer) Nearest(rpm uint) Entry {
	return q.table[q.byRPM.search(rpm).index]
}

// SelectGear returns the gear to engage for the requested speed.
//
// Non-positive (and NaN) requests select neutral, requests at or above
// MaxRPM select the top gear and anything between zero and MinRPM selects
// the lowest gear so that a small request never ends up in neutral.
func (q *Quantizer) SelectGear(rpm float64) Entry {
	switch {
	case math.IsNaN(rpm) || rpm <= 0:
		return q.table.Neutral()
	case rpm >= float64(q.table.Max().RPM):
		return q.table.Max()
	case len(q.table) > 1 && rpm <= float64(q.table[1].RPM):
		return q.table[1]
	}
	return q.Nearest(uint(math.Round(rpm)))
}

// EntryForMask returns the entry with exactly the given mask.
func (q *Quantizer) EntryForMask(mask uint16) (Entry, bool) {
	leaf := q.byMask.search(uint(mask))
	if leaf.key != uint(mask) {
		return Entry{}, false
	}
	return q.table[leaf.index], true
}

// RPMForMask returns the speed of the gear with exactly the given mask.
func (q *Quantizer) RPMForMask(mask uint16) (uint, bool) {
	e, ok := q.EntryForMask(mask)
	return e.RPM, ok
}

// MaskForRPM returns the mask of the gear with exactly the given speed.
func (q *Quantizer) MaskForRPM(rpm uint) (uint16, bool) {
	leaf := q.byRPM.search(rpm)
	if leaf.key != rpm {
		return 0, false
	}
	return q.table[leaf.index].Mask, true
}

// CurrentGear derives the engaged gear from the live shaft readings. A
// back-gear in neutral means neutral whatever the other shafts read;
// otherwise the combined reading must match a table entry exactly.
func (q *Quantizer) CurrentGear(input, mid, back AxisMask) (Entry, bool) {
	if back == NeutralBackgear {
		return q.table.Neutral(), true
	}
	return q.EntryForMask(Compose(input, mid, back))
}
