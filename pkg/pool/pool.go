// Reusable buffers for the I/O link hot path.
//
// Every control tick encodes one message block on the host side and one
// reply on the board side. The buffers here keep that allocation out of
// the tick.
//
// Usage:
//
//	buf := pool.GetFrame()
//	defer pool.PutFrame(buf)
//	buf.B = protocol.AppendMsgblock(buf.B, seq, payload)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"sync/atomic"
)

// frameCap covers the largest message block on the link.
const frameCap = 64

// Frame is a pooled byte buffer. B is reset to length zero by GetFrame.
type Frame struct {
	B []byte
}

var framePool = sync.Pool{
	New: func() any {
		misses.Add(1)
		return &Frame{B: make([]byte, 0, frameCap)}
	},
}

var gets, misses atomic.Uint64

// GetFrame gets a frame buffer from the pool
func GetFrame() *Frame {
	gets.Add(1)
	f := framePool.Get().(*Frame)
	f.B = f.B[:0]
	return f
}

// PutFrame returns a frame buffer to the pool. Buffers that grew past
// four blocks are dropped.
func PutFrame(f *Frame) {
	if f == nil || cap(f.B) > 4*frameCap {
		return
	}
	framePool.Put(f)
}

// Payload pool - for encoding command payloads before framing
var payloadPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, frameCap)
		return &b
	},
}

// GetPayload gets an empty payload slice from the pool
func GetPayload() *[]byte {
	p := payloadPool.Get().(*[]byte)
	*p = (*p)[:0]
	return p
}

// PutPayload returns a payload slice to the pool
func PutPayload(p *[]byte) {
	if p == nil || cap(*p) > 4*frameCap {
		return
	}
	payloadPool.Put(p)
}

// Stats holds frame pool usage counters.
type Stats struct {
	Gets   uint64
	Misses uint64
}

// FrameStats returns how many frames were taken and how many of those
// had to be allocated.
func FrameStats() Stats {
	return Stats{Gets: gets.Load(), Misses: misses.Load()}
}
