// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwheel

import (
	"github.com/intuitivelabs/timestamp"
)

// DispatchFunc is invoked once for every timer Tick fires. The wheel has
// already unlinked the node and cleared its active flag before calling,
// and has released the wheel mutex -- the callback may freely Insert or
// Remove, including re-arming t itself relative to now. now is the
// timestamp of the tick step that serviced this timer, not necessarily
// the wall-clock value originally passed to Tick (a single Tick call may
// service many steps). arg is the opaque value passed to Tick.
type DispatchFunc func(w *Wheel, t *Timer, now timestamp.TS, arg interface{})

const (
	levelNone  uint8  = 255   // sentinel: node is detached
	levelReady uint8  = 254   // node on the ready list, pending dispatch
	slotNoIdx  uint16 = 65535 // sentinel debug value for no slot
)

// flags for timer nodes.
const (
	fHead   = 1 // this is a list head (debugging only)
	fActive = 2 // timer is armed (linked into some slot)
)

// A Timer is the caller-owned record threaded into exactly one wheel slot
// while armed. The wheel never allocates, frees, copies, or moves it;
// callers embed it in their own structures (the classic intrusive-list
// idiom) or obtain one from NewTimer.
//
// Detached is the zero value: a freshly declared (or zeroed) Timer is
// ready to be Insert-ed.
type Timer struct {
	next *Timer
	prev *Timer

	due timestamp.TS // absolute due time

	info tInfo // level/slot + debug flags, valid only while armed

	generation uint64 // wheel.generation as of the last Remove (0 if never removed since insert)
	wheelGen   uint64 // wheel.generation as of the last Insert
}

// Detached reports whether t is currently linked into any wheel slot.
func (t *Timer) Detached() bool {
	return t == t.next || (t.next == nil && t.prev == nil)
}

// Due returns the absolute due time last set by Insert/InsertUnlocked.
func (t *Timer) Due() timestamp.TS {
	return t.due
}

// Active reports whether t is currently armed (linked into a slot).
func (t *Timer) Active() bool {
	return t.info.flags()&fActive != 0
}

// NewTimer allocates and returns a detached Timer, ready to Insert.
// The high-performance path is to embed a Timer value in your own
// struct instead (no extra allocation, no extra GC pressure) -- NewTimer
// exists for callers that have no natural container to embed it in.
func NewTimer() *Timer {
	return &Timer{}
}
