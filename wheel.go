// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package hwheel provides a hierarchical hashed timer wheel: a data
// structure that schedules and dispatches a large population of
// deadline-driven timers with near-constant-time insertion, cancellation
// and tick advancement, and no per-tick heap scan.
package hwheel

import (
	"sync"
	"time"

	"github.com/intuitivelabs/timestamp"
)

const NAME = "hwheel"

// Four cascading radix-256 levels: level 0 is the finest (ticks 0..255
// from the current position), each higher level covers 256x the range of
// the one below it, for a combined 32-bit tick delta.
const (
	WheelsNo     = 4
	LevelBits    = 8
	LevelEntries = 1 << LevelBits
	LevelMask    = LevelEntries - 1

	wTotalEntries = WheelsNo * LevelEntries
)

// wheelLevel is one of the four radix-256 levels: an array of
// LevelEntries slots, each the head of an intrusive doubly-linked list.
type wheelLevel struct {
	no   uint8
	lsts []timerLst
}

func (lv *wheelLevel) init(no uint8, lists []timerLst) {
	lv.no = no
	lv.lsts = lists
	for i := range lv.lsts {
		lv.lsts[i].init(lv.no, uint16(i))
	}
}

// levelSlot returns the slot index a tick-count t belongs to at level l:
// the l-th radix-256 digit of t.
func levelSlot(t uint64, l uint8) uint16 {
	return uint16((t >> (LevelBits * uint(l))) & LevelMask)
}

// levelSlotFor picks the (level, slot) a timer due at dueTick belongs in,
// given the wheel's current tick position w.pos. A timer already due (at
// or before the current position) is routed to the levelReady/slotNoIdx
// sentinel instead of any physical bucket: it must join the timers
// currently being drained by Tick, not land in level 0's bucket for the
// current position, which Tick has already emptied for this step and
// will not revisit until the position wraps back around -- appendTimer
// recognizes the sentinel and appends straight to Wheel.ready.
func (w *Wheel) levelSlotFor(dueTick uint64) (uint8, uint16) {
	if dueTick <= w.pos {
		return levelReady, slotNoIdx
	}
	delta := NewTicks(dueTick).Sub(NewTicks(w.pos)).Val()
	switch {
	case delta < LevelEntries:
		return 0, levelSlot(dueTick, 0)
	case delta < LevelEntries*LevelEntries:
		return 1, levelSlot(dueTick, 1)
	case delta < LevelEntries*LevelEntries*LevelEntries:
		return 2, levelSlot(dueTick, 2)
	}
	return 3, levelSlot(dueTick, 3)
}

// Wheel implements a hierarchical hashed timer wheel. The zero value is
// not ready to use; call Init first.
type Wheel struct {
	mu sync.Mutex // single wheel-wide mutex, released across dispatch callbacks

	tickResolution time.Duration
	refTS          timestamp.TS // real time corresponding to tick position 0
	pos            uint64       // current tick position ("next_run", in ticks)
	generation     uint64       // bumped on every Remove of an armed timer

	levels [WheelsNo]wheelLevel
	lsts   [wTotalEntries]timerLst // backing storage sliced up among levels

	ready timerLst // transient: timers drained from level 0, pending dispatch

	// driven by Run/Shutdown only; unused by callers driving Tick themselves.
	cancel   chan struct{}
	wg       sync.WaitGroup
	lastTick timestamp.TS
	badTime  int
}

// Init prepares w for use: now is the current monotonic time, tickRes is
// the fixed duration of one tick (1-100ms is typical; too small a value
// causes excessive wakeups in a driving loop such as Run). tickRes <= 0
// is rejected outright.
func (w *Wheel) Init(now timestamp.TS, tickRes time.Duration) error {
	if tickRes <= 0 {
		return ErrInvalidParameters
	}
	w.tickResolution = tickRes
	w.refTS = now
	w.pos = 0
	w.generation = 0

	pos := 0
	for i := 0; i < WheelsNo; i++ {
		w.levels[i].init(uint8(i), w.lsts[pos:pos+LevelEntries])
		pos += LevelEntries
	}
	w.ready.init(levelReady, slotNoIdx)
	return nil
}

// NextRun returns the monotonic timestamp corresponding to the head of
// level 0, slot 0 of the current position: the earliest moment for which
// timers have not yet been dispatched.
func (w *Wheel) NextRun() timestamp.TS {
	return w.refTS.Add(time.Duration(w.pos) * w.tickResolution)
}

// TickResolution returns the configured tick duration.
func (w *Wheel) TickResolution() time.Duration {
	return w.tickResolution
}

// Ticks converts a duration to a (rounded-down) tick count, at this
// wheel's configured resolution.
func (w *Wheel) Ticks(d time.Duration) uint64 {
	return uint64(d / w.tickResolution)
}

// Duration converts a tick count to a time.Duration.
func (w *Wheel) Duration(ticks uint64) time.Duration {
	return time.Duration(ticks) * w.tickResolution
}

// tickIndex converts an absolute monotonic timestamp into this wheel's
// tick-count space, floor-rounded and clamped to 0 for timestamps at or
// before refTS.
func (w *Wheel) tickIndex(ts timestamp.TS) uint64 {
	d := ts.Sub(w.refTS)
	if d <= 0 {
		return 0
	}
	return uint64(d / w.tickResolution)
}

func (w *Wheel) lock()   { w.mu.Lock() }
func (w *Wheel) unlock() { w.mu.Unlock() }

// appendTimer links a detached timer node into the given (level, slot),
// or, for the levelReady sentinel produced by levelSlotFor, straight into
// the ready list currently being drained.
func (w *Wheel) appendTimer(t *Timer, level uint8, slot uint16) {
	if level == levelReady {
		w.ready.append(t)
		return
	}
	w.levels[level].lsts[slot].append(t)
}

// Insert arms a detached timer t so it will be dispatched at or after
// due. Inserting an already-armed timer returns ErrExists without
// modifying it -- re-arming an active timer is a caller bug.
func (w *Wheel) Insert(t *Timer, due timestamp.TS) error {
	w.lock()
	err := w.InsertUnlocked(t, due)
	w.unlock()
	return err
}

// InsertUnlocked is Insert for callers that already hold w's mutex (e.g.
// from within a dispatch callback that wraps its own locking on top, or
// during bulk initialization). It must not be called from a plain
// DispatchFunc -- Tick has already released the mutex by the time it
// calls the dispatcher, so InsertUnlocked there would run unsynchronized;
// use Insert instead.
func (w *Wheel) InsertUnlocked(t *Timer, due timestamp.TS) error {
	if t.Active() {
		return ErrExists
	}
	if !t.Detached() {
		PANIC("insert called on a linked but inactive timer: %p n: %p p: %p\n",
			t, t.next, t.prev)
		return ErrInvalidTimer
	}
	if t.next == nil {
		// zero-value Timer: mark it as not being on any list
		t.info.setSlot(levelNone, slotNoIdx)
	}

	dueTick := w.tickIndex(due)
	if dueTick > w.pos {
		delta := dueTick - w.pos
		if delta > MaxTicksDiff {
			BUG("insert: delta too high: %d ticks (max %d)\n",
				delta, uint64(MaxTicksDiff))
			return ErrTicksTooHigh
		}
	}

	level, slot := w.levelSlotFor(dueTick)
	t.due = due
	w.appendTimer(t, level, slot)
	t.info.setFlags(fActive)
	t.wheelGen = w.generation
	t.generation = 0
	return nil
}

// Remove cancels an armed timer. If t is not currently armed it returns
// ErrNotFound and leaves t untouched -- in particular, calling Remove on
// a timer whose dispatch callback is in flight returns ErrNotFound, since
// Tick has already unlinked and deactivated it before invoking the
// callback.
func (w *Wheel) Remove(t *Timer) error {
	w.lock()
	err := w.RemoveUnlocked(t)
	w.unlock()
	return err
}

// RemoveUnlocked is Remove for callers that already hold w's mutex.
func (w *Wheel) RemoveUnlocked(t *Timer) error {
	if !t.Active() {
		return ErrNotFound
	}
	level, slot := t.info.slotPos()
	if level == levelReady {
		w.ready.rm(t)
	} else {
		w.levels[level].lsts[slot].rm(t)
	}
	t.info.resetFlags(fActive)
	w.generation++
	t.generation = w.generation
	return nil
}

// ResetTimer prepares a detached timer for re-use, clearing any state
// left over from a previous arm/fire/remove cycle. It is an error to
// call it on a currently-armed timer.
func (w *Wheel) ResetTimer(t *Timer) error {
	if t.Active() {
		return ErrExists
	}
	if !t.Detached() {
		return ErrInvalidTimer
	}
	*t = Timer{}
	return nil
}

// TimerWasModified reports whether the wheel has removed t at least once
// since the last successful Insert of t. It is a cheap liveness check for
// callers holding a bare *Timer reference handed to some other goroutine,
// wanting to know whether the wheel has since let go of it.
func TimerWasModified(t *Timer) bool {
	return t.generation != 0 && t.generation != t.wheelGen
}

// Tick advances the wheel from its current position up to now, one tick
// step at a time, cascading higher levels as needed and calling dispatch
// once for every timer whose due time has arrived. It returns the number
// of timers dispatched.
//
// dispatch is called with the timestamp of the tick step that serviced
// it (monotonically non-decreasing across a single Tick call), not the
// wall-clock time the call was made with -- a dispatcher that re-arms a
// timer relative to the value it receives schedules relative to "now",
// not to some point further in the future that Tick hasn't reached yet.
//
// now before the wheel's current position (clock went backward) is a
// no-op: Tick dispatches nothing and does not rewind. Tick must never be
// called concurrently with itself on the same wheel -- concurrent
// Insert/Remove from other goroutines are fine and are the wheel's whole
// point.
func (w *Wheel) Tick(now timestamp.TS, dispatch DispatchFunc, arg interface{}) int {
	w.lock()
	nowTick := w.tickIndex(now)
	if nowTick < w.pos {
		w.unlock()
		return 0
	}

	count := 0
	for {
		w.redistribute()
		if !w.ready.isEmpty() {
			stepNow := w.NextRun()
			count += w.drainReady(stepNow, dispatch, arg)
		}
		w.pos++
		if w.pos > nowTick {
			break
		}
	}
	w.unlock()
	return count
}

// redistribute cascades as many higher levels as needed into level 0 and
// moves level 0's currently-due slot into the ready list, all under the
// wheel mutex. It must be called with w.mu held.
func (w *Wheel) redistribute() {
	t := w.pos
	idx0 := levelSlot(t, 0)
	if idx0 == 0 {
		idx1 := levelSlot(t, 1)
		if idx1 == 0 {
			idx2 := levelSlot(t, 2)
			if idx2 == 0 {
				idx3 := levelSlot(t, 3)
				w.redistList(&w.levels[3].lsts[idx3])
			}
			w.redistList(&w.levels[2].lsts[idx2])
		}
		w.redistList(&w.levels[1].lsts[idx1])
	}
	w.levels[0].lsts[idx0].mv(&w.ready)
}

// redistList empties lst, reinserting every entry according to its due
// time and the wheel's now-current position -- by construction (sort on
// insert) each entry lands on a lower level, or on the ready list if it
// is due at the current position.
func (w *Wheel) redistList(lst *timerLst) {
	lst.forEachSafeRm(func(l *timerLst, t *Timer) bool {
		w.redistTimer(l, t)
		return true
	})
	if !lst.isEmpty() {
		BUG("list level %d slot %d not empty after redistribution at pos %d\n",
			lst.level, lst.slot, w.pos)
	}
}

func (w *Wheel) redistTimer(lst *timerLst, t *Timer) {
	dueTick := w.tickIndex(t.due)
	level, slot := w.levelSlotFor(dueTick)
	if level == lst.level && slot == lst.slot {
		BUG("redistributed to the same level/slot: %d/%d due tick %d pos %d\n",
			level, slot, dueTick, w.pos)
		return
	}
	lst.rm(t)
	w.appendTimer(t, level, slot)
}

// drainReady dispatches every timer currently in the ready list, one at a
// time, releasing w.mu across each dispatch call and reacquiring it
// after so the callback may freely Insert/Remove. A callback that
// reinserts a timer with due <= now lands it right back on this same
// ready list (see levelSlotFor), and since the loop re-reads head.next on
// every pass it picks that reinsert up before returning rather than
// waiting for a future tick step. It must be called with w.mu held and
// returns with w.mu held.
func (w *Wheel) drainReady(now timestamp.TS, dispatch DispatchFunc, arg interface{}) int {
	n := 0
	for !w.ready.isEmpty() {
		t := w.ready.head.next
		w.ready.rm(t)
		t.info.resetFlags(fActive)
		w.unlock()
		dispatch(w, t, now, arg)
		n++
		w.lock()
	}
	return n
}
