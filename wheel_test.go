// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwheel

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intuitivelabs/timestamp"
)

const iterations = 1000

func TestWheelConsts(t *testing.T) {
	if WheelsNo != 4 {
		t.Fatalf("wheels number changed (%d was 4), tests need update\n", WheelsNo)
	}
	if LevelEntries != 256 {
		t.Fatalf("level entries changed (%d was 256), tests need update\n",
			LevelEntries)
	}
	if TicksBits != LevelBits*WheelsNo {
		t.Fatalf("ticks bits mismatch: %d != %d\n", TicksBits, LevelBits*WheelsNo)
	}
	if wTotalEntries != WheelsNo*LevelEntries {
		t.Fatalf("wTotalEntries wrong: %d\n", wTotalEntries)
	}
}

func TestWheelInit(t *testing.T) {
	var w Wheel
	if err := w.Init(timestamp.Now(), time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}
	for lv := 0; lv < WheelsNo; lv++ {
		if len(w.levels[lv].lsts) != LevelEntries {
			t.Fatalf("level %d: wrong slot count %d\n", lv, len(w.levels[lv].lsts))
		}
		for s := 0; s < LevelEntries; s++ {
			lst := &w.levels[lv].lsts[s]
			if lst.head.next != &lst.head || lst.head.prev != &lst.head {
				t.Fatalf("level %d slot %d not properly initialised\n", lv, s)
			}
			if lst.level != uint8(lv) || lst.slot != uint16(s) {
				t.Fatalf("level %d slot %d: wrong self-id %d/%d\n",
					lv, s, lst.level, lst.slot)
			}
		}
	}
	if !w.ready.isEmpty() {
		t.Fatalf("ready list not empty right after Init\n")
	}
}

func TestWheelInsertRemove(t *testing.T) {
	var w Wheel
	var tm Timer
	now := timestamp.Now()
	if err := w.Init(now, time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}

	if err := w.Insert(&tm, now.Add(10*time.Millisecond)); err != nil {
		t.Fatalf("Insert failed: %s\n", err)
	}
	if !tm.Active() {
		t.Fatalf("timer not active after Insert\n")
	}
	if err := w.Insert(&tm, now.Add(20*time.Millisecond)); err != ErrExists {
		t.Fatalf("re-inserting an active timer should fail with ErrExists, got %v\n", err)
	}
	if TimerWasModified(&tm) {
		t.Errorf("timer_was_modified true right after Insert\n")
	}
	if err := w.Remove(&tm); err != nil {
		t.Fatalf("Remove failed: %s\n", err)
	}
	if tm.Active() {
		t.Fatalf("timer still active after Remove\n")
	}
	if !TimerWasModified(&tm) {
		t.Errorf("timer_was_modified false after Remove\n")
	}
	if err := w.Remove(&tm); err != ErrNotFound {
		t.Fatalf("removing an inactive timer should fail with ErrNotFound, got %v\n", err)
	}
}

func TestWheelFireOnce(t *testing.T) {
	var w Wheel
	if err := w.Init(timestamp.Now(), time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}

	dispatch := func(w *Wheel, tm *Timer, now timestamp.TS, arg interface{}) {
		n := arg.(*int)
		*n++
	}

	for i := 0; i < iterations; i++ {
		var tm Timer
		// base is always the wheel's own current position, not wall time:
		// the loop drives the wheel purely by its own Tick calls, so each
		// iteration's delta must be relative to where Tick last left it.
		base := w.NextRun()
		delta := uint64(rand.Int63n(128000))
		due := base.Add(time.Duration(delta) * time.Millisecond)
		if err := w.Insert(&tm, due); err != nil {
			t.Fatalf("Insert failed: %s\n", err)
		}
		runs := 0
		// a single Tick call spans the whole interval, exercising the
		// cascade from whatever level the timer landed on down to level 0.
		n := w.Tick(due.Add(time.Millisecond), dispatch, &runs)
		if n != 1 || runs != 1 {
			t.Fatalf("delta %d: expected exactly 1 dispatch, got Tick=%d runs=%d\n",
				delta, n, runs)
		}
		if tm.Active() || !tm.Detached() {
			t.Fatalf("delta %d: timer not properly detached after firing\n", delta)
		}
		if err := w.Remove(&tm); err != ErrNotFound {
			t.Fatalf("delta %d: Remove after fire should be ErrNotFound, got %v\n",
				delta, err)
		}
	}
}

func TestWheelRemoveBeforeFire(t *testing.T) {
	var w Wheel
	now := timestamp.Now()
	if err := w.Init(now, time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}
	dispatch := func(w *Wheel, tm *Timer, now timestamp.TS, arg interface{}) {
		n := arg.(*int)
		*n++
	}

	var tm Timer
	due := now.Add(500 * time.Millisecond)
	if err := w.Insert(&tm, due); err != nil {
		t.Fatalf("Insert failed: %s\n", err)
	}
	if err := w.Remove(&tm); err != nil {
		t.Fatalf("Remove failed: %s\n", err)
	}
	runs := 0
	n := w.Tick(due.Add(time.Millisecond), dispatch, &runs)
	if n != 0 || runs != 0 {
		t.Fatalf("removed timer fired anyway: Tick=%d runs=%d\n", n, runs)
	}
}

func TestWheelReentrantRearm(t *testing.T) {
	var w Wheel
	now := timestamp.Now()
	if err := w.Init(now, time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}

	const wantRuns = 5
	runs := 0
	var tm Timer
	var dispatch DispatchFunc
	dispatch = func(w *Wheel, tm *Timer, now timestamp.TS, arg interface{}) {
		runs++
		if runs < wantRuns {
			// re-arm from within the callback: Tick has released the
			// wheel mutex before calling us.
			if err := w.Insert(tm, now.Add(time.Millisecond)); err != nil {
				t.Errorf("re-arm failed: %s\n", err)
			}
		}
	}

	due := now.Add(time.Millisecond)
	if err := w.Insert(&tm, due); err != nil {
		t.Fatalf("Insert failed: %s\n", err)
	}
	final := now.Add(time.Duration(wantRuns+2) * time.Millisecond)
	w.Tick(final, dispatch, nil)
	if runs != wantRuns {
		t.Fatalf("expected %d runs, got %d\n", wantRuns, runs)
	}
}

func TestWheelRearmAlreadyDue(t *testing.T) {
	var w Wheel
	now := timestamp.Now()
	if err := w.Init(now, time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}

	var tmA, tmB Timer
	var bRan bool
	dispatch := func(w *Wheel, tm *Timer, stepNow timestamp.TS, arg interface{}) {
		if tm == &tmA {
			// reinsert with due <= the current step's now: must be
			// serviced before this Tick call returns, not up to 256
			// ticks later.
			if err := w.Insert(&tmB, stepNow); err != nil {
				t.Fatalf("re-arm with due<=now failed: %s\n", err)
			}
			return
		}
		bRan = true
	}

	if err := w.Insert(&tmA, now); err != nil {
		t.Fatalf("Insert failed: %s\n", err)
	}
	n := w.Tick(now.Add(5*time.Millisecond), dispatch, nil)
	if n != 2 {
		t.Fatalf("expected 2 dispatches in this Tick call, got %d\n", n)
	}
	if !bRan {
		t.Fatalf("timer reinserted with due<=now was not dispatched within the same Tick call\n")
	}
}

func TestWheelRun(t *testing.T) {
	var w Wheel
	if err := w.Init(timestamp.Now(), time.Millisecond); err != nil {
		t.Fatalf("Init failure: %s\n", err)
	}

	var runs int64
	dispatch := func(w *Wheel, tm *Timer, now timestamp.TS, arg interface{}) {
		atomic.AddInt64(&runs, 1)
	}

	w.Run(dispatch, nil)
	var tm Timer
	if err := w.Insert(&tm, timestamp.Now().Add(20*time.Millisecond)); err != nil {
		w.Shutdown()
		t.Fatalf("Insert failed: %s\n", err)
	}
	time.Sleep(150 * time.Millisecond)
	w.Shutdown()

	if atomic.LoadInt64(&runs) != 1 {
		t.Errorf("timer ran %d times, expected 1\n", runs)
	}
}
