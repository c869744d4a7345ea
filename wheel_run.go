// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwheel

import (
	"time"

	"github.com/intuitivelabs/timestamp"
)

// Run starts a background goroutine that calls Tick once per tick
// resolution, driven by a time.Ticker, until Shutdown is called. It is a
// convenience wrapper for callers that don't want to own their own timer
// loop; Init must have already been called.
func (w *Wheel) Run(dispatch DispatchFunc, arg interface{}) {
	w.cancel = make(chan struct{})
	w.lastTick = timestamp.Now()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if DBGon() {
			DBG("run: starting ticker with %s\n", w.tickResolution)
		}
		ticker := time.NewTicker(w.tickResolution)
	loop:
		for {
			select {
			case <-w.cancel:
				DBG("run: canceled\n")
				break loop
			case _, ok := <-ticker.C:
				if !ok {
					break loop
				}
				w.runTick(dispatch, arg)
			}
		}
		ticker.Stop()
	}()
}

// Shutdown stops the goroutine started by Run and waits for it to exit.
// Calling it without a prior Run is a no-op.
func (w *Wheel) Shutdown() {
	if w.cancel != nil {
		close(w.cancel)
	}
	w.wg.Wait()
}

// runTick is the body of one Run iteration: fetch the current time and
// advance the wheel, tolerating the clock going backward (logged, not
// fatal).
func (w *Wheel) runTick(dispatch DispatchFunc, arg interface{}) {
	now := timestamp.Now()
	if now.Before(w.lastTick) {
		w.badTime++
		if WARNon() {
			WARN("run: time going backward by %s (%d times in a row)\n",
				w.lastTick.Sub(now), w.badTime)
		}
		return
	}
	w.badTime = 0
	w.lastTick = now
	n := w.Tick(now, dispatch, arg)
	if DBGon() && n > 0 {
		DBG("run: dispatched %d timer(s) at %s\n", n, now)
	}
}
