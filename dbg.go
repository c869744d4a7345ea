// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwheel

import (
	"github.com/intuitivelabs/slog"
)

// Log is the package-wide logger. Callers may change its level at runtime,
// e.g.: slog.SetLevel(&Log, slog.LWARN)
var Log slog.Log = slog.Log{
	Level:      slog.LWARN,
	Prefix:     "hwheel: ",
	BaseLogger: nil,
}

func DBGon() bool  { return Log.DBGon() }
func ERRon() bool  { return Log.ERRon() }
func WARNon() bool { return Log.WARNon() }

// DBG logs a debug-level message, gated by Log's level.
func DBG(f string, a ...interface{}) {
	Log.DBG(f, a...)
}

// WARN logs a warning-level message.
func WARN(f string, a ...interface{}) {
	Log.WARN(f, a...)
}

// ERR logs an error-level message.
func ERR(f string, a ...interface{}) {
	Log.ERR(f, a...)
}

// BUG logs a detected internal-invariant violation. Unlike PANIC it does
// not abort: the caller gets its error back and the wheel keeps running,
// but the logged message is meant to be impossible to produce in a
// correct build.
func BUG(f string, a ...interface{}) {
	Log.BUG(f, a...)
}

// PANIC logs a fatal internal-invariant violation (data-structure
// corruption) and aborts via panic. Reserved for states the wheel cannot
// recover from, never for ordinary error paths.
func PANIC(f string, a ...interface{}) {
	Log.PANIC(f, a...)
}
