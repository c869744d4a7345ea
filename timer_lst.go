// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwheel

// timerLst is an intrusive, circular, doubly-linked list of Timer nodes:
// one per (level, slot) pair, plus one transient instance (Wheel.ready)
// used by Tick to hold the timers drained from the current level-0 slot
// (and timers inserted already due) while the wheel mutex is released
// for dispatch. No allocation is ever needed to
// link or unlink a node.
type timerLst struct {
	head  Timer // used only as list head (only next & prev)
	level uint8 // mostly for debugging
	slot  uint16
}

// init initialises a list head (circular list).
func (lst *timerLst) init(level uint8, slot uint16) {
	lst.forceEmpty()
	lst.level = level
	lst.slot = slot
	lst.head.info.setFlags(fHead)
	lst.head.info.setSlot(level, slot)
}

// forceEmpty will completely empty the list (re-init the list head).
func (lst *timerLst) forceEmpty() {
	lst.head.next = &lst.head
	lst.head.prev = &lst.head
}

// isEmpty returns true if the list is empty.
func (lst *timerLst) isEmpty() bool {
	return lst.head.next == &lst.head
}

// append adds a Timer entry at the end of the list.
// There's no internal locking.
func (lst *timerLst) append(e *Timer) {
	// DBG checks:
	if !isDetached(e) {
		level, slot := e.info.slotPos()
		PANIC("timerLst append called on an entry not detached: "+
			" t level %d slot %d , lst level %d slot %d next %p prev %p\n",
			level, slot, lst.level, lst.slot,
			e.next, e.prev)
	}

	e.prev = lst.head.prev
	e.next = &lst.head
	e.prev.next = e
	lst.head.prev = e

	// DBG checks:
	level, slot := e.info.slotPos()
	if level != levelNone || slot != slotNoIdx {
		PANIC("timerLst append called on an entry already on a diff. list: "+
			" t level %d slot %d , lst level %d slot %d\n",
			level, slot, lst.level, lst.slot)
	}
	e.info.setSlot(lst.level, lst.slot)
}

// rm removes a Timer entry from the list.
// There's no internal locking.
func (lst *timerLst) rm(e *Timer) {
	if e == nil || e.next == nil || e.prev == nil {
		PANIC("called with nil-detached element %p\n", e)
	}
	if e.next == e || e.prev == e {
		if e == &lst.head {
			PANIC("trying to rm list head  %p\n", e)
		} else {
			PANIC("called with detached element %p: due %v %s\n",
				e, e.due, e.info)
		}
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	// "mark" e as detached
	e.next = e
	e.prev = e

	// DBG checks:
	level, slot := e.info.slotPos()
	if level != lst.level || slot != lst.slot {
		PANIC("timerLst rm called on an entry from a different list: "+
			" t level %d slot %d , lst level %d slot %d\n",
			level, slot, lst.level, lst.slot)
	}
	e.info.setSlot(levelNone, slotNoIdx)
}

// rmSubList removes a sub list defined by all the elements between
//  s & e (including s & e). It returns a pointer to the detached
// sub list (which will still be a circular list) or nil if the sub list
// is empty.
// Note: s & e must be different from lst (from the list head address).
// Examples:
//   - detach the entire list:  l := lst.rmSubList(lst.head.next, lst.head.prev)
func (lst *timerLst) rmSubList(s, e *Timer) *Timer {
	if e == nil || e.next == nil || e.prev == nil {
		PANIC("called with nil-detached element %p\n", e)
	}
	if s == nil || s.next == nil || s.prev == nil {
		PANIC("called with nil-detached element %p\n", e)
	}

	if s == &lst.head || e == &lst.head {
		return nil // empty list or &head passed as parameters (wrong)
	}
	// detach
	s.prev.next = e.next
	e.next.prev = s.prev
	// make the detached part circular
	s.prev = e
	e.next = s

	// debugging: mark all elements as detached
	for v := s; v != e; v = v.next {
		v.info.setSlot(levelNone, slotNoIdx)
	}
	e.info.setSlot(levelNone, slotNoIdx)

	return s
}

// appendSubList adds an entire sublist specified by the starting and
// ending element (s & e) at the end of lst (immediately after lst.head.prev).
func (lst *timerLst) appendSubList(s, e *Timer) {
	s.prev = lst.head.prev
	e.next = &lst.head
	lst.head.prev.next = s
	lst.head.prev = e

	// mark all elements as belonging to this list: level & slot
	// (useful for quickly finding the parent list, for proper locking)
	for v := s; v != e; v = v.next {
		v.info.setSlot(lst.level, lst.slot)
	}
	e.info.setSlot(lst.level, lst.slot)
}

// mv moves all the elements of the current lst to the end of dst.
// Returns true if any elements where moved.
func (lst *timerLst) mv(dst *timerLst) bool {
	s := lst.head.next
	e := lst.head.prev
	if lst.rmSubList(s, e) == nil {
		return false
	}
	dst.appendSubList(s, e)
	return true
}

// forEachSafeRm is similar to a plain forward iteration, but supports
// removing the current list element from the callback function (e).
// It does not support removing other list elements (e.g. e.next).
func (lst *timerLst) forEachSafeRm(f func(l *timerLst, e *Timer) bool) {
	cont := true
	s := lst.head.next
	for v, nxt := s, s.next; v != &lst.head && cont; v, nxt = nxt, nxt.next {
		cont = f(lst, v)
	}
}

// isDetached reports whether the Timer entry is not linked into any list.
func isDetached(e *Timer) bool {
	return e.Detached()
}
