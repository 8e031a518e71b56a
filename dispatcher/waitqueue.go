// Copyright 2024 The Serena Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import "github.com/serenaos/kernel/kern"

// vpList is an intrusive doubly-linked list of virtual processors, linked
// through the rewa queue entry embedded in each VP. Insert and remove are
// O(1) and allocation free, which keeps them usable from interrupt context.
type vpList struct {
	first *VirtualProcessor
	last  *VirtualProcessor
}

func (l *vpList) isEmpty() bool {
	return l.first == nil
}

func (l *vpList) insertAfterLast(vp *VirtualProcessor) {
	vp.rewaPrev = l.last
	vp.rewaNext = nil
	if l.last != nil {
		l.last.rewaNext = vp
	} else {
		l.first = vp
	}
	l.last = vp
}

// insertAfter inserts vp after prev; prev == nil inserts at the front.
func (l *vpList) insertAfter(vp, prev *VirtualProcessor) {
	if prev == nil {
		vp.rewaPrev = nil
		vp.rewaNext = l.first
		if l.first != nil {
			l.first.rewaPrev = vp
		} else {
			l.last = vp
		}
		l.first = vp
		return
	}

	vp.rewaPrev = prev
	vp.rewaNext = prev.rewaNext
	if prev.rewaNext != nil {
		prev.rewaNext.rewaPrev = vp
	} else {
		l.last = vp
	}
	prev.rewaNext = vp
}

func (l *vpList) remove(vp *VirtualProcessor) {
	if vp.rewaPrev != nil {
		vp.rewaPrev.rewaNext = vp.rewaNext
	} else {
		l.first = vp.rewaNext
	}
	if vp.rewaNext != nil {
		vp.rewaNext.rewaPrev = vp.rewaPrev
	} else {
		l.last = vp.rewaPrev
	}
	vp.rewaNext = nil
	vp.rewaPrev = nil
}

// A WaitQueue holds the virtual processors blocked on one event, ordered by
// effective priority from highest to lowest; VPs of equal priority leave in
// the order they entered. The queue holds back references only; the VP owns
// its queue node storage.
type WaitQueue struct {
	vpList
}

// insertByPriority inserts the VP behind every queued VP of greater or equal
// effective priority.
func (q *WaitQueue) insertByPriority(vp *VirtualProcessor) {
	var prev *VirtualProcessor
	for cur := q.first; cur != nil; cur = cur.rewaNext {
		if cur.effectivePriority < vp.effectivePriority {
			break
		}
		prev = cur
	}

	q.insertAfter(vp, prev)
}

// Deinit verifies that the queue has no waiters left. Returns kern.ErrBusy
// and leaves the queue untouched otherwise.
func (q *WaitQueue) Deinit(s *Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !q.isEmpty() {
		return kern.ErrBusy
	}
	return nil
}
