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

package proc

import (
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

// DispatchQueueState is the lifecycle state of a dispatch queue.
type DispatchQueueState int

const (
	// QueueRunning accepts and executes work items.
	QueueRunning DispatchQueueState = iota

	// QueueTerminating flushes items and aborts in-flight user callouts.
	QueueTerminating

	// QueueTerminated has released its VPs and accepts nothing.
	QueueTerminated
)

type workItem struct {
	fn     func()
	isUser bool
	next   *workItem
}

// A DispatchQueue executes closures on a bounded pool of virtual
// processors acquired on demand and relinquished when the queue drains. A
// process owns its main dispatch queue (concurrency 1); the queue holds
// only a weak back reference to the process. Terminating the queue aborts
// in-flight user callouts, flushes queued items and reaches the terminated
// state once every lane has unwound.
type DispatchQueue struct {
	sched *dispatcher.Scheduler

	// Weak owner reference; nil for the kernel queue.
	owner *Process

	lock *dispatcher.Mutex
	cond *dispatcher.ConditionVariable

	// GUARDED_BY(lock)
	head  *workItem
	tail  *workItem
	state DispatchQueueState
	lanes []*dispatcher.VirtualProcessor

	maxConcurrency int
	priority       int
}

// NewDispatchQueue creates a running dispatch queue. owner may be nil for
// the kernel's own queue.
func NewDispatchQueue(s *dispatcher.Scheduler, owner *Process, maxConcurrency, priority int) *DispatchQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &DispatchQueue{
		sched:          s,
		owner:          owner,
		lock:           dispatcher.NewMutex(),
		cond:           dispatcher.NewConditionVariable(),
		maxConcurrency: maxConcurrency,
		priority:       priority,
	}
}

// Process returns the process owning the queue, or nil.
func (q *DispatchQueue) Process() *Process {
	return q.owner
}

// State returns the queue's lifecycle state.
func (q *DispatchQueue) State() DispatchQueueState {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.state
}

// DispatchAsync enqueues fn for asynchronous execution in kernel context.
func (q *DispatchQueue) DispatchAsync(fn func()) error {
	return q.dispatch(&workItem{fn: fn})
}

// DispatchAsyncUser enqueues fn for asynchronous execution as an abortable
// user-space callout.
func (q *DispatchQueue) DispatchAsyncUser(fn func()) error {
	return q.dispatch(&workItem{fn: fn, isUser: true})
}

func (q *DispatchQueue) dispatch(item *workItem) error {
	q.lock.Lock()

	if q.state != QueueRunning {
		q.lock.Unlock()
		return kern.ErrSearchFailure
	}

	if q.tail != nil {
		q.tail.next = item
	} else {
		q.head = item
	}
	q.tail = item

	// Every lane is busy executing; add one if the cap allows. A lane
	// that finds the queue already drained exits again right away.
	var newLane *dispatcher.VirtualProcessor
	if len(q.lanes) < q.maxConcurrency {
		vp, err := q.sched.Pool().Acquire(dispatcher.AcquireParams{
			Func:          q.lane,
			UserStackSize: platform.PageSize,
			Priority:      q.priority,
		})
		if err != nil {
			q.lock.Unlock()
			return err
		}
		vp.SetDispatchQueue(q, len(q.lanes))
		q.lanes = append(q.lanes, vp)
		newLane = vp
	}

	q.lock.Unlock()

	if newLane != nil {
		newLane.Resume(false)
	}

	return nil
}

func (q *DispatchQueue) removeLaneLocked(vp *dispatcher.VirtualProcessor) {
	for i, lane := range q.lanes {
		if lane == vp {
			q.lanes = append(q.lanes[:i], q.lanes[i+1:]...)
			return
		}
	}
}

// lane is the body of a queue VP: pop and run items until the queue drains
// or terminates, then relinquish. The last lane to leave a terminating
// queue marks it terminated.
func (q *DispatchQueue) lane() {
	vp := q.sched.RunningVP()

	for {
		q.lock.Lock()

		if q.state != QueueRunning || q.head == nil {
			q.removeLaneLocked(vp)
			if q.state == QueueTerminating && len(q.lanes) == 0 {
				q.state = QueueTerminated
			}
			q.cond.BroadcastAndUnlock(q.lock)
			return
		}

		item := q.head
		q.head = item.next
		if q.head == nil {
			q.tail = nil
		}
		q.lock.Unlock()

		if item.isUser {
			vp.CallAsUser(item.fn)
		} else {
			item.fn()
		}
	}
}

// Terminate flushes all queued work, stops accepting new work and aborts
// every in-flight user callout. Asynchronous: use
// WaitForTerminationCompleted to observe completion.
func (q *DispatchQueue) Terminate() {
	q.lock.Lock()

	switch q.state {
	case QueueTerminating, QueueTerminated:
		q.lock.Unlock()
		return
	}

	q.head = nil
	q.tail = nil

	if len(q.lanes) == 0 {
		q.state = QueueTerminated
		q.cond.BroadcastAndUnlock(q.lock)
		return
	}

	q.state = QueueTerminating
	lanes := make([]*dispatcher.VirtualProcessor, len(q.lanes))
	copy(lanes, q.lanes)
	q.cond.BroadcastAndUnlock(q.lock)

	// Abort the user callouts the lanes may be executing. Any
	// interruptible wait they sit in, or try to enter, fails with
	// ErrInterrupted until the callout has unwound.
	for _, lane := range lanes {
		lane.AbortCallAsUser()
	}
}

// WaitForTerminationCompleted blocks until the queue has reached the
// terminated state.
func (q *DispatchQueue) WaitForTerminationCompleted() {
	q.lock.Lock()
	for q.state != QueueTerminated {
		_ = q.cond.Wait(q.lock, platform.TimeInfinity)
	}
	q.lock.Unlock()
}

// CurrentDispatchQueue returns the dispatch queue the calling VP belongs
// to, or nil.
func CurrentDispatchQueue(s *dispatcher.Scheduler) *DispatchQueue {
	vp := s.RunningVP()
	if vp == nil {
		return nil
	}
	if q, ok := vp.DispatchQueue().(*DispatchQueue); ok {
		return q
	}
	return nil
}
