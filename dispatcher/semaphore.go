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

import (
	"math"
	"time"

	"github.com/serenaos/kernel/kern"
)

// A Semaphore is a counting semaphore over the scheduler's wait queue
// mechanism. Acquire and release run inside preemption-disabled critical
// sections; ReleaseFromInterrupt is safe to call from interrupt context.
//
// INVARIANT: value >= 0 outside of the critical sections.
type Semaphore struct {
	sched *Scheduler

	value     int
	waitQueue WaitQueue
}

// NewSemaphore creates a semaphore holding value permits.
func NewSemaphore(value int) *Semaphore {
	return &Semaphore{
		sched: gScheduler,
		value: value,
	}
}

func newSemaphoreForScheduler(s *Scheduler, value int) *Semaphore {
	return &Semaphore{
		sched: s,
		value: value,
	}
}

// Acquire takes n permits, blocking until they are all available or the
// deadline passes. The wait is interruptible. n permits are only taken when
// n permits are actually available; a wake-up that finds fewer re-enters
// the wait.
func (sem *Semaphore) Acquire(n int, deadline time.Time) error {
	s := sem.sched

	token := s.DisablePreemption()
	for sem.value < n {
		if err := s.waitOnLocked(&sem.waitQueue, deadline, true); err != nil {
			s.RestorePreemption(token)
			return err
		}
	}
	sem.value -= n

	s.RestorePreemption(token)
	return nil
}

// TryAcquire takes n permits if they are available right now.
func (sem *Semaphore) TryAcquire(n int) error {
	s := sem.sched

	token := s.DisablePreemption()
	defer s.RestorePreemption(token)

	if sem.value < n {
		return kern.ErrBusy
	}
	sem.value -= n
	return nil
}

// Release returns n permits and wakes the waiters so that they can
// re-evaluate their demands. Task context only.
func (sem *Semaphore) Release(n int) {
	s := sem.sched

	token := s.DisablePreemption()
	sem.value += n
	s.wakeSomeLocked(&sem.waitQueue, math.MaxInt, WakeupReasonFinished, true)
	s.RestorePreemption(token)
}

// ReleaseFromInterrupt returns n permits from interrupt context. Waiters are
// only marked ready; no context switch happens here.
func (sem *Semaphore) ReleaseFromInterrupt(n int) {
	s := sem.sched

	s.mu.Lock()
	sem.value += n
	for vp := sem.waitQueue.first; vp != nil; {
		next := vp.rewaNext
		s.wakeOneLocked(&sem.waitQueue, vp, WakeupReasonFinished, false)
		vp = next
	}
	s.mu.Unlock()
}

// Value returns the number of available permits.
func (sem *Semaphore) Value() int {
	s := sem.sched

	token := s.DisablePreemption()
	defer s.RestorePreemption(token)

	return sem.value
}

// Deinit wakes all remaining waiters with kern.ErrInterrupted.
func (sem *Semaphore) Deinit() {
	s := sem.sched

	token := s.DisablePreemption()
	s.wakeSomeLocked(&sem.waitQueue, math.MaxInt, WakeupReasonInterrupted, true)
	s.RestorePreemption(token)
}
