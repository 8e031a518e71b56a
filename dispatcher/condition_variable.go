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
)

// A ConditionVariable suspends VPs until a condition is signaled. Wait
// atomically releases the associated mutex and enters the wait queue; the
// release and the enqueue happen inside one preemption-disabled section with
// cooperation switched off, so a broadcast wakes every VP that entered the
// wait before it and none that enter after.
type ConditionVariable struct {
	sched *Scheduler

	waitQueue WaitQueue
}

// NewConditionVariable creates a condition variable.
func NewConditionVariable() *ConditionVariable {
	return &ConditionVariable{sched: gScheduler}
}

// Wait releases mutex, blocks the caller until the condition variable is
// signaled or the deadline passes, and reacquires mutex before returning.
// Use platform.TimeInfinity for no deadline.
func (cv *ConditionVariable) Wait(mutex *Mutex, deadline time.Time) error {
	s := cv.sched

	token := s.DisablePreemption()
	coop := s.DisableCooperation()

	if err := mutex.unlockLocked(); err != nil {
		s.RestoreCooperation(coop)
		s.RestorePreemption(token)
		return err
	}
	s.RestoreCooperation(coop)

	err := s.waitOnLocked(&cv.waitQueue, deadline, true)
	s.RestorePreemption(token)

	mutex.Lock()
	return err
}

// Signal wakes one waiter.
func (cv *ConditionVariable) Signal() {
	cv.wake(false, nil)
}

// Broadcast wakes every current waiter.
func (cv *ConditionVariable) Broadcast() {
	cv.wake(true, nil)
}

// SignalAndUnlock atomically signals the condition variable and releases the
// held mutex.
func (cv *ConditionVariable) SignalAndUnlock(mutex *Mutex) {
	cv.wake(false, mutex)
}

// BroadcastAndUnlock atomically broadcasts the condition variable and
// releases the held mutex.
func (cv *ConditionVariable) BroadcastAndUnlock(mutex *Mutex) {
	cv.wake(true, mutex)
}

func (cv *ConditionVariable) wake(broadcast bool, mutex *Mutex) {
	s := cv.sched

	token := s.DisablePreemption()
	coop := s.DisableCooperation()

	if mutex != nil {
		if err := mutex.unlockLocked(); err != nil {
			s.RestoreCooperation(coop)
			s.RestorePreemption(token)
			return
		}
	}
	s.RestoreCooperation(coop)

	count := 1
	if broadcast {
		count = math.MaxInt
	}
	s.wakeSomeLocked(&cv.waitQueue, count, WakeupReasonFinished, true)

	s.RestorePreemption(token)
}

// Deinit wakes all remaining waiters with kern.ErrInterrupted.
func (cv *ConditionVariable) Deinit() {
	s := cv.sched

	token := s.DisablePreemption()
	s.wakeSomeLocked(&cv.waitQueue, math.MaxInt, WakeupReasonInterrupted, true)
	s.RestorePreemption(token)
}
