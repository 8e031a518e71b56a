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
	"sync/atomic"

	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

// MutexOptions configure ownership checking and interruptibility.
type MutexOptions uint32

const (
	// MutexFatalOwnershipViolations makes unlock-by-non-owner a fatal error
	// instead of returning kern.ErrPermission. This is the default for
	// kernel locks.
	MutexFatalOwnershipViolations MutexOptions = 1 << iota

	// MutexInterruptible allows a lock wait to be interrupted by another
	// VP. LockInterruptibly then returns kern.ErrInterrupted; Lock treats
	// the interruption as a fatal error.
	MutexInterruptible
)

// A Mutex is the kernel's blocking lock, layered over the scheduler's wait
// queue mechanism. At most one VP holds the mutex at any time; the holder is
// recorded and checked on unlock.
type Mutex struct {
	sched *Scheduler

	value     int32 // atomic: 0 free, 1 held
	waitQueue WaitQueue
	ownerVPID int32
	options   MutexOptions
}

// NewMutex creates a mutex with fatal ownership violations, the default for
// kernel-internal locks.
func NewMutex() *Mutex {
	return NewMutexWithOptions(MutexFatalOwnershipViolations)
}

// NewMutexWithOptions creates a mutex with the given options.
func NewMutexWithOptions(options MutexOptions) *Mutex {
	return &Mutex{
		sched:   gScheduler,
		options: options,
	}
}

func newMutexForScheduler(s *Scheduler) *Mutex {
	return &Mutex{
		sched:   s,
		options: MutexFatalOwnershipViolations,
	}
}

// TryLock attempts to take the mutex without blocking.
func (m *Mutex) TryLock() bool {
	if !atomic.CompareAndSwapInt32(&m.value, 0, 1) {
		return false
	}
	atomic.StoreInt32(&m.ownerVPID, int32(m.sched.CurrentVPID()))
	return true
}

// Lock blocks until the mutex is available. For a mutex created with
// MutexInterruptible the wait may be interrupted; lock with LockInterruptibly
// to observe the error.
func (m *Mutex) Lock() {
	if err := m.lock(); err != nil {
		platform.Fatalf("mutex lock failed: %v", err)
	}
}

// LockInterruptibly blocks until the mutex is available or, for a mutex
// created with MutexInterruptible, until the wait is interrupted.
func (m *Mutex) LockInterruptibly() error {
	return m.lock()
}

func (m *Mutex) lock() error {
	s := m.sched
	interruptible := m.options&MutexInterruptible != 0

	token := s.DisablePreemption()
	for !atomic.CompareAndSwapInt32(&m.value, 0, 1) {
		err := s.waitOnLocked(&m.waitQueue, platform.TimeInfinity, interruptible)
		if err != nil {
			if interruptible {
				s.RestorePreemption(token)
				return err
			}
			s.RestorePreemption(token)
			platform.Fatalf("non-interruptible mutex wait failed: %v", err)
		}
	}
	atomic.StoreInt32(&m.ownerVPID, int32(s.running.vpid))
	s.RestorePreemption(token)

	return nil
}

// Unlock releases the mutex and wakes one waiter. Unlocking a mutex the
// caller does not hold is fatal, whatever the options; use UnlockChecked to
// get kern.ErrPermission back from a mutex created without
// MutexFatalOwnershipViolations.
func (m *Mutex) Unlock() {
	if err := m.unlock(); err != nil {
		platform.Fatalf("mutex unlock: %v", err)
	}
}

// UnlockChecked is Unlock for mutexes with non-fatal ownership violations.
func (m *Mutex) UnlockChecked() error {
	err := m.unlock()
	if err != nil && m.options&MutexFatalOwnershipViolations != 0 {
		platform.Fatalf("mutex unlock: %v", err)
	}
	return err
}

func (m *Mutex) unlock() error {
	s := m.sched

	token := s.DisablePreemption()
	err := m.unlockLocked()
	s.RestorePreemption(token)
	return err
}

// unlockLocked releases the mutex with the preemption section already held.
// Used by the condition variable for the atomic release-and-wait.
func (m *Mutex) unlockLocked() error {
	s := m.sched

	if atomic.LoadInt32(&m.ownerVPID) != int32(s.running.vpid) {
		return kern.ErrPermission
	}

	atomic.StoreInt32(&m.ownerVPID, 0)
	atomic.StoreInt32(&m.value, 0)

	if vp := m.waitQueue.first; vp != nil {
		s.wakeOneLocked(&m.waitQueue, vp, WakeupReasonFinished, true)
	}

	return nil
}

// OwnerVPID returns the VPID of the current holder, or 0.
func (m *Mutex) OwnerVPID() int {
	return int(atomic.LoadInt32(&m.ownerVPID))
}

// Deinit unlocks the mutex if the caller holds it. A mutex held by some
// other VP cannot be deinitialized: fatal, or kern.ErrPermission for a
// mutex with non-fatal ownership violations.
func (m *Mutex) Deinit() error {
	owner := m.OwnerVPID()

	switch {
	case owner == m.sched.CurrentVPID():
		m.Unlock()
	case owner > 0:
		if m.options&MutexFatalOwnershipViolations != 0 {
			platform.Fatalf("mutex deinit while held by vp %d", owner)
		}
		return kern.ErrPermission
	}

	atomic.StoreInt32(&m.value, 0)
	return nil
}
