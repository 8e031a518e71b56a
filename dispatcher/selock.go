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
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

type seLockState int8

const (
	selUnlocked seLockState = iota
	selLockedShared
	selLockedExclusive
)

// A SELock is a shared-exclusive lock: any number of shared holders or one
// exclusive holder, which may re-lock exclusively without blocking. Built
// from a mutex and a condition variable.
type SELock struct {
	mutex *Mutex
	cond  *ConditionVariable

	state            seLockState
	ownerCount       int
	exclusiveOwnerID int
}

// NewSELock creates a shared-exclusive lock in the unlocked state.
func NewSELock() *SELock {
	return &SELock{
		mutex: NewMutex(),
		cond:  NewConditionVariable(),
	}
}

// LockShared blocks until the lock can be taken in shared mode.
func (l *SELock) LockShared() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch l.state {
	case selUnlocked:
		l.state = selLockedShared
		l.ownerCount = 1
		return nil

	case selLockedShared:
		l.ownerCount++
		return nil

	case selLockedExclusive:
		// Someone holds the lock exclusively; wait until it is dropped.
		for {
			if err := l.cond.Wait(l.mutex, platform.TimeInfinity); err != nil {
				return err
			}
			if l.state == selUnlocked || l.state == selLockedShared {
				l.state = selLockedShared
				l.ownerCount++
				return nil
			}
		}

	default:
		platform.Fatalf("corrupt selock state %d", l.state)
		return nil
	}
}

// LockExclusive blocks until the lock can be taken in exclusive mode. The
// exclusive owner may lock again without blocking.
func (l *SELock) LockExclusive() error {
	vpid := l.mutex.sched.CurrentVPID()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch l.state {
	case selUnlocked:
		l.state = selLockedExclusive
		l.ownerCount = 1
		l.exclusiveOwnerID = vpid
		return nil

	case selLockedExclusive:
		if l.exclusiveOwnerID == vpid {
			l.ownerCount++
			return nil
		}
		return l.lockExclusiveSlow(vpid)

	case selLockedShared:
		return l.lockExclusiveSlow(vpid)

	default:
		platform.Fatalf("corrupt selock state %d", l.state)
		return nil
	}
}

func (l *SELock) lockExclusiveSlow(vpid int) error {
	for {
		if err := l.cond.Wait(l.mutex, platform.TimeInfinity); err != nil {
			return err
		}
		if l.state == selUnlocked {
			l.state = selLockedExclusive
			l.ownerCount = 1
			l.exclusiveOwnerID = vpid
			return nil
		}
	}
}

// Unlock drops one hold. When the last hold is dropped the lock becomes
// unlocked and all blocked lockers are woken. Unlocking an exclusive lock
// held by another VP, or an unlocked lock, returns kern.ErrPermission.
func (l *SELock) Unlock() error {
	l.mutex.Lock()

	switch l.state {
	case selLockedShared:
		l.ownerCount--
		if l.ownerCount > 0 {
			l.mutex.Unlock()
			return nil
		}
		l.state = selUnlocked

	case selLockedExclusive:
		if l.exclusiveOwnerID != l.mutex.sched.CurrentVPID() {
			l.mutex.Unlock()
			return kern.ErrPermission
		}
		l.ownerCount--
		if l.ownerCount > 0 {
			l.mutex.Unlock()
			return nil
		}
		l.state = selUnlocked
		l.exclusiveOwnerID = 0

	case selUnlocked:
		l.mutex.Unlock()
		return kern.ErrPermission

	default:
		platform.Fatalf("corrupt selock state %d", l.state)
	}

	l.cond.BroadcastAndUnlock(l.mutex)
	return nil
}

// Deinit fails with kern.ErrPermission if the lock is still held.
func (l *SELock) Deinit() error {
	l.mutex.Lock()
	locked := l.state != selUnlocked
	l.mutex.Unlock()

	if locked {
		return kern.ErrPermission
	}
	return nil
}
