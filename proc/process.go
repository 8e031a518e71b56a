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

// Package proc implements the process model: address space ownership, the
// I/O channel descriptor table, parent/child tracking and the termination
// protocol with tombstones.
package proc

import (
	"sync/atomic"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
	"github.com/serenaos/kernel/logger"
	"github.com/serenaos/kernel/mem"
	"github.com/serenaos/kernel/platform"
)

const (
	// RootPID is the PID of the root process.
	RootPID = 1

	// initialDescTableSize and descTableIncrement size the I/O channel
	// descriptor table.
	initialDescTableSize = 64
	descTableIncrement   = 64

	// childProcCapacity bounds the number of live children per process.
	childProcCapacity = 64
)

// A Tombstone records a terminated child's exit status until the parent
// consumes it with WaitForTerminationOfChild.
type Tombstone struct {
	PID    int
	Status int
}

// TerminationStatus is the result of waiting for a child.
type TerminationStatus struct {
	PID    int
	Status int
}

// A Process owns an address space, a descriptor table, its children's PIDs
// and the tombstones of terminated children. Its VPs are owned indirectly
// through the main dispatch queue.
type Process struct {
	mgr *Manager

	pid  int
	ppid int

	lock *dispatcher.Mutex

	mainQueue    *DispatchQueue
	addressSpace *mem.AddressSpace

	// Process image.
	imageBase     mem.Ptr
	argumentsBase mem.Ptr

	// Termination. isTerminating is monotonic: false -> true. collecting
	// is set while doTerminate reaps the children; tombstones are still
	// accepted then, refused otherwise once termination has started.
	isTerminating int32 // atomic
	collecting    int32 // atomic
	exitCode      int

	// GUARDED_BY(lock)
	ioChannels []*kio.Channel
	ioCount    int

	// GUARDED_BY(lock)
	childPids [childProcCapacity]int

	// GUARDED_BY(lock)
	tombstones  []*Tombstone
	tombstoneCV *dispatcher.ConditionVariable
}

// newProcess allocates a process with its address space, main dispatch
// queue and initial descriptor table.
func newProcess(mgr *Manager, ppid int) *Process {
	p := &Process{
		mgr:         mgr,
		pid:         mgr.nextPID(),
		ppid:        ppid,
		lock:        dispatcher.NewMutex(),
		ioChannels:  make([]*kio.Channel, initialDescTableSize),
		tombstoneCV: dispatcher.NewConditionVariable(),
	}
	p.addressSpace = mem.NewAddressSpace(mgr.allocator)
	p.mainQueue = NewDispatchQueue(mgr.sched, p, 1, dispatcher.PriorityNormal)

	return p
}

// PID returns the process ID. Constant over the process lifetime.
func (p *Process) PID() int {
	return p.pid
}

// PPID returns the parent's PID at creation time.
func (p *Process) PPID() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.ppid
}

// IsRoot returns true for the root process.
func (p *Process) IsRoot() bool {
	return p.pid == RootPID
}

// IsTerminating returns true once termination has been triggered.
func (p *Process) IsTerminating() bool {
	return atomic.LoadInt32(&p.isTerminating) != 0
}

// MainDispatchQueue returns the process's main dispatch queue.
func (p *Process) MainDispatchQueue() *DispatchQueue {
	return p.mainQueue
}

// AddressSpace returns the process address space.
func (p *Process) AddressSpace() *mem.AddressSpace {
	return p.addressSpace
}

// ArgumentsBase returns the base address of the process arguments area in
// the process address space.
func (p *Process) ArgumentsBase() mem.Ptr {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.argumentsBase
}

// ImageBase returns the base address of the loaded executable image.
func (p *Process) ImageBase() mem.Ptr {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.imageBase
}

// AllocateAddressSpace allocates user memory owned by the process.
func (p *Process) AllocateAddressSpace(nbytes int) (mem.Ptr, error) {
	return p.addressSpace.Allocate(nbytes)
}

// DispatchAsyncUser schedules a user closure on the main dispatch queue.
func (p *Process) DispatchAsyncUser(fn func()) error {
	return p.mainQueue.DispatchAsyncUser(fn)
}

////////////////////////////////////////////////////////////////////////
// Children and tombstones
////////////////////////////////////////////////////////////////////////

// adoptChildLocked records a child PID. Overflowing the bounded child
// table is fatal.
func (p *Process) adoptChildLocked(childPid int) {
	for i := range p.childPids {
		if p.childPids[i] == 0 {
			p.childPids[i] = childPid
			return
		}
	}
	platform.Fatalf("process %d: child table overflow", p.pid)
}

func (p *Process) abandonChildLocked(childPid int) {
	for i := range p.childPids {
		if p.childPids[i] == childPid {
			p.childPids[i] = 0
			return
		}
	}
}

// anyChildPid returns the PID of any live child, or 0. Used by the
// termination path, which keeps terminating children until none are left.
func (p *Process) anyChildPid() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, pid := range p.childPids {
		if pid > 0 {
			return pid
		}
	}
	return 0
}

// OnChildDidTerminate records a tombstone for the terminated child and
// wakes waiters. Returns kern.ErrSearchFailure if the receiver is itself
// terminating and is not collecting its children's tombstones, so that the
// child can escalate elsewhere.
func (p *Process) OnChildDidTerminate(childPid, exitCode int) error {
	if p.IsTerminating() && atomic.LoadInt32(&p.collecting) == 0 {
		return kern.ErrSearchFailure
	}

	p.lock.Lock()
	p.abandonChildLocked(childPid)
	p.tombstones = append(p.tombstones, &Tombstone{PID: childPid, Status: exitCode})
	p.tombstoneCV.BroadcastAndUnlock(p.lock)

	return nil
}

// WaitForTerminationOfChild blocks until the child with the given PID, or
// any child for pid == -1, has terminated, and returns its status. Returns
// kern.ErrNoChild when no matching child or tombstone exists.
func (p *Process) WaitForTerminationOfChild(pid int) (TerminationStatus, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if pid == -1 && len(p.tombstones) == 0 {
		hasChild := false
		for _, cp := range p.childPids {
			if cp > 0 {
				hasChild = true
				break
			}
		}
		if !hasChild {
			return TerminationStatus{}, kern.ErrNoChild
		}
	}

	for {
		idx := -1
		if pid == -1 {
			if len(p.tombstones) > 0 {
				idx = 0
			}
		} else {
			for i, ts := range p.tombstones {
				if ts.PID == pid {
					idx = i
					break
				}
			}
			if idx < 0 {
				// Not dead yet, or not our child at all.
				known := false
				for _, cp := range p.childPids {
					if cp == pid {
						known = true
						break
					}
				}
				if !known {
					return TerminationStatus{}, kern.ErrNoChild
				}
			}
		}

		if idx >= 0 {
			ts := p.tombstones[idx]
			p.tombstones = append(p.tombstones[:idx], p.tombstones[idx+1:]...)
			return TerminationStatus{PID: ts.PID, Status: ts.Status}, nil
		}

		if err := p.tombstoneCV.Wait(p.lock, platform.TimeInfinity); err != nil {
			return TerminationStatus{}, err
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Termination
////////////////////////////////////////////////////////////////////////

// Terminate triggers the termination of the process, voluntarily or from
// another process. Only the exit code of the first call is kept; the
// actual teardown runs asynchronously on the kernel dispatch queue.
// Terminating the root process is fatal.
func (p *Process) Terminate(exitCode int) {
	if p.IsRoot() {
		platform.Fatalf("attempt to terminate the root process")
	}

	if !atomic.CompareAndSwapInt32(&p.isTerminating, 0, 1) {
		return
	}

	p.exitCode = exitCode

	if err := p.mgr.kernelQueue.DispatchAsync(p.doTerminate); err != nil {
		platform.Fatalf("process %d: cannot schedule termination: %v", p.pid, err)
	}
}

// doTerminate runs on the kernel dispatch queue.
//
// All VPs belonging to the process execute user callouts; terminating the
// main dispatch queue aborts them. A VP inside a system call completes the
// call, with every interruptible wait failing, and unwinds. Only then are
// the children terminated, the tombstone delivered and the process
// resources torn down; no system call can still reference the process at
// that point.
func (p *Process) doTerminate() {
	atomic.StoreInt32(&p.collecting, 1)

	p.mainQueue.Terminate()
	p.mainQueue.WaitForTerminationCompleted()

	// Terminate all children and consume their tombstones. A child may be
	// terminating itself concurrently; the loop tolerates both orders.
	for {
		pid := p.anyChildPid()
		if pid <= 0 {
			break
		}

		child := p.mgr.ProcessForPID(pid)
		if child == nil {
			p.lock.Lock()
			p.abandonChildLocked(pid)
			p.lock.Unlock()
			continue
		}

		child.Terminate(0)
		if _, err := p.WaitForTerminationOfChild(-1); err != nil {
			break
		}
	}

	atomic.StoreInt32(&p.collecting, 0)

	// Deliver our tombstone to the parent. A terminating parent refuses;
	// handing the tombstone to the session leader instead remains future
	// work.
	if !p.IsRoot() {
		if parent := p.mgr.ProcessForPID(p.ppid); parent != nil {
			if err := parent.OnChildDidTerminate(p.pid, p.exitCode); err != nil {
				logger.Debugf("process %d: parent %d is terminating, tombstone dropped", p.pid, p.ppid)
			}
		}
	}

	p.mgr.unregister(p)

	p.closeAllChannels()
	p.addressSpace.Destroy()

	logger.Infof("process %d terminated with status %d", p.pid, p.exitCode)
}
