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

import "sync"

// reuseCacheCapacity bounds the number of relinquished VPs kept around for
// reuse. A VP that exits while the cache is full terminates for good and is
// destroyed by the boot VP.
const reuseCacheCapacity = 16

// AcquireParams describes the configuration of a VP acquired from the pool.
type AcquireParams struct {
	Func            func()
	KernelStackSize int
	UserStackSize   int
	Priority        int
}

// A Pool hands out virtual processors and caches relinquished ones for
// reuse. The pool lock is a host mutex rather than a kernel mutex: the
// critical sections never block and Acquire must work before the first VP
// exists.
type Pool struct {
	sched *Scheduler

	mtx        sync.Mutex
	reuseFirst *VirtualProcessor // reuse queue, linked through the owner entry
	reuseCount int
	capacity   int
}

func newPool(s *Scheduler) *Pool {
	return &Pool{
		sched:    s,
		capacity: reuseCacheCapacity,
	}
}

// Acquire returns a virtual processor configured with the given closure and
// priority. A cached VP is reused when one is available; otherwise a fresh
// VP is created. The VP is suspended; the caller starts it with Resume.
func (p *Pool) Acquire(params AcquireParams) (*VirtualProcessor, error) {
	s := p.sched

	var vp *VirtualProcessor

	p.mtx.Lock()
	for cur := p.reuseFirst; cur != nil; cur = cur.ownerNext {
		// The VP may still be on its way into suspension; see relinquish.
		if cur.IsSuspended() {
			vp = cur
			break
		}
	}
	if vp != nil {
		p.removeReuseLocked(vp)
	}
	p.mtx.Unlock()

	if vp == nil {
		s.mu.Lock()
		vp = s.newVPLocked(params.Priority)
		vp.suspensionCount = 1
		s.mu.Unlock()
		go vp.main()
	}

	kernelStackSize := params.KernelStackSize
	if kernelStackSize == 0 {
		kernelStackSize = DefaultKernelStackSize
	}
	if err := vp.SetClosure(Closure{
		Func:            params.Func,
		KernelStackSize: kernelStackSize,
		UserStackSize:   params.UserStackSize,
	}); err != nil {
		return nil, err
	}

	vp.SetPriority(params.Priority)

	s.mu.Lock()
	vp.lifecycleState = LifecycleAcquired
	s.mu.Unlock()

	return vp, nil
}

func (p *Pool) removeReuseLocked(vp *VirtualProcessor) {
	if vp.ownerPrev != nil {
		vp.ownerPrev.ownerNext = vp.ownerNext
	} else {
		p.reuseFirst = vp.ownerNext
	}
	if vp.ownerNext != nil {
		vp.ownerNext.ownerPrev = vp.ownerPrev
	}
	vp.ownerNext = nil
	vp.ownerPrev = nil
	p.reuseCount--
}

// CachedCount returns the number of VPs sitting in the reuse cache.
func (p *Pool) CachedCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.reuseCount
}

// relinquish is called by a VP whose closure has returned. If the reuse
// cache has room the VP is reset and suspended for reuse and relinquish
// returns false; the caller parks until the pool hands the VP out again.
// Otherwise the VP is placed on the finalizer queue and relinquish returns
// true; the caller's goroutine must exit.
func (p *Pool) relinquish(vp *VirtualProcessor) bool {
	s := p.sched

	vp.SetDispatchQueue(nil, -1)

	doReuse := false
	p.mtx.Lock()
	if p.reuseCount < p.capacity {
		vp.ownerNext = p.reuseFirst
		vp.ownerPrev = nil
		if p.reuseFirst != nil {
			p.reuseFirst.ownerPrev = vp
		}
		p.reuseFirst = vp
		p.reuseCount++
		doReuse = true
	}
	p.mtx.Unlock()

	if !doReuse {
		s.terminate(vp)
		return true
	}

	s.mu.Lock()
	vp.closure = nil
	vp.pendingSignals = 0
	vp.signalMask = 0
	vp.inUserCallout = false
	vp.abortRequested = false
	vp.lifecycleState = LifecycleRelinquished
	vp.suspensionCount = 1
	vp.schedState = SchedReady
	s.switchToLocked(vp, s.highestPriorityReadyLocked(), false)
	s.mu.Unlock()

	return false
}
