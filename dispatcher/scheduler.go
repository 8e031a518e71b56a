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
	"sync"
	"sync/atomic"
	"time"

	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/logger"
	"github.com/serenaos/kernel/platform"
)

const popByteCount = (PriorityCount + 7) / 8

// finalizeNowThreshold is the finalizer queue length past which the boot VP
// is woken early instead of at its regular 1s cadence.
const finalizeNowThreshold = 4

// SCHEDULING MODEL
//
// Single CPU. The CPU is a token handed from VP to VP through the per-VP
// gate channel: a VP goroutine executes only between receiving the token and
// passing it on. All scheduler state is protected by the preemption section
// (mu), the software stand-in for the hardware interrupt disable. Code that
// runs in interrupt context (the quantum timer, semaphore releases from IRQ
// handlers) takes mu directly, never blocks and never context switches; it
// only marks VPs ready and latches a switch request that the running VP
// honors at its next preemption-restore or yield point.
type Scheduler struct {
	mu sync.Mutex // the preemption section

	clock *platform.MonotonicClock

	// The ready queue: one FIFO per priority plus a population bitmap. The
	// highest populated priority is found by scanning the bitmap from the
	// top.
	//
	// INVARIANT: populated[i>>3] bit (i&7) is set iff ready[i] is non-empty.
	ready     [PriorityCount]vpList
	populated [popByteCount]uint8

	running  *VirtualProcessor
	idleVP   *VirtualProcessor
	bootVP   *VirtualProcessor
	idleWake chan struct{}

	// The timeout queue, ordered by ascending deadline. Entries are the
	// timeout records embedded in the waiting VPs.
	timeoutHead *VirtualProcessor
	timeoutTail *VirtualProcessor

	// VPs which block in a Delay call wait here.
	sleepQueue WaitQueue

	// The boot VP waits here for finalization work.
	schedulerWaitQueue WaitQueue

	// Dead VPs awaiting destruction by the boot VP.
	finalizerQueue vpList
	finalizerCount int

	quantumsPerQuarterSecond platform.Quantums

	// Latched request for a context switch, set from interrupt context and
	// honored at the next yield point of the running VP.
	cswPending bool

	// Voluntary context switches are enabled after boot and briefly
	// disabled around condition variable hand-offs.
	voluntaryCSWEnabled bool
	cooperationDisabled int

	nextVPID int32

	pool *Pool
}

var gScheduler *Scheduler

// Current returns the scheduler that was installed by Init.
func Current() *Scheduler {
	return gScheduler
}

// Init creates the scheduler together with its boot and idle virtual
// processors, installs it as the process-wide scheduler and hands the CPU to
// the boot VP, which runs bootFunc and then takes over finalizer duties.
// Init returns immediately; the kernel proper runs on the boot VP.
func Init(clock *platform.MonotonicClock, bootFunc func()) *Scheduler {
	s := NewScheduler(clock)
	gScheduler = s
	s.Start(bootFunc)
	return s
}

// NewScheduler creates a scheduler without starting it. Outside of tests,
// use Init.
func NewScheduler(clock *platform.MonotonicClock) *Scheduler {
	s := &Scheduler{
		clock:    clock,
		idleWake: make(chan struct{}, 1),
	}
	s.quantumsPerQuarterSecond = platform.QuantumsFromDuration(250 * time.Millisecond)
	s.pool = newPool(s)
	return s
}

// Pool returns the VP pool owned by the scheduler.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// Clock returns the monotonic clock the scheduler runs on.
func (s *Scheduler) Clock() *platform.MonotonicClock {
	return s.clock
}

// Start brings the scheduler to life: the boot VP (highest priority) runs
// bootFunc followed by the finalizer loop, the idle VP (lowest priority)
// runs whenever nothing else is ready.
func (s *Scheduler) Start(bootFunc func()) {
	s.mu.Lock()

	s.bootVP = s.newVPLocked(PriorityHighest)
	s.bootVP.closure = func() {
		if bootFunc != nil {
			bootFunc()
		}
		s.run()
	}
	s.bootVP.lifecycleState = LifecycleAcquired

	s.idleVP = s.newVPLocked(PriorityLowest)
	s.idleVP.closure = func() { s.idleLoop() }
	s.idleVP.lifecycleState = LifecycleAcquired

	s.voluntaryCSWEnabled = true

	// Idle starts out ready; boot takes the CPU.
	s.addReadyLocked(s.idleVP, s.idleVP.priority)
	s.running = s.bootVP
	s.bootVP.schedState = SchedRunning
	s.bootVP.quantumAllowance = QuantumAllowanceForPriority(s.bootVP.priority)
	s.mu.Unlock()

	go s.bootVP.main()
	go s.idleVP.main()

	// Incipient context switch: hand the machine-reset context to the boot
	// VP.
	s.bootVP.gate <- struct{}{}
}

// newVPLocked allocates a VP with the next VPID and its parked goroutine not
// yet started.
func (s *Scheduler) newVPLocked(priority int) *VirtualProcessor {
	vp := &VirtualProcessor{
		vpid:              atomic.AddInt32(&s.nextVPID, 1),
		gate:              make(chan struct{}, 1),
		priority:          priority,
		effectivePriority: priority,
		schedState:        SchedReady,
		sched:             s,
		pool:              s.pool,
	}
	vp.kernelStack.Size = DefaultKernelStackSize
	return vp
}

// RunningVP returns the VP that is currently executing the caller.
func (s *Scheduler) RunningVP() *VirtualProcessor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// CurrentVPID returns the VPID of the running VP.
func (s *Scheduler) CurrentVPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == nil {
		return 0
	}
	return int(s.running.vpid)
}

////////////////////////////////////////////////////////////////////////
// Ready queue
////////////////////////////////////////////////////////////////////////

// addReadyLocked adds the VP to the ready queue with the given effective
// priority and resets its quantum allowance accordingly.
func (s *Scheduler) addReadyLocked(vp *VirtualProcessor, effectivePriority int) {
	if vp.rewaNext != nil || vp.rewaPrev != nil {
		platform.Fatalf("vp %d is already on a queue", vp.vpid)
	}
	if vp.suspensionCount != 0 {
		platform.Fatalf("vp %d is suspended", vp.vpid)
	}

	vp.schedState = SchedReady
	vp.effectivePriority = effectivePriority
	vp.quantumAllowance = QuantumAllowanceForPriority(effectivePriority)
	vp.waitStartTime = s.clock.CurrentQuantums()

	s.ready[effectivePriority].insertAfterLast(vp)
	s.populated[effectivePriority>>3] |= 1 << (effectivePriority & 7)

	// Let the idle VP know that there is work again.
	if s.running == s.idleVP {
		select {
		case s.idleWake <- struct{}{}:
		default:
		}
	}
}

// removeReadyLocked takes the VP off the ready queue.
func (s *Scheduler) removeReadyLocked(vp *VirtualProcessor) {
	pri := vp.effectivePriority

	s.ready[pri].remove(vp)
	if s.ready[pri].first == nil {
		s.populated[pri>>3] &^= 1 << (pri & 7)
	}
}

// highestPriorityReadyLocked returns the best VP to run next, or nil if the
// ready queue is empty. Ties are broken FIFO within a priority.
func (s *Scheduler) highestPriorityReadyLocked() *VirtualProcessor {
	for byteIdx := popByteCount - 1; byteIdx >= 0; byteIdx-- {
		popByte := s.populated[byteIdx]
		if popByte == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if popByte&(1<<bit) != 0 {
				return s.ready[(byteIdx<<3)+bit].first
			}
		}
	}

	return nil
}

// AddVirtualProcessor makes the VP eligible for running at its base
// priority.
func (s *Scheduler) AddVirtualProcessor(vp *VirtualProcessor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addReadyLocked(vp, vp.priority)
}

////////////////////////////////////////////////////////////////////////
// Context switching
////////////////////////////////////////////////////////////////////////

// switchToLocked hands the CPU from cur to next. next must be on the ready
// queue. cur must already have been placed wherever it belongs (ready queue,
// wait queue, finalizer queue, or nowhere when suspended). With park set the
// calling VP blocks until it is scheduled again; the preemption section is
// released while parked and held again on return.
func (s *Scheduler) switchToLocked(cur, next *VirtualProcessor, park bool) {
	if next == nil {
		platform.Fatalf("no runnable virtual processor")
	}

	s.removeReadyLocked(next)
	next.schedState = SchedRunning
	s.running = next
	next.gate <- struct{}{}

	if park {
		s.mu.Unlock()
		<-cur.gate
		s.mu.Lock()
	}
}

// maybeSwitchToLocked context switches to vp if it is the best ready VP and
// at least as important as the running VP. This is a voluntary switch; it
// only happens when cooperation is enabled.
func (s *Scheduler) maybeSwitchToLocked(vp *VirtualProcessor) {
	if vp.schedState != SchedReady || vp.suspensionCount != 0 {
		return
	}
	if !s.voluntaryCSWEnabled || s.cooperationDisabled > 0 {
		return
	}

	best := s.highestPriorityReadyLocked()
	if best != vp || vp.effectivePriority < s.running.effectivePriority {
		return
	}

	cur := s.running
	s.addReadyLocked(cur, cur.priority)
	s.switchToLocked(cur, vp, true)
}

// checkPreemptLocked honors a switch request latched by interrupt context.
// Called at preemption-restore and yield points of the running VP.
func (s *Scheduler) checkPreemptLocked() {
	if !s.cswPending {
		return
	}
	s.cswPending = false

	if !s.voluntaryCSWEnabled || s.cooperationDisabled > 0 {
		return
	}

	cur := s.running
	best := s.highestPriorityReadyLocked()
	if best == nil || best.effectivePriority <= cur.effectivePriority {
		return
	}

	s.addReadyLocked(cur, cur.priority)
	s.switchToLocked(cur, best, true)
}

// DisablePreemption enters the preemption section and returns a token for
// RestorePreemption.
func (s *Scheduler) DisablePreemption() bool {
	s.mu.Lock()
	return true
}

// RestorePreemption leaves the preemption section if the token says it was
// entered. Any switch request that arrived from interrupt context in the
// meantime is honored here.
func (s *Scheduler) RestorePreemption(token bool) {
	if !token {
		return
	}
	s.checkPreemptLocked()
	s.mu.Unlock()
}

// DisableCooperation suppresses voluntary context switches until
// RestoreCooperation. Returns the nesting token.
func (s *Scheduler) DisableCooperation() int {
	s.cooperationDisabled++
	return s.cooperationDisabled - 1
}

// RestoreCooperation restores the cooperation state saved in token.
func (s *Scheduler) RestoreCooperation(token int) {
	s.cooperationDisabled = token
}

// Yield gives up the remainder of the current quantum. The running VP moves
// to the tail of its base-priority bucket and the best ready VP runs.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.running
	s.addReadyLocked(cur, cur.priority)

	next := s.highestPriorityReadyLocked()
	if next == cur {
		s.removeReadyLocked(cur)
		cur.schedState = SchedRunning
		return
	}

	s.switchToLocked(cur, next, true)
}

////////////////////////////////////////////////////////////////////////
// Timeouts
////////////////////////////////////////////////////////////////////////

// armTimeoutLocked inserts the VP into the timeout queue, sorted by
// ascending deadline.
func (s *Scheduler) armTimeoutLocked(vp *VirtualProcessor, deadline platform.Quantums) {
	vp.timeoutDeadline = deadline
	vp.timeoutValid = true

	var prev *VirtualProcessor
	cur := s.timeoutHead
	for cur != nil && cur.timeoutDeadline <= deadline {
		prev = cur
		cur = cur.timeoutNext
	}

	vp.timeoutPrev = prev
	vp.timeoutNext = cur
	if prev != nil {
		prev.timeoutNext = vp
	} else {
		s.timeoutHead = vp
	}
	if cur != nil {
		cur.timeoutPrev = vp
	} else {
		s.timeoutTail = vp
	}
}

// cancelTimeoutLocked removes the VP from the timeout queue if it has a
// timeout armed.
func (s *Scheduler) cancelTimeoutLocked(vp *VirtualProcessor) {
	if !vp.timeoutValid {
		return
	}

	if vp.timeoutPrev != nil {
		vp.timeoutPrev.timeoutNext = vp.timeoutNext
	} else {
		s.timeoutHead = vp.timeoutNext
	}
	if vp.timeoutNext != nil {
		vp.timeoutNext.timeoutPrev = vp.timeoutPrev
	} else {
		s.timeoutTail = vp.timeoutPrev
	}

	vp.timeoutNext = nil
	vp.timeoutPrev = nil
	vp.timeoutDeadline = platform.QuantumsInfinity
	vp.timeoutValid = false
}

////////////////////////////////////////////////////////////////////////
// End of quantum
////////////////////////////////////////////////////////////////////////

// OnEndOfQuantum is invoked by the quantum timer interrupt. It wakes expired
// timed waits, charges the running VP for the elapsed quantum and, once the
// allowance is used up, demotes the VP by one priority and requests a switch
// if a strictly better VP is ready. Safe to call from interrupt context.
func (s *Scheduler) OnEndOfQuantum() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First move every VP whose deadline has passed back to the ready
	// queue.
	now := s.clock.CurrentQuantums()
	for s.timeoutHead != nil && s.timeoutHead.timeoutDeadline <= now {
		vp := s.timeoutHead
		s.wakeOneLocked(vp.waitingOn, vp, WakeupReasonTimeout, false)
	}

	cur := s.running
	if cur == nil {
		return
	}

	// Charge the running VP.
	cur.quantumAllowance--
	if cur.quantumAllowance > 0 {
		return
	}

	// The time slice has expired. Demote the VP and check whether a more
	// important VP is ready.
	cur.effectivePriority = cur.effectivePriority - 1
	if cur.effectivePriority < PriorityLowest {
		cur.effectivePriority = PriorityLowest
	}
	cur.quantumAllowance = QuantumAllowanceForPriority(cur.effectivePriority)

	best := s.highestPriorityReadyLocked()
	if best == nil || best.effectivePriority <= cur.effectivePriority {
		return
	}

	// Interrupt context cannot take the CPU away; latch the request for
	// the running VP's next yield point.
	s.cswPending = true
}

////////////////////////////////////////////////////////////////////////
// Idle and boot VPs
////////////////////////////////////////////////////////////////////////

// idleLoop is the body of the idle VP: sleep until an interrupt makes some
// other VP ready, then hand the CPU over.
func (s *Scheduler) idleLoop() {
	for {
		s.mu.Lock()
		if best := s.highestPriorityReadyLocked(); best != nil && best != s.idleVP {
			cur := s.idleVP
			s.addReadyLocked(cur, cur.priority)
			s.switchToLocked(cur, best, true)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		// cpu_sleep: wait for an interrupt.
		<-s.idleWake
	}
}

// run is the boot VP's steady state: wake up at least once a second, or
// early when the finalizer queue grows past the threshold, and destroy the
// VPs that have terminated.
func (s *Scheduler) run() {
	for {
		s.mu.Lock()

		for s.finalizerQueue.first == nil {
			deadline := s.clock.Now().Add(time.Second)
			s.waitOnLocked(&s.schedulerWaitQueue, deadline, true)
		}

		var dead []*VirtualProcessor
		for vp := s.finalizerQueue.first; vp != nil; {
			next := vp.rewaNext
			vp.rewaNext = nil
			vp.rewaPrev = nil
			dead = append(dead, vp)
			vp = next
		}
		s.finalizerQueue = vpList{}
		s.finalizerCount = 0

		s.mu.Unlock()

		for _, vp := range dead {
			logger.Tracef("finalized vp %d", vp.ID())
		}
	}
}

// terminate puts the calling VP on the finalizer queue and hands the CPU
// off for good. The caller's goroutine must exit right after. If the
// finalizer queue has grown past the threshold and the boot VP is waiting
// for work, it is woken early.
func (s *Scheduler) terminate(vp *VirtualProcessor) {
	s.mu.Lock()

	vp.lifecycleState = LifecycleTerminating
	s.finalizerQueue.insertAfterLast(vp)
	s.finalizerCount++

	if s.finalizerCount > finalizeNowThreshold && s.schedulerWaitQueue.first != nil {
		s.wakeOneLocked(&s.schedulerWaitQueue, s.bootVP, WakeupReasonInterrupted, false)
	}

	s.switchToLocked(vp, s.highestPriorityReadyLocked(), false)
	s.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Waiting and waking
////////////////////////////////////////////////////////////////////////

// WaitOn blocks the calling VP on the wait queue until it is woken or the
// deadline passes. Use platform.TimeInfinity for no deadline. Returns nil,
// kern.ErrTimedOut or kern.ErrInterrupted depending on the wake-up reason.
func (s *Scheduler) WaitOn(q *WaitQueue, deadline time.Time, interruptible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waitOnLocked(q, deadline, interruptible)
}

// waitOnLocked implements WaitOn with the preemption section held. The
// section is released while the VP is parked and held again on return.
func (s *Scheduler) waitOnLocked(q *WaitQueue, deadline time.Time, interruptible bool) error {
	vp := s.running

	if vp.rewaNext != nil || vp.rewaPrev != nil {
		platform.Fatalf("vp %d entered a wait while on a queue", vp.vpid)
	}

	// Refuse to enter a new interruptible wait while an abort of a
	// call-as-user invocation is in progress. Non-interruptible waits
	// (kernel-internal locks) proceed; they ignore the abort the same way
	// they ignore interrupt wake-ups.
	if interruptible && vp.inUserCallout && vp.abortRequested {
		return kern.ErrInterrupted
	}

	// Arm the timeout; return immediately if the deadline has already
	// passed.
	if deadline.Before(platform.TimeInfinity) {
		if !deadline.After(s.clock.Now()) {
			return kern.ErrTimedOut
		}
		s.armTimeoutLocked(vp, s.clock.QuantumsFromTime(deadline))
	}

	// Enter the wait queue, sorted by effective priority from highest to
	// lowest; equal priorities leave in arrival order.
	q.insertByPriority(vp)

	vp.schedState = SchedWaiting
	vp.waitingOn = q
	vp.waitStartTime = s.clock.CurrentQuantums()
	vp.wakeupReason = WakeupReasonNone
	vp.interruptible = interruptible

	s.switchToLocked(vp, s.highestPriorityReadyLocked(), true)

	switch vp.wakeupReason {
	case WakeupReasonInterrupted:
		return kern.ErrInterrupted
	case WakeupReasonTimeout:
		return kern.ErrTimedOut
	default:
		return nil
	}
}

// wakeOneLocked moves vp from the wait queue to the ready queue. Does
// nothing if the VP is not waiting, or if the reason is Interrupted and the
// VP sits in a non-interruptible wait. A VP that was suspended while waiting
// is only marked ready; Resume enqueues it. With allowCSW set (task context
// only) the woken VP may take the CPU right away if it is more important.
func (s *Scheduler) wakeOneLocked(q *WaitQueue, vp *VirtualProcessor, reason WakeupReason, allowCSW bool) {
	if vp.schedState != SchedWaiting {
		return
	}
	if reason == WakeupReasonInterrupted && !vp.interruptible {
		return
	}

	q.remove(vp)
	s.cancelTimeoutLocked(vp)

	vp.waitingOn = nil
	vp.wakeupReason = reason
	vp.interruptible = false

	if vp.suspensionCount == 0 {
		// Boost the effective priority in proportion to the time the VP
		// spent waiting.
		quartersWaited := int((s.clock.CurrentQuantums() - vp.waitStartTime) / s.quantumsPerQuarterSecond)
		boost := quartersWaited
		if boost > PriorityHighest {
			boost = PriorityHighest
		}
		pri := vp.effectivePriority + boost
		if pri > PriorityHighest {
			pri = PriorityHighest
		}

		s.addReadyLocked(vp, pri)

		if allowCSW {
			s.maybeSwitchToLocked(vp)
		}
	} else {
		vp.schedState = SchedReady
	}
}

// WakeOne wakes the first eligible waiter of the queue. Task context only.
func (s *Scheduler) WakeOne(q *WaitQueue, reason WakeupReason, allowCSW bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vp := q.first; vp != nil {
		s.wakeOneLocked(q, vp, reason, allowCSW)
	}
}

// wakeSomeLocked wakes up to count waiters. Only one of them can take the
// CPU right away (single CPU); the candidate is the first woken VP that
// ended up runnable.
func (s *Scheduler) wakeSomeLocked(q *WaitQueue, count int, reason WakeupReason, allowCSW bool) {
	var runCandidate *VirtualProcessor

	vp := q.first
	for i := 0; vp != nil && i < count; i++ {
		next := vp.rewaNext
		s.wakeOneLocked(q, vp, reason, false)
		if runCandidate == nil && vp.schedState == SchedReady && vp.suspensionCount == 0 {
			runCandidate = vp
		}
		vp = next
	}

	if allowCSW && runCandidate != nil {
		s.maybeSwitchToLocked(runCandidate)
	}
}

// WakeSome wakes up to count waiters of the queue. Task context only.
func (s *Scheduler) WakeSome(q *WaitQueue, count int, reason WakeupReason, allowCSW bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wakeSomeLocked(q, count, reason, allowCSW)
}

// WakeAllFromInterruptContext makes every waiter of the queue ready without
// context switching. Safe to call from interrupt context; the switch happens
// at the running VP's next yield point.
func (s *Scheduler) WakeAllFromInterruptContext(q *WaitQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for vp := q.first; vp != nil; {
		next := vp.rewaNext
		s.wakeOneLocked(q, vp, WakeupReasonFinished, false)
		vp = next
	}
}
