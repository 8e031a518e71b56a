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

package dispatcher_test

import (
	"testing"
	"time"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spawn starts fn on a fresh VP at the given priority and returns the VP.
func spawn(t *testing.T, k *dispatchertest.Kernel, priority int, fn func()) *dispatcher.VirtualProcessor {
	t.Helper()

	vp, err := k.Scheduler.Pool().Acquire(dispatcher.AcquireParams{
		Func:     fn,
		Priority: priority,
	})
	require.NoError(t, err)
	vp.Resume(false)
	return vp
}

func TestWaitOnTimeout(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler
		var q dispatcher.WaitQueue

		start := k.Clock.Now()
		deadline := start.Add(100 * time.Millisecond)
		err := s.WaitOn(&q, deadline, true)

		assert.ErrorIs(t, err, kern.ErrTimedOut)
		assert.False(t, k.Clock.Now().Before(deadline))
	})
}

func TestWaitOnExpiredDeadline(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler
		var q dispatcher.WaitQueue

		err := s.WaitOn(&q, k.Clock.Now().Add(-time.Second), true)
		assert.ErrorIs(t, err, kern.ErrTimedOut)
	})
}

func TestWaitQueueFIFOWithinPriority(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler
		sem := dispatcher.NewSemaphore(0)

		var order []int
		mu := dispatcher.NewMutex()

		const workers = 4
		done := dispatcher.NewSemaphore(0)
		for i := 0; i < workers; i++ {
			i := i
			spawn(t, k, dispatcher.PriorityNormal, func() {
				if err := sem.Acquire(1, platform.TimeInfinity); err == nil {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
				}
				done.Release(1)
			})
			// Let the worker run up to its wait before starting the next
			// one, so that queue order matches spawn order.
			s.DelayMS(30)
		}

		for i := 0; i < workers; i++ {
			sem.Release(1)
			s.DelayMS(30)
		}
		for i := 0; i < workers; i++ {
			require.NoError(t, done.Acquire(1, k.Clock.Now().Add(5*time.Second)))
		}

		assert.Equal(t, []int{0, 1, 2, 3}, order)
	})
}

func TestWakeOneInterruptedLeavesNonInterruptibleWaiters(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler
		mu := dispatcher.NewMutex()

		// A worker blocked on a kernel mutex sits in a non-interruptible
		// wait; an Interrupted wake-up must not disturb it.
		mu.Lock()

		entered := dispatcher.NewSemaphore(0)
		released := dispatcher.NewSemaphore(0)
		vp := spawn(t, k, dispatcher.PriorityNormal, func() {
			entered.Release(1)
			mu.Lock()
			mu.Unlock()
			released.Release(1)
		})

		require.NoError(t, entered.Acquire(1, k.Clock.Now().Add(5*time.Second)))
		s.DelayMS(50)

		vp.Signal(0x1)
		s.DelayMS(50)

		// Still blocked: the release semaphore has no permit yet.
		assert.ErrorIs(t, released.TryAcquire(1), kern.ErrBusy)

		mu.Unlock()
		require.NoError(t, released.Acquire(1, k.Clock.Now().Add(5*time.Second)))
	})
}

func TestYieldRoundRobin(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler

		var trace []int
		mu := dispatcher.NewMutex()
		record := func(id int) {
			mu.Lock()
			trace = append(trace, id)
			mu.Unlock()
		}

		done := dispatcher.NewSemaphore(0)
		for i := 1; i <= 2; i++ {
			i := i
			spawn(t, k, dispatcher.PriorityNormal, func() {
				for n := 0; n < 3; n++ {
					record(i)
					s.Yield()
				}
				done.Release(1)
			})
		}

		require.NoError(t, done.Acquire(2, k.Clock.Now().Add(5*time.Second)))

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, trace, 6)
		assert.ElementsMatch(t, []int{1, 1, 1, 2, 2, 2}, trace)
	})
}

func TestSuspendResume(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler

		progressed := dispatcher.NewSemaphore(0)
		release := dispatcher.NewSemaphore(0)
		vp := spawn(t, k, dispatcher.PriorityNormal, func() {
			progressed.Release(1)
			if err := release.Acquire(1, platform.TimeInfinity); err != nil {
				return
			}
			progressed.Release(1)
		})

		require.NoError(t, progressed.Acquire(1, k.Clock.Now().Add(5*time.Second)))

		// Nested suspension: one resume is not enough.
		require.NoError(t, vp.Suspend())
		require.NoError(t, vp.Suspend())
		assert.True(t, vp.IsSuspended())

		release.Release(1)
		s.DelayMS(50)
		assert.ErrorIs(t, progressed.TryAcquire(1), kern.ErrBusy)

		vp.Resume(false)
		assert.True(t, vp.IsSuspended())
		vp.Resume(false)
		require.NoError(t, progressed.Acquire(1, k.Clock.Now().Add(5*time.Second)))
	})
}

func TestDelaySleeps(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		start := k.Clock.Now()
		k.Scheduler.DelayMS(80)
		assert.GreaterOrEqual(t, k.Clock.Now().Sub(start), 80*time.Millisecond)
	})
}

func TestAbortCallAsUserInterruptsWait(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler

		entered := dispatcher.NewSemaphore(0)
		var waitErr error
		var refusedErr error
		finished := dispatcher.NewSemaphore(0)

		worker := spawn(t, k, dispatcher.PriorityNormal, func() {
			me := s.RunningVP()
			me.CallAsUser(func() {
				entered.Release(1)
				var q dispatcher.WaitQueue
				waitErr = s.WaitOn(&q, platform.TimeInfinity, true)
				// Entering another interruptible wait while the abort is
				// pending is refused up front.
				refusedErr = s.WaitOn(&q, platform.TimeInfinity, true)
			})
			finished.Release(1)
		})

		require.NoError(t, entered.Acquire(1, k.Clock.Now().Add(5*time.Second)))
		s.DelayMS(50)

		worker.AbortCallAsUser()

		require.NoError(t, finished.Acquire(1, k.Clock.Now().Add(5*time.Second)))
		assert.ErrorIs(t, waitErr, kern.ErrInterrupted)
		assert.ErrorIs(t, refusedErr, kern.ErrInterrupted)
	})
}

func TestPoolReusesRelinquishedVPs(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler
		pool := s.Pool()

		done := dispatcher.NewSemaphore(0)
		vp := spawn(t, k, dispatcher.PriorityNormal, func() {
			done.Release(1)
		})
		firstID := vp.ID()

		require.NoError(t, done.Acquire(1, k.Clock.Now().Add(5*time.Second)))
		s.DelayMS(100)

		assert.Greater(t, pool.CachedCount(), 0)

		vp2 := spawn(t, k, dispatcher.PriorityNormal, func() {
			done.Release(1)
		})
		require.NoError(t, done.Acquire(1, k.Clock.Now().Add(5*time.Second)))

		assert.Equal(t, firstID, vp2.ID())
	})
}

func TestTimeoutQueueOrdering(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		s := k.Scheduler

		var order []int
		mu := dispatcher.NewMutex()
		done := dispatcher.NewSemaphore(0)

		// The longer sleeper starts first; the shorter one must still wake
		// first.
		spawn(t, k, dispatcher.PriorityNormal, func() {
			s.DelayMS(300)
			mu.Lock()
			order = append(order, 300)
			mu.Unlock()
			done.Release(1)
		})
		s.DelayMS(20)
		spawn(t, k, dispatcher.PriorityNormal, func() {
			s.DelayMS(100)
			mu.Lock()
			order = append(order, 100)
			mu.Unlock()
			done.Release(1)
		})

		require.NoError(t, done.Acquire(2, k.Clock.Now().Add(5*time.Second)))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{100, 300}, order)
	})
}
