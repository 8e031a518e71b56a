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

package clock

import (
	"sync"
	"time"

	"github.com/serenaos/kernel/platform"
)

// A SimulatedClock is driven by hand in scheduler quantums, the way the
// quantum timer hardware drives the real machine: time stands still between
// ticks, and every tick moves the clock forward by exactly one quantum.
// Wall time is derived, never stored: it is the boot epoch plus the number
// of quantums ticked so far. Durations handed to AdvanceTime or After are
// rounded up to whole quantums, so a deadline is never reached early and
// always fires on a tick boundary, matching how the scheduler's timeout
// queue observes time.
type SimulatedClock struct {
	epoch time.Time

	mu sync.Mutex

	// Quantums ticked since the epoch.
	//
	// GUARDED_BY(mu)
	quantums platform.Quantums

	// Pending After notifications, each due at a quantum count. Kept
	// sorted by due tick; the head fires first.
	//
	// GUARDED_BY(mu)
	waiters []quantumWaiter
}

type quantumWaiter struct {
	due platform.Quantums
	ch  chan time.Time
}

// NewSimulatedClock creates a simulated clock whose quantum count is zero
// at the given boot instant.
func NewSimulatedClock(epoch time.Time) *SimulatedClock {
	return &SimulatedClock{epoch: epoch}
}

func (sc *SimulatedClock) timeAtLocked(q platform.Quantums) time.Time {
	return sc.epoch.Add(time.Duration(q) * platform.QuantumDuration)
}

// Now returns the wall time of the current tick.
func (sc *SimulatedClock) Now() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.timeAtLocked(sc.quantums)
}

// Quantums returns the number of quantums ticked since the epoch.
func (sc *SimulatedClock) Quantums() platform.Quantums {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.quantums
}

// Tick advances the clock by one quantum, as one firing of the quantum
// timer interrupt would, and delivers the notifications that became due.
func (sc *SimulatedClock) Tick() {
	sc.TickN(1)
}

// TickN advances the clock by n quantums.
func (sc *SimulatedClock) TickN(n int) {
	if n <= 0 {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Deliver tick by tick so that every waiter observes the tick it was
	// due at, not the tick the clock happened to stop on.
	for i := 0; i < n; i++ {
		sc.quantums++
		for len(sc.waiters) > 0 && sc.waiters[0].due <= sc.quantums {
			w := sc.waiters[0]
			sc.waiters = sc.waiters[1:]
			w.ch <- sc.timeAtLocked(w.due)
		}
	}
}

// AdvanceTime moves the clock forward by d, rounded up to whole quantums.
func (sc *SimulatedClock) AdvanceTime(d time.Duration) {
	sc.TickN(int(platform.QuantumsFromDuration(d)))
}

// After returns a channel that receives the due time once the clock has
// ticked past d, rounded up to whole quantums. Non-positive durations fire
// on the current tick.
func (sc *SimulatedClock) After(d time.Duration) <-chan time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ch := make(chan time.Time, 1)

	ticks := platform.QuantumsFromDuration(d)
	if ticks <= 0 {
		ch <- sc.timeAtLocked(sc.quantums)
		return ch
	}

	w := quantumWaiter{due: sc.quantums + ticks, ch: ch}
	at := len(sc.waiters)
	for i, cur := range sc.waiters {
		if cur.due > w.due {
			at = i
			break
		}
	}
	sc.waiters = append(sc.waiters, quantumWaiter{})
	copy(sc.waiters[at+1:], sc.waiters[at:])
	sc.waiters[at] = w

	return ch
}
