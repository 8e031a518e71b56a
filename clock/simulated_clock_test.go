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

package clock_test

import (
	"testing"
	"time"

	"github.com/serenaos/kernel/clock"
	"github.com/serenaos/kernel/platform"
	"github.com/stretchr/testify/assert"
)

func TestSimulatedClockStandsStillBetweenTicks(t *testing.T) {
	epoch := time.Unix(500, 0)
	sc := clock.NewSimulatedClock(epoch)

	assert.Equal(t, epoch, sc.Now())
	assert.Equal(t, epoch, sc.Now())
	assert.EqualValues(t, 0, sc.Quantums())

	sc.Tick()
	assert.EqualValues(t, 1, sc.Quantums())
	assert.Equal(t, epoch.Add(platform.QuantumDuration), sc.Now())

	sc.TickN(9)
	assert.EqualValues(t, 10, sc.Quantums())
	assert.Equal(t, epoch.Add(10*platform.QuantumDuration), sc.Now())
}

func TestSimulatedClockAdvanceTimeRoundsUpToQuantums(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))

	// Half a quantum still costs a whole tick; a deadline is never reached
	// early.
	sc.AdvanceTime(platform.QuantumDuration / 2)
	assert.EqualValues(t, 1, sc.Quantums())

	sc.AdvanceTime(2*platform.QuantumDuration + time.Nanosecond)
	assert.EqualValues(t, 4, sc.Quantums())

	sc.AdvanceTime(0)
	assert.EqualValues(t, 4, sc.Quantums())
}

func TestSimulatedClockAfterFiresOnTickBoundary(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))

	ch := sc.After(3 * platform.QuantumDuration)
	select {
	case <-ch:
		t.Fatal("fired before any tick")
	default:
	}

	sc.TickN(2)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	sc.Tick()
	select {
	case tm := <-ch:
		assert.Equal(t, time.Unix(0, 0).Add(3*platform.QuantumDuration), tm)
	default:
		t.Fatal("did not fire on the due tick")
	}
}

func TestSimulatedClockAfterOrdering(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))

	late := sc.After(5 * platform.QuantumDuration)
	early := sc.After(2 * platform.QuantumDuration)

	sc.TickN(5)

	// Both fired, each at its own due tick.
	assert.Equal(t, time.Unix(0, 0).Add(2*platform.QuantumDuration), <-early)
	assert.Equal(t, time.Unix(0, 0).Add(5*platform.QuantumDuration), <-late)
}

func TestSimulatedClockAfterNonPositive(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(7, 0))

	select {
	case tm := <-sc.After(0):
		assert.Equal(t, time.Unix(7, 0), tm)
	default:
		t.Fatal("zero-duration After must fire immediately")
	}
}
