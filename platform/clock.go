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

package platform

import (
	"math"
	"runtime"
	"time"

	"github.com/jacobsa/timeutil"
)

// Quantums counts scheduler time slices since boot. One quantum corresponds
// to one tick of the quantum timer interrupt.
type Quantums int64

const (
	// QuantumDuration is the length of a single scheduler quantum. The
	// quantum timer fires at the vertical blank rate.
	QuantumDuration = 16_666_667 * time.Nanosecond

	// QuantumsInfinity stands in for a deadline infinitely far in the
	// future. A wait with this deadline never times out.
	QuantumsInfinity Quantums = math.MaxInt64

	// MonotonicDelayMax is the longest delay that is served by spinning on
	// the clock instead of suspending the caller.
	MonotonicDelayMax = 500 * time.Microsecond
)

// TimeInfinity is the wall-clock counterpart of QuantumsInfinity.
var TimeInfinity = time.Unix(math.MaxInt64/4, 0)

// A MonotonicClock converts between wall time, as supplied by a
// timeutil.Clock, and quantum counts relative to the boot instant. The
// scheduler's timeout queue and the priority-boost computation are expressed
// in quantums.
type MonotonicClock struct {
	clock timeutil.Clock
	epoch time.Time
}

// NewMonotonicClock creates a monotonic clock whose quantum count is zero at
// the clock's current time.
func NewMonotonicClock(clock timeutil.Clock) *MonotonicClock {
	return &MonotonicClock{
		clock: clock,
		epoch: clock.Now(),
	}
}

// Now returns the current time according to the underlying clock.
func (mc *MonotonicClock) Now() time.Time {
	return mc.clock.Now()
}

// CurrentQuantums returns the number of whole quantums elapsed since boot.
func (mc *MonotonicClock) CurrentQuantums() Quantums {
	return Quantums(mc.clock.Now().Sub(mc.epoch) / QuantumDuration)
}

// QuantumsFromTime converts an absolute deadline to a quantum count, rounding
// away from zero so that a deadline is never undershot.
func (mc *MonotonicClock) QuantumsFromTime(t time.Time) Quantums {
	if !t.Before(TimeInfinity) {
		return QuantumsInfinity
	}

	d := t.Sub(mc.epoch)
	q := Quantums(d / QuantumDuration)
	if d%QuantumDuration != 0 {
		q++
	}

	return q
}

// QuantumsFromDuration converts a duration to a quantum count, rounding away
// from zero.
func QuantumsFromDuration(d time.Duration) Quantums {
	q := Quantums(d / QuantumDuration)
	if d%QuantumDuration != 0 {
		q++
	}

	return q
}

// Delay spins on the clock until d has elapsed. Only suitable for short
// delays; longer delays must suspend on the sleep queue instead.
func (mc *MonotonicClock) Delay(d time.Duration) {
	deadline := mc.clock.Now().Add(d)
	for mc.clock.Now().Before(deadline) {
		runtime.Gosched()
	}
}
