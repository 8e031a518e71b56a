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

package platform_test

import (
	"testing"
	"time"

	"github.com/serenaos/kernel/clock"
	"github.com/serenaos/kernel/platform"
	"github.com/stretchr/testify/assert"
)

func TestQuantumConversionRoundsAwayFromZero(t *testing.T) {
	assert.EqualValues(t, 0, platform.QuantumsFromDuration(0))
	assert.EqualValues(t, 1, platform.QuantumsFromDuration(time.Nanosecond))
	assert.EqualValues(t, 1, platform.QuantumsFromDuration(platform.QuantumDuration))
	assert.EqualValues(t, 2, platform.QuantumsFromDuration(platform.QuantumDuration+time.Nanosecond))
	assert.EqualValues(t, 15, platform.QuantumsFromDuration(250*time.Millisecond))
}

func TestMonotonicClockQuantums(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(1000, 0))
	mc := platform.NewMonotonicClock(sc)

	assert.EqualValues(t, 0, mc.CurrentQuantums())

	sc.AdvanceTime(10 * platform.QuantumDuration)
	assert.EqualValues(t, 10, mc.CurrentQuantums())

	// A deadline never maps to a quantum count short of it.
	deadline := sc.Now().Add(platform.QuantumDuration / 2)
	q := mc.QuantumsFromTime(deadline)
	assert.EqualValues(t, 11, q)

	assert.Equal(t, platform.QuantumsInfinity, mc.QuantumsFromTime(platform.TimeInfinity))
}

func TestRoundUpToPowerOf2(t *testing.T) {
	assert.Equal(t, 0, platform.RoundUpToPowerOf2(0, 8))
	assert.Equal(t, 8, platform.RoundUpToPowerOf2(1, 8))
	assert.Equal(t, 8, platform.RoundUpToPowerOf2(8, 8))
	assert.Equal(t, 16, platform.RoundUpToPowerOf2(9, 8))
	assert.Equal(t, 4096, platform.RoundUpToPowerOf2(4000, 4096))
}
