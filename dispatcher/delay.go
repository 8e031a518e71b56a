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
	"time"

	"github.com/serenaos/kernel/platform"
)

// Delay blocks the calling VP for the given duration. Short delays spin on
// the monotonic clock; anything past platform.MonotonicDelayMax suspends
// the VP on the sleep queue until the deadline. The sleep is interruptible:
// aborting the VP's user callout cuts it short.
func (s *Scheduler) Delay(d time.Duration) {
	if d <= 0 {
		return
	}

	if d <= platform.MonotonicDelayMax {
		s.clock.Delay(d)
		return
	}

	deadline := s.clock.Now().Add(d)
	s.mu.Lock()
	_ = s.waitOnLocked(&s.sleepQueue, deadline, true)
	s.mu.Unlock()
}

// DelayUS blocks the calling VP for us microseconds.
func (s *Scheduler) DelayUS(us int64) {
	s.Delay(time.Duration(us) * time.Microsecond)
}

// DelayMS blocks the calling VP for ms milliseconds.
func (s *Scheduler) DelayMS(ms int64) {
	s.Delay(time.Duration(ms) * time.Millisecond)
}

// DelaySec blocks the calling VP for secs seconds.
func (s *Scheduler) DelaySec(secs int64) {
	s.Delay(time.Duration(secs) * time.Second)
}
