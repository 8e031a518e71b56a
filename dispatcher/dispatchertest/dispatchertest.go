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

// Package dispatchertest boots a scheduler for tests of code that must run
// on a virtual processor: kernel mutexes, inode locks, process state.
package dispatchertest

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/platform"
)

// Kernel is a booted scheduler plus the plumbing needed to run test bodies
// on virtual processors.
type Kernel struct {
	Scheduler *dispatcher.Scheduler
	Clock     timeutil.Clock
}

// Boot initializes a scheduler on the real clock and installs it as the
// process-wide scheduler, so that code using dispatcher.NewMutex and friends
// binds to it.
func Boot(t *testing.T) *Kernel {
	t.Helper()

	clock := timeutil.RealClock()
	booted := make(chan struct{})
	s := dispatcher.Init(platform.NewMonotonicClock(clock), func() {
		close(booted)
	})
	<-booted

	// Drive the quantum timer so that timed waits and priority aging work.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(platform.QuantumDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.OnEndOfQuantum()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })

	return &Kernel{
		Scheduler: s,
		Clock:     clock,
	}
}

// Run executes fn on a freshly acquired virtual processor at normal priority
// and blocks until fn has returned. Test assertions are fine inside fn as
// long as they do not abort the goroutine (use assert, not require).
func (k *Kernel) Run(t *testing.T, fn func()) {
	t.Helper()

	done := make(chan struct{})
	vp, err := k.Scheduler.Pool().Acquire(dispatcher.AcquireParams{
		Func: func() {
			defer close(done)
			fn()
		},
		Priority: dispatcher.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("acquire vp: %v", err)
	}
	vp.Resume(false)

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("test body did not finish on vp %d", vp.ID())
	}
}

// RunVP is like Run but hands the closure its own virtual processor.
func (k *Kernel) RunVP(t *testing.T, fn func(vp *dispatcher.VirtualProcessor)) {
	t.Helper()

	done := make(chan struct{})
	var vp *dispatcher.VirtualProcessor
	var err error
	vp, err = k.Scheduler.Pool().Acquire(dispatcher.AcquireParams{
		Func: func() {
			defer close(done)
			fn(vp)
		},
		Priority: dispatcher.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("acquire vp: %v", err)
	}
	vp.Resume(false)

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("test body did not finish on vp %d", vp.ID())
	}
}
