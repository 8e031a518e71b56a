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

// Package kernel wires the kernel singletons together at boot: the
// scheduler, the interrupt controller, the physical allocator and the
// process manager. Everything else obtains them from the Kernel handle.
package kernel

import (
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/irq"
	"github.com/serenaos/kernel/logger"
	"github.com/serenaos/kernel/mem"
	"github.com/serenaos/kernel/platform"
	"github.com/serenaos/kernel/proc"
)

// Config describes the machine the kernel boots on.
type Config struct {
	// Memory is the machine's memory layout. A small default layout is
	// used when empty.
	Memory mem.MemoryLayout

	// Clock is the time source; the real clock when nil.
	Clock timeutil.Clock

	// Main runs on the boot virtual processor once the kernel is up.
	Main func(k *Kernel)

	// DisableQuantumTimer suppresses the quantum timer hardware; tests
	// that raise IRQs by hand set this.
	DisableQuantumTimer bool
}

// Kernel bundles the booted kernel services.
type Kernel struct {
	Scheduler  *dispatcher.Scheduler
	Controller *irq.Controller
	Allocator  *mem.Allocator
	Processes  *proc.Manager
	Clock      *platform.MonotonicClock

	timerStop chan struct{}
}

// defaultMemoryLayout is one megabyte of DMA-reachable RAM plus four
// megabytes of CPU-only RAM.
func defaultMemoryLayout() mem.MemoryLayout {
	return mem.MemoryLayout{
		Descriptors: []mem.MemoryDescriptor{
			{Lower: 0x1000, Upper: 0x100000, Access: mem.AccessDMAAndCPU},
			{Lower: 0x100000, Upper: 0x500000, Access: mem.AccessCPUOnly},
		},
	}
}

// Start boots the kernel and blocks until cfg.Main has returned. The
// scheduler keeps running afterwards; the returned handle stays valid.
func Start(cfg Config) *Kernel {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	layout := cfg.Memory
	if len(layout.Descriptors) == 0 {
		layout = defaultMemoryLayout()
	}

	k := &Kernel{
		Clock:      platform.NewMonotonicClock(clock),
		Controller: irq.NewController(nil),
		timerStop:  make(chan struct{}),
	}

	done := make(chan struct{})
	k.Scheduler = dispatcher.Init(k.Clock, func() {
		// Running on the boot VP now; kernel locks are usable.
		alloc, err := mem.NewAllocator(layout)
		if err != nil {
			platform.Fatalf("cannot create the kernel allocator: %v", err)
		}
		k.Allocator = alloc
		k.Processes = proc.NewManager(k.Scheduler, alloc)

		// Hook the scheduler up with the quantum timer interrupt.
		id, err := k.Controller.AddDirectHandler(
			irq.IRQQuantumTimer,
			irq.HandlerPriorityHighest-1,
			func(interface{}) { k.Scheduler.OnEndOfQuantum() },
			nil)
		if err != nil {
			platform.Fatalf("cannot register the quantum timer handler: %v", err)
		}
		k.Controller.SetHandlerEnabled(id, true)

		logger.Infof("kernel up")

		if cfg.Main != nil {
			cfg.Main(k)
		}
		close(done)
	})

	if !cfg.DisableQuantumTimer {
		go k.quantumTimer()
	}

	<-done
	return k
}

// quantumTimer is the quantum timer hardware: it raises the quantum timer
// interrupt once per quantum until the kernel is shut down.
func (k *Kernel) quantumTimer() {
	ticker := time.NewTicker(platform.QuantumDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.Controller.Raise(irq.IRQQuantumTimer)
		case <-k.timerStop:
			return
		}
	}
}

// StopTimer halts the quantum timer hardware. Used by short-lived hosts
// like the disk image tool before they exit.
func (k *Kernel) StopTimer() {
	select {
	case <-k.timerStop:
	default:
		close(k.timerStop)
	}
}

// RunOnVP runs fn on a freshly acquired virtual processor at normal
// priority and blocks the calling host goroutine until fn returns.
func (k *Kernel) RunOnVP(fn func()) error {
	done := make(chan struct{})
	vp, err := k.Scheduler.Pool().Acquire(dispatcher.AcquireParams{
		Func: func() {
			defer close(done)
			fn()
		},
		Priority: dispatcher.PriorityNormal,
	})
	if err != nil {
		return err
	}
	vp.Resume(false)
	<-done

	return nil
}
