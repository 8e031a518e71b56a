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

// Package irq implements the interrupt controller: a registry of handlers
// per interrupt line, dispatched in priority order on interrupt entry.
package irq

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

// Well-known interrupt lines.
const (
	IRQQuantumTimer = iota
	IRQVerticalBlank
	IRQDiskBlock
	IRQKeyboard
	IRQMouse
	IRQSerial
	IRQRealtimeClock

	IRQCount
)

// Handler priorities.
const (
	HandlerPriorityLowest  = -128
	HandlerPriorityNormal  = 0
	HandlerPriorityHighest = 127
)

// HandlerID identifies a registered handler. 0 is never a valid ID.
type HandlerID int

type handlerKind int8

const (
	handlerDirect handlerKind = iota
	handlerSemaphore
)

type handler struct {
	id       HandlerID
	priority int
	enabled  bool
	kind     handlerKind

	// Direct closure handlers run in interrupt context.
	closure func(ctx interface{})
	ctx     interface{}

	// Semaphore handlers release one permit per interrupt.
	sema *dispatcher.Semaphore
}

// An IRQSource is the platform hook that turns an interrupt line on or off.
// The controller enables a line when its handler list becomes non-empty and
// disables it when the list drains.
type IRQSource interface {
	EnableInterrupt(id int)
	DisableInterrupt(id int)
}

type nullSource struct{}

func (nullSource) EnableInterrupt(int)  {}
func (nullSource) DisableInterrupt(int) {}

// A Controller owns the per-line handler tables. Handler mutation swaps the
// table atomically with respect to dispatch: the dispatcher loads the table
// pointer once per interrupt.
type Controller struct {
	mu     sync.Mutex // handler mutation
	source IRQSource

	// Per-line handler arrays, sorted by descending priority; equal
	// priorities keep insertion order. Swapped wholesale under mu, read
	// atomically by Raise.
	handlers [IRQCount]atomic.Pointer[[]handler]

	nextID int64

	spuriousCount      int64
	servicingInterrupt int32
}

// NewController creates an interrupt controller. source may be nil when the
// platform has no controllable interrupt sources (tests, the disk image
// tool).
func NewController(source IRQSource) *Controller {
	if source == nil {
		source = nullSource{}
	}
	c := &Controller{
		source: source,
		nextID: 1,
	}
	for i := range c.handlers {
		empty := make([]handler, 0)
		c.handlers[i].Store(&empty)
	}
	return c
}

func clampPriority(priority int) int {
	if priority < HandlerPriorityLowest {
		return HandlerPriorityLowest
	}
	if priority > HandlerPriorityHighest {
		return HandlerPriorityHighest
	}
	return priority
}

// AddDirectHandler registers a closure that is invoked, in interrupt
// context, every time the line fires. Handlers start out disabled.
func (c *Controller) AddDirectHandler(irqID int, priority int, closure func(ctx interface{}), ctx interface{}) (HandlerID, error) {
	if closure == nil {
		return 0, kern.ErrInvalidArgument
	}
	return c.add(irqID, handler{
		priority: clampPriority(priority),
		kind:     handlerDirect,
		closure:  closure,
		ctx:      ctx,
	})
}

// AddSemaphoreHandler registers a counting semaphore that receives one
// release per occurrence of the interrupt. Handlers start out disabled.
func (c *Controller) AddSemaphoreHandler(irqID int, priority int, sema *dispatcher.Semaphore) (HandlerID, error) {
	if sema == nil {
		return 0, kern.ErrInvalidArgument
	}
	return c.add(irqID, handler{
		priority: clampPriority(priority),
		kind:     handlerSemaphore,
		sema:     sema,
	})
}

func (c *Controller) add(irqID int, h handler) (HandlerID, error) {
	if irqID < 0 || irqID >= IRQCount {
		return 0, kern.ErrInvalidArgument
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h.id = HandlerID(c.nextID)
	c.nextID++

	old := *c.handlers[irqID].Load()
	next := make([]handler, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, h)

	// Sort by descending priority; the sort is stable so that handlers of
	// equal priority keep their insertion order.
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].priority > next[j].priority
	})

	c.handlers[irqID].Store(&next)

	if len(old) == 0 {
		c.source.EnableInterrupt(irqID)
	}

	return h.id, nil
}

// RemoveHandler removes a registered handler. Removing an unknown or zero
// ID does nothing.
func (c *Controller) RemoveHandler(id HandlerID) {
	if id == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for irqID := 0; irqID < IRQCount; irqID++ {
		old := *c.handlers[irqID].Load()
		idx := -1
		for i := range old {
			if old[i].id == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		next := make([]handler, 0, len(old)-1)
		next = append(next, old[:idx]...)
		next = append(next, old[idx+1:]...)
		c.handlers[irqID].Store(&next)

		if len(next) == 0 {
			c.source.DisableInterrupt(irqID)
		}
		return
	}
}

// SetHandlerEnabled enables or disables the handler. Handlers are disabled
// when added and must be enabled before they respond to interrupts.
func (c *Controller) SetHandlerEnabled(id HandlerID, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for irqID := 0; irqID < IRQCount; irqID++ {
		old := *c.handlers[irqID].Load()
		for i := range old {
			if old[i].id != id {
				continue
			}
			next := make([]handler, len(old))
			copy(next, old)
			next[i].enabled = enabled
			c.handlers[irqID].Store(&next)
			return
		}
	}

	platform.Fatalf("unknown interrupt handler id %d", id)
}

// IsHandlerEnabled returns whether the handler is currently enabled.
func (c *Controller) IsHandlerEnabled(id HandlerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for irqID := 0; irqID < IRQCount; irqID++ {
		hs := *c.handlers[irqID].Load()
		for i := range hs {
			if hs[i].id == id {
				return hs[i].enabled
			}
		}
	}

	platform.Fatalf("unknown interrupt handler id %d", id)
	return false
}

// Raise dispatches the interrupt line: every enabled handler either has its
// closure invoked or its semaphore released with the interrupt-safe variant.
// Called by the low-level interrupt prologue; runs in interrupt context.
func (c *Controller) Raise(irqID int) {
	if irqID < 0 || irqID >= IRQCount {
		atomic.AddInt64(&c.spuriousCount, 1)
		return
	}

	hs := *c.handlers[irqID].Load()
	if len(hs) == 0 {
		atomic.AddInt64(&c.spuriousCount, 1)
		return
	}

	atomic.AddInt32(&c.servicingInterrupt, 1)
	defer atomic.AddInt32(&c.servicingInterrupt, -1)

	for i := range hs {
		h := &hs[i]
		if !h.enabled {
			continue
		}
		switch h.kind {
		case handlerDirect:
			h.closure(h.ctx)
		case handlerSemaphore:
			h.sema.ReleaseFromInterrupt(1)
		}
	}
}

// SpuriousInterruptCount returns the number of interrupts that fired with no
// registered handler.
func (c *Controller) SpuriousInterruptCount() int {
	return int(atomic.LoadInt64(&c.spuriousCount))
}

// IsServicingInterrupt returns true while the caller runs inside interrupt
// dispatch.
func (c *Controller) IsServicingInterrupt() bool {
	return atomic.LoadInt32(&c.servicingInterrupt) > 0
}
