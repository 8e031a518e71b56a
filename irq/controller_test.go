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

package irq_test

import (
	"testing"
	"time"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/irq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSource struct {
	enabled  map[int]int
	disabled map[int]int
}

func newRecordingSource() *recordingSource {
	return &recordingSource{
		enabled:  make(map[int]int),
		disabled: make(map[int]int),
	}
}

func (rs *recordingSource) EnableInterrupt(id int)  { rs.enabled[id]++ }
func (rs *recordingSource) DisableInterrupt(id int) { rs.disabled[id]++ }

func TestDirectHandlerDispatch(t *testing.T) {
	c := irq.NewController(nil)

	calls := 0
	id, err := c.AddDirectHandler(irq.IRQKeyboard, irq.HandlerPriorityNormal,
		func(ctx interface{}) { calls++ }, nil)
	require.NoError(t, err)

	// Handlers start out disabled.
	c.Raise(irq.IRQKeyboard)
	assert.Equal(t, 0, calls)

	c.SetHandlerEnabled(id, true)
	assert.True(t, c.IsHandlerEnabled(id))

	c.Raise(irq.IRQKeyboard)
	c.Raise(irq.IRQKeyboard)
	assert.Equal(t, 2, calls)

	c.SetHandlerEnabled(id, false)
	c.Raise(irq.IRQKeyboard)
	assert.Equal(t, 2, calls)
}

func TestHandlerPriorityOrdering(t *testing.T) {
	c := irq.NewController(nil)

	var order []string
	add := func(name string, priority int) {
		id, err := c.AddDirectHandler(irq.IRQSerial, priority,
			func(ctx interface{}) { order = append(order, name) }, nil)
		require.NoError(t, err)
		c.SetHandlerEnabled(id, true)
	}

	add("low", -10)
	add("high", 100)
	add("mid1", 0)
	add("mid2", 0)

	c.Raise(irq.IRQSerial)

	// Descending priority; equal priorities in insertion order.
	assert.Equal(t, []string{"high", "mid1", "mid2", "low"}, order)
}

func TestHandlerPriorityClamping(t *testing.T) {
	c := irq.NewController(nil)

	var order []string
	for _, tc := range []struct {
		name     string
		priority int
	}{
		{"clamped-low", -1000},
		{"normal", 0},
		{"clamped-high", 1000},
	} {
		name := tc.name
		id, err := c.AddDirectHandler(irq.IRQMouse, tc.priority,
			func(ctx interface{}) { order = append(order, name) }, nil)
		require.NoError(t, err)
		c.SetHandlerEnabled(id, true)
	}

	c.Raise(irq.IRQMouse)
	assert.Equal(t, []string{"clamped-high", "normal", "clamped-low"}, order)
}

func TestRemoveHandlerTogglesIRQSource(t *testing.T) {
	rs := newRecordingSource()
	c := irq.NewController(rs)

	id1, err := c.AddDirectHandler(irq.IRQDiskBlock, 0, func(interface{}) {}, nil)
	require.NoError(t, err)
	id2, err := c.AddDirectHandler(irq.IRQDiskBlock, 0, func(interface{}) {}, nil)
	require.NoError(t, err)

	// Enabled once: on the empty -> non-empty transition.
	assert.Equal(t, 1, rs.enabled[irq.IRQDiskBlock])

	c.RemoveHandler(id1)
	assert.Equal(t, 0, rs.disabled[irq.IRQDiskBlock])

	c.RemoveHandler(id2)
	assert.Equal(t, 1, rs.disabled[irq.IRQDiskBlock])

	// Removing an unknown handler is a no-op.
	c.RemoveHandler(id2)
	c.RemoveHandler(0)
}

func TestSpuriousInterruptCounting(t *testing.T) {
	c := irq.NewController(nil)

	c.Raise(irq.IRQSerial)
	c.Raise(-1)
	assert.Equal(t, 2, c.SpuriousInterruptCount())
}

func TestSemaphoreHandlerWakesWaiter(t *testing.T) {
	k := dispatchertest.Boot(t)

	c := irq.NewController(nil)
	var sem *dispatcher.Semaphore

	k.Run(t, func() {
		sem = dispatcher.NewSemaphore(0)
		id, err := c.AddSemaphoreHandler(irq.IRQDiskBlock, 0, sem)
		require.NoError(t, err)
		c.SetHandlerEnabled(id, true)
	})

	// Raise the interrupt from "hardware" while a VP waits on the
	// semaphore.
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Raise(irq.IRQDiskBlock)
	}()

	k.Run(t, func() {
		err := sem.Acquire(1, k.Clock.Now().Add(5*time.Second))
		assert.NoError(t, err)
	})
}
