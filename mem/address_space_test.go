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

package mem_test

import (
	"testing"

	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressSpaceTracksAndReclaims(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		a, err := mem.NewAllocator(testLayout())
		require.NoError(t, err)
		as := mem.NewAddressSpace(a)

		assert.True(t, as.IsEmpty())

		// Allocate past one chunk's worth of pointers to exercise chunk
		// growth.
		for i := 0; i < 20; i++ {
			_, err := as.Allocate(128)
			require.NoError(t, err)
		}
		assert.False(t, as.IsEmpty())
		assert.Equal(t, 20, a.AllocatedBlockCount())

		// Destroy reclaims every tracked allocation; the allocator audit
		// shows nothing left.
		as.Destroy()
		assert.Equal(t, 0, a.AllocatedBlockCount())

		st := a.Stat()
		assert.Equal(t, st.RegionBytes, st.FreeBytes+st.MetadataBytes)
	})
}

func TestAddressSpaceZeroByteAllocation(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		a, err := mem.NewAllocator(testLayout())
		require.NoError(t, err)
		as := mem.NewAddressSpace(a)

		p, err := as.Allocate(0)
		require.NoError(t, err)
		assert.Equal(t, mem.PtrEmpty, p)
		assert.True(t, as.IsEmpty())
	})
}

func TestAddressSpaceAllocationsAreZeroed(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		a, err := mem.NewAllocator(testLayout())
		require.NoError(t, err)
		as := mem.NewAddressSpace(a)

		p, err := as.Allocate(256)
		require.NoError(t, err)
		for _, v := range as.Bytes(p)[:256] {
			require.Zero(t, v)
		}
	})
}
