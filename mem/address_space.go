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

package mem

import (
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
)

// ptrChunkCapacity is the number of pointers per chunk of the address
// space's tracking list.
const ptrChunkCapacity = 8

type ptrChunk struct {
	next   *ptrChunk
	count  int
	blocks [ptrChunkCapacity]Ptr
}

// An AddressSpace groups the user-space allocations of one process so that
// process exit can reclaim them in one sweep, without per-call bookkeeping
// by the callers. The process exclusively owns its address space.
type AddressSpace struct {
	lock      *dispatcher.Mutex
	allocator *Allocator

	chunkFirst *ptrChunk
	chunkLast  *ptrChunk
}

// NewAddressSpace creates an empty address space backed by the given
// physical allocator.
func NewAddressSpace(allocator *Allocator) *AddressSpace {
	return &AddressSpace{
		lock:      dispatcher.NewMutex(),
		allocator: allocator,
	}
}

// Allocate allocates nbytes bytes from the physical allocator and records
// the pointer for reclamation at destruction time. Zero-byte requests
// return the empty pointer without recording anything.
func (as *AddressSpace) Allocate(nbytes int) (Ptr, error) {
	if nbytes < 0 {
		return 0, kern.ErrInvalidArgument
	}
	if nbytes == 0 {
		return PtrEmpty, nil
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	// Grab a chunk slot first. A chunk left unused by a failed allocation
	// stays around for the next request.
	chunk := as.chunkLast
	if chunk == nil || chunk.count == ptrChunkCapacity {
		chunk = &ptrChunk{}
		if as.chunkLast != nil {
			as.chunkLast.next = chunk
		} else {
			as.chunkFirst = chunk
		}
		as.chunkLast = chunk
	}

	ptr, err := as.allocator.Allocate(nbytes, AllocateOptions{Clear: true})
	if err != nil {
		return 0, err
	}

	chunk.blocks[chunk.count] = ptr
	chunk.count++

	return ptr, nil
}

// IsEmpty returns true if no live allocations are tracked.
func (as *AddressSpace) IsEmpty() bool {
	as.lock.Lock()
	defer as.lock.Unlock()

	return as.chunkFirst == nil || as.chunkFirst.count == 0
}

// Bytes returns the usable byte range of an allocation made through this
// address space.
func (as *AddressSpace) Bytes(ptr Ptr) []byte {
	return as.allocator.UserBytes(ptr)
}

// Destroy frees every tracked pointer and the tracking chunks. The address
// space is empty afterwards.
func (as *AddressSpace) Destroy() {
	as.lock.Lock()
	chunk := as.chunkFirst
	as.chunkFirst = nil
	as.chunkLast = nil
	as.lock.Unlock()

	for chunk != nil {
		for i := 0; i < chunk.count; i++ {
			as.allocator.Deallocate(chunk.blocks[i])
		}
		chunk = chunk.next
	}
}
