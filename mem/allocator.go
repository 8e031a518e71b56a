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

// Package mem implements the physical memory allocator and the per-process
// address-space arena.
//
// The allocator manages one or more contiguous memory regions, each either
// reachable by the chipset DMA or by the CPU only. Within a region, free
// blocks form a singly linked list whose nodes live in-band at the start of
// each free block; allocated blocks are linked the same way through a global
// allocated list used to validate deallocations. Addresses are plain
// integers into the managed regions.
package mem

import (
	"math"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

// AccessClass describes who can reach a memory region.
type AccessClass uint8

const (
	// AccessDMAAndCPU marks memory reachable by both the chipset DMA and
	// the CPU. Region 0 is always of this class.
	AccessDMAAndCPU AccessClass = iota

	// AccessCPUOnly marks memory reachable by the CPU alone.
	AccessCPUOnly
)

// A Ptr is an address within the allocator's regions. The zero value is the
// null pointer.
type Ptr int

// PtrEmpty is the sentinel returned for zero-byte allocations. Deallocating
// it is a no-op.
const PtrEmpty Ptr = math.MaxInt

// blockHeaderSize is the in-band header preceding every block: next (8
// bytes) and size including header (8 bytes).
const blockHeaderSize = 16

// metadataBaseSize is the synthetic footprint of the allocator bookkeeping
// placed at the start of the preferred region.
const metadataBaseSize = 64

// perRegionMetadataSize is the additional metadata footprint per region.
const perRegionMetadataSize = 32

// A MemoryDescriptor describes one contiguous memory region [Lower, Upper).
type MemoryDescriptor struct {
	Lower  int
	Upper  int
	Access AccessClass
}

// A MemoryLayout describes the machine's memory. Descriptor 0 must be the
// DMA-and-CPU region; all others must be CPU-only.
type MemoryLayout struct {
	Descriptors []MemoryDescriptor
}

type memRegion struct {
	lower     int
	upper     int
	access    AccessClass
	firstFree Ptr // address of the first free block header, or 0
	store     []byte
}

func (r *memRegion) contains(addr Ptr) bool {
	return int(addr) >= r.lower && int(addr) < r.upper
}

func (r *memRegion) bytesAt(addr Ptr, n int) []byte {
	off := int(addr) - r.lower
	return r.store[off : off+n]
}

// AllocateOptions modify a single allocation.
type AllocateOptions struct {
	// Clear zeroes the returned memory.
	Clear bool

	// PreferDMA searches the DMA region first. Without it, CPU-only
	// regions are searched in ascending order with the DMA region as the
	// fallback.
	PreferDMA bool
}

// An Allocator hands out aligned byte ranges from its memory regions using
// first-fit search.
//
// INVARIANT: every byte of every region belongs to exactly one of
// {free block, allocated block, allocator metadata}.
type Allocator struct {
	lock *dispatcher.Mutex

	regions []memRegion

	// Head of the allocated block list, linked through the in-band block
	// headers. Used to validate deallocations and for dumps.
	firstAllocated Ptr

	metadataBytes int
}

// NewAllocator creates an allocator for the given memory layout. The
// allocator's own metadata is accounted to the first CPU-only region, or to
// the DMA region when that is all there is.
func NewAllocator(layout MemoryLayout) (*Allocator, error) {
	if len(layout.Descriptors) == 0 {
		return nil, kern.ErrInvalidArgument
	}
	if layout.Descriptors[0].Access != AccessDMAAndCPU {
		return nil, kern.ErrInvalidArgument
	}
	for _, d := range layout.Descriptors[1:] {
		if d.Access != AccessCPUOnly {
			return nil, kern.ErrInvalidArgument
		}
	}

	a := &Allocator{
		lock: dispatcher.NewMutex(),
	}

	metaRegion := 0
	if len(layout.Descriptors) > 1 {
		metaRegion = 1
	}

	for i, d := range layout.Descriptors {
		if d.Upper <= d.Lower {
			return nil, kern.ErrInvalidArgument
		}
		r := memRegion{
			lower:  d.Lower,
			upper:  d.Upper,
			access: d.Access,
			store:  make([]byte, d.Upper-d.Lower),
		}

		freeLower := platform.RoundUpToPowerOf2(d.Lower, platform.HeapAlignment)
		if i == metaRegion {
			// Reserve the allocator metadata at the bottom of the
			// preferred region.
			a.metadataBytes = platform.RoundUpToPowerOf2(
				metadataBaseSize+perRegionMetadataSize*len(layout.Descriptors),
				platform.HeapAlignment)
			freeLower += a.metadataBytes
		}

		a.regions = append(a.regions, r)
		a.initFreeBlock(len(a.regions)-1, Ptr(freeLower), d.Upper-freeLower)
	}

	return a, nil
}

// initFreeBlock writes a free block header at addr covering size bytes and
// makes it the region's sole free block.
func (a *Allocator) initFreeBlock(regionIdx int, addr Ptr, size int) {
	r := &a.regions[regionIdx]
	a.writeHeader(addr, 0, size)
	r.firstFree = addr
}

// In-band header accessors. The header precedes the user pointer; size
// includes the header itself.

func (a *Allocator) regionOf(addr Ptr) *memRegion {
	for i := range a.regions {
		if a.regions[i].contains(addr) {
			return &a.regions[i]
		}
	}
	return nil
}

func (a *Allocator) writeHeader(addr Ptr, next Ptr, size int) {
	r := a.regionOf(addr)
	b := r.bytesAt(addr, blockHeaderSize)
	putUint64(b[0:8], uint64(next))
	putUint64(b[8:16], uint64(size))
}

func (a *Allocator) readHeader(addr Ptr) (next Ptr, size int) {
	r := a.regionOf(addr)
	b := r.bytesAt(addr, blockHeaderSize)
	return Ptr(getUint64(b[0:8])), int(getUint64(b[8:16]))
}

func (a *Allocator) setNext(addr Ptr, next Ptr) {
	r := a.regionOf(addr)
	putUint64(r.bytesAt(addr, 8), uint64(next))
}

func (a *Allocator) setSize(addr Ptr, size int) {
	r := a.regionOf(addr)
	putUint64(r.bytesAt(addr+8, 8), uint64(size))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// allocateFromRegion carves blockSize bytes out of the region using first
// fit. Returns the user address, or 0 if no free block is large enough.
func (a *Allocator) allocateFromRegion(regionIdx int, blockSize int) Ptr {
	r := &a.regions[regionIdx]

	var prev Ptr
	cur := r.firstFree
	for cur != 0 {
		next, size := a.readHeader(cur)
		if size >= blockSize {
			break
		}
		prev = cur
		cur = next
	}
	if cur == 0 {
		return 0
	}

	next, size := a.readHeader(cur)
	residual := size - blockSize

	// Replace the found block in the free list with the residual block, or
	// drop it when the block is consumed whole.
	replacement := next
	if residual >= blockHeaderSize {
		newFree := cur + Ptr(blockSize)
		a.writeHeader(newFree, next, residual)
		replacement = newFree
	} else {
		// Too small to stand alone; keep the slack inside the allocated
		// block.
		blockSize = size
	}
	if prev != 0 {
		a.setNext(prev, replacement)
	} else {
		r.firstFree = replacement
	}

	// Push onto the allocated list.
	a.writeHeader(cur, a.firstAllocated, blockSize)
	a.firstAllocated = cur

	return cur + blockHeaderSize
}

// Allocate returns an aligned range of nbytes bytes. Zero-byte requests
// return PtrEmpty. Returns kern.ErrNoMemory when no eligible region can
// satisfy the request.
func (a *Allocator) Allocate(nbytes int, options AllocateOptions) (Ptr, error) {
	if nbytes < 0 {
		return 0, kern.ErrInvalidArgument
	}
	if nbytes == 0 {
		return PtrEmpty, nil
	}

	blockSize := platform.RoundUpToPowerOf2(blockHeaderSize+nbytes, platform.HeapAlignment)

	a.lock.Lock()

	var ptr Ptr
	if options.PreferDMA {
		ptr = a.allocateFromRegion(0, blockSize)
		for i := 1; ptr == 0 && i < len(a.regions); i++ {
			ptr = a.allocateFromRegion(i, blockSize)
		}
	} else {
		for i := 1; ptr == 0 && i < len(a.regions); i++ {
			ptr = a.allocateFromRegion(i, blockSize)
		}
		if ptr == 0 {
			// No CPU-only memory left; fall back to the DMA region.
			ptr = a.allocateFromRegion(0, blockSize)
		}
	}

	a.lock.Unlock()

	if ptr == 0 {
		return 0, kern.ErrNoMemory
	}

	if options.Clear {
		b := a.UserBytes(ptr)
		for i := range b {
			b[i] = 0
		}
	}

	return ptr, nil
}

// Deallocate returns the block at ptr to its region's free list, coalescing
// with adjacent free blocks. Passing 0 or PtrEmpty is a no-op. Unknown
// pointers and double frees are fatal; the allocated list exists precisely
// to catch them.
func (a *Allocator) Deallocate(ptr Ptr) {
	if ptr == 0 || ptr == PtrEmpty {
		return
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	regionIdx := -1
	for i := range a.regions {
		if a.regions[i].contains(ptr) {
			regionIdx = i
			break
		}
	}
	if regionIdx < 0 {
		platform.Fatalf("deallocate of unmanaged pointer %#x", int(ptr))
	}

	block := ptr - blockHeaderSize

	// Unlink from the allocated list; failure to find the block means a
	// double free or a pointer that never came from Allocate.
	var prev Ptr
	cur := a.firstAllocated
	for cur != 0 && cur != block {
		next, _ := a.readHeader(cur)
		prev = cur
		cur = next
	}
	if cur == 0 {
		platform.Fatalf("double free of pointer %#x", int(ptr))
	}

	blockNext, blockSize := a.readHeader(block)
	if prev != 0 {
		a.setNext(prev, blockNext)
	} else {
		a.firstAllocated = blockNext
	}

	a.freeBlockLocked(regionIdx, block, blockSize)
}

// freeBlockLocked inserts the block into the region free list and merges it
// with its immediate lower and/or upper neighbors.
func (a *Allocator) freeBlockLocked(regionIdx int, block Ptr, blockSize int) {
	r := &a.regions[regionIdx]
	blockUpper := block + Ptr(blockSize)

	var lowerFree, lowerPrev, upperFree, upperPrev Ptr
	var prev Ptr
	cur := r.firstFree
	for cur != 0 {
		next, size := a.readHeader(cur)
		if cur == blockUpper {
			upperFree = cur
			upperPrev = prev
		}
		if cur+Ptr(size) == block {
			lowerFree = cur
			lowerPrev = prev
		}
		if lowerFree != 0 && upperFree != 0 {
			break
		}
		prev = cur
		cur = next
	}
	_ = lowerPrev

	switch {
	case lowerFree != 0 && upperFree != 0:
		// Merge block and the upper neighbor into the lower neighbor, then
		// drop the upper neighbor from the free list.
		upperNext, upperSize := a.readHeader(upperFree)
		_, lowerSize := a.readHeader(lowerFree)
		a.setSize(lowerFree, lowerSize+blockSize+upperSize)
		if upperPrev == lowerFree {
			a.setNext(lowerFree, upperNext)
		} else if upperPrev != 0 {
			a.setNext(upperPrev, upperNext)
		} else {
			r.firstFree = upperNext
		}

	case lowerFree != 0:
		_, lowerSize := a.readHeader(lowerFree)
		a.setSize(lowerFree, lowerSize+blockSize)

	case upperFree != 0:
		// Merge the upper neighbor into the freed block, which takes the
		// neighbor's place in the free list.
		upperNext, upperSize := a.readHeader(upperFree)
		a.writeHeader(block, upperNext, blockSize+upperSize)
		if upperPrev != 0 {
			a.setNext(upperPrev, block)
		} else {
			r.firstFree = block
		}

	default:
		a.writeHeader(block, r.firstFree, blockSize)
		r.firstFree = block
	}
}

// AddMemoryRegion extends the allocator with a new region covered by one
// initial free block.
func (a *Allocator) AddMemoryRegion(desc MemoryDescriptor) error {
	if desc.Upper <= desc.Lower {
		return kern.ErrInvalidArgument
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	for i := range a.regions {
		if desc.Lower < a.regions[i].upper && a.regions[i].lower < desc.Upper {
			return kern.ErrInvalidArgument
		}
	}

	r := memRegion{
		lower:  desc.Lower,
		upper:  desc.Upper,
		access: desc.Access,
		store:  make([]byte, desc.Upper-desc.Lower),
	}
	a.regions = append(a.regions, r)

	freeLower := platform.RoundUpToPowerOf2(desc.Lower, platform.HeapAlignment)
	a.initFreeBlock(len(a.regions)-1, Ptr(freeLower), desc.Upper-freeLower)

	return nil
}

// IsManaging returns true if ptr lies within one of the allocator's
// regions.
func (a *Allocator) IsManaging(ptr Ptr) bool {
	if ptr == PtrEmpty {
		return true
	}
	return a.regionOf(ptr) != nil
}

// IsDMA reports whether ptr lies in the DMA-and-CPU region.
func (a *Allocator) IsDMA(ptr Ptr) bool {
	r := a.regionOf(ptr)
	return r != nil && r.access == AccessDMAAndCPU
}

// UserBytes returns the usable byte range of the allocated block at ptr.
func (a *Allocator) UserBytes(ptr Ptr) []byte {
	r := a.regionOf(ptr)
	if r == nil {
		platform.Fatalf("access to unmanaged pointer %#x", int(ptr))
	}
	_, size := a.readHeader(ptr - blockHeaderSize)
	return r.bytesAt(ptr, size-blockHeaderSize)
}

// Stats describes the allocator's byte accounting.
type Stats struct {
	FreeBytes      int
	AllocatedBytes int
	MetadataBytes  int
	RegionBytes    int
}

// Stat walks the free and allocated lists and returns the byte accounting.
// For a consistent allocator, FreeBytes + AllocatedBytes + MetadataBytes +
// alignment slack at region starts equals RegionBytes.
func (a *Allocator) Stat() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()

	var st Stats
	for i := range a.regions {
		st.RegionBytes += a.regions[i].upper - a.regions[i].lower
		for cur := a.regions[i].firstFree; cur != 0; {
			next, size := a.readHeader(cur)
			st.FreeBytes += size
			cur = next
		}
	}
	for cur := a.firstAllocated; cur != 0; {
		next, size := a.readHeader(cur)
		st.AllocatedBytes += size
		cur = next
	}
	st.MetadataBytes = a.metadataBytes

	return st
}

// AllocatedBlockCount returns the number of live allocations.
func (a *Allocator) AllocatedBlockCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	n := 0
	for cur := a.firstAllocated; cur != 0; {
		next, _ := a.readHeader(cur)
		n++
		cur = next
	}
	return n
}
