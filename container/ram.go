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

package container

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/jacobsa/syncutil"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"
)

// A RamContainer is a block container whose backing store is a single
// contiguous byte buffer. It tracks the lowest and highest block ever
// written so that disk images can be emitted sparsely.
type RamContainer struct {
	blockSize  int
	blockCount int
	blockShift int
	readOnly   bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// A lock protecting the mapping state.
	//
	// INVARIANT: len(mapped) == blockCount
	// INVARIANT: mappedCount == number of true entries in mapped
	mu syncutil.InvariantMutex

	// The disk image proper.
	//
	// GUARDED_BY(mu)
	image []byte

	// Per-block outstanding-mapping flags.
	//
	// GUARDED_BY(mu)
	mapped      []bool
	mappedCount int

	// Write watermarks for sparse image output.
	//
	// GUARDED_BY(mu)
	lowestWrittenLBA  LBA
	highestWrittenLBA LBA
	everWritten       bool
}

// NewRamContainer creates a zero-filled ram container. blockSize must be a
// power of two.
func NewRamContainer(blockSize, blockCount int) (*RamContainer, error) {
	if blockSize <= 0 || bits.OnesCount(uint(blockSize)) != 1 || blockCount <= 0 {
		return nil, kern.ErrInvalidArgument
	}

	rc := &RamContainer{
		blockSize:  blockSize,
		blockCount: blockCount,
		blockShift: bits.TrailingZeros(uint(blockSize)),
		image:      make([]byte, blockSize*blockCount),
		mapped:     make([]bool, blockCount),
	}
	rc.mu = syncutil.NewInvariantMutex(rc.checkInvariants)

	return rc, nil
}

func (rc *RamContainer) checkInvariants() {
	if len(rc.mapped) != rc.blockCount {
		panic(fmt.Sprintf("mapped flag count %d vs. block count %d", len(rc.mapped), rc.blockCount))
	}

	n := 0
	for _, m := range rc.mapped {
		if m {
			n++
		}
	}
	if n != rc.mappedCount {
		panic(fmt.Sprintf("mapped count %d vs. actual %d", rc.mappedCount, n))
	}
}

// GetInfo returns the container geometry.
func (rc *RamContainer) GetInfo() Info {
	return Info{
		BlockSize:  rc.blockSize,
		BlockCount: rc.blockCount,
		ReadOnly:   rc.readOnly,
	}
}

// MapBlock maps the block at lba. A second mapping of an already mapped
// block is fatal.
func (rc *RamContainer) MapBlock(lba LBA, mode MapMode) (Block, error) {
	if int(lba) >= rc.blockCount {
		return Block{}, kern.ErrNoDevice
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.mapped[lba] {
		platform.Fatalf("block %d is already mapped", lba)
	}

	data := rc.image[int(lba)<<rc.blockShift : (int(lba)+1)<<rc.blockShift]
	if mode == MapCleared {
		for i := range data {
			data[i] = 0
		}
	}

	rc.mapped[lba] = true
	rc.mappedCount++

	// Token 0 is reserved so that an unmap of the zero Block is a no-op.
	return Block{Token: int64(lba) + 1, Data: data}, nil
}

// UnmapBlock releases the mapping identified by token. Unmapping the zero
// token is a no-op.
func (rc *RamContainer) UnmapBlock(token int64, mode WriteMode) error {
	if token == 0 {
		return nil
	}

	lba := LBA(token - 1)
	if int(lba) >= rc.blockCount {
		return kern.ErrNoDevice
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch mode {
	case WriteNone:
		// Discard; the data slice aliases the image, so the bytes are
		// already there, but the block does not count as written.

	case WriteSync, WriteDeferred:
		if !rc.everWritten || lba < rc.lowestWrittenLBA {
			rc.lowestWrittenLBA = lba
		}
		if !rc.everWritten || lba > rc.highestWrittenLBA {
			rc.highestWrittenLBA = lba
		}
		rc.everWritten = true

	default:
		return kern.ErrInvalidArgument
	}

	rc.mapped[lba] = false
	rc.mappedCount--

	return nil
}

// WrittenRange returns the lowest and highest LBA ever written, and whether
// any write happened at all.
func (rc *RamContainer) WrittenRange() (lowest, highest LBA, ok bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.lowestWrittenLBA, rc.highestWrittenLBA, rc.everWritten
}

// ReadAt copies bytes starting at the given byte offset into p, spanning
// block boundaries as needed. Returns the number of bytes read.
func (rc *RamContainer) ReadAt(p []byte, offset int64) (int, error) {
	diskSize := int64(rc.blockCount) << rc.blockShift
	if offset < 0 {
		return 0, kern.ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0, nil
	}
	if offset >= diskSize {
		return 0, kern.ErrNoDevice
	}

	if int64(len(p)) > diskSize-offset {
		p = p[:diskSize-offset]
	}

	n := 0
	for n < len(p) {
		lba := LBA(offset >> int64(rc.blockShift))
		blockOff := int(offset & int64(rc.blockSize-1))

		blk, err := rc.MapBlock(lba, MapReadOnly)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		c := copy(p[n:], blk.Data[blockOff:])
		if err := rc.UnmapBlock(blk.Token, WriteNone); err != nil {
			return n, err
		}

		n += c
		offset += int64(c)
	}

	return n, nil
}

// WriteAt copies p into the container starting at the given byte offset.
// Whole-block writes map with MapReplace, partial writes with MapUpdate.
func (rc *RamContainer) WriteAt(p []byte, offset int64) (int, error) {
	diskSize := int64(rc.blockCount) << rc.blockShift
	if offset < 0 {
		return 0, kern.ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0, nil
	}
	if offset >= diskSize {
		return 0, kern.ErrNoDevice
	}

	if int64(len(p)) > diskSize-offset {
		p = p[:diskSize-offset]
	}

	n := 0
	for n < len(p) {
		lba := LBA(offset >> int64(rc.blockShift))
		blockOff := int(offset & int64(rc.blockSize-1))

		mode := MapUpdate
		if blockOff == 0 && len(p)-n >= rc.blockSize {
			mode = MapReplace
		}

		blk, err := rc.MapBlock(lba, mode)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		c := copy(blk.Data[blockOff:], p[n:])
		if err := rc.UnmapBlock(blk.Token, WriteSync); err != nil {
			return n, err
		}

		n += c
		offset += int64(c)
	}

	return n, nil
}

// Wipe zeroes the whole disk and marks every block written.
func (rc *RamContainer) Wipe() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for i := range rc.image {
		rc.image[i] = 0
	}
	rc.lowestWrittenLBA = 0
	rc.highestWrittenLBA = LBA(rc.blockCount - 1)
	rc.everWritten = true
}

// WriteTo writes the raw disk contents to w. The Serena headered format is
// handled by WriteImage.
func (rc *RamContainer) WriteTo(w io.Writer) (int64, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	n, err := w.Write(rc.image)
	return int64(n), err
}
