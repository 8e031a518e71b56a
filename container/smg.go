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
	"encoding/binary"
	"io"

	"github.com/serenaos/kernel/kern"
)

// ImageFormat selects the on-disk layout of a disk image file.
type ImageFormat int

const (
	// FormatRaw is a headerless packed array of blocks (e.g. a raw floppy
	// image).
	FormatRaw ImageFormat = iota

	// FormatSerena is the "Serena Disk Image" format: a fixed header
	// followed by the logical blocks that were actually written.
	FormatSerena
)

// SMGSignature is the 8-byte little-endian signature of a Serena disk
// image: "SMG_IMG\0".
const SMGSignature uint64 = 0x00_47_4d_49_5f_47_4d_53

// SMGHeaderSize is the byte size of the Serena disk image header.
const SMGHeaderSize = 36

// An SMGHeader is the fixed header of a Serena disk image.
type SMGHeader struct {
	PhysicalBlockCount uint64
	LogicalBlockCount  uint64
	BlockSize          uint32
	Options            uint32
}

// EncodeSMGHeader writes the header to w: signature (LE), header size,
// physical and logical block counts (u64 BE), block size (u32 BE) and
// options.
func EncodeSMGHeader(w io.Writer, hdr SMGHeader) error {
	var b [SMGHeaderSize]byte

	binary.LittleEndian.PutUint64(b[0:8], SMGSignature)
	binary.BigEndian.PutUint32(b[8:12], SMGHeaderSize)
	binary.BigEndian.PutUint64(b[12:20], hdr.PhysicalBlockCount)
	binary.BigEndian.PutUint64(b[20:28], hdr.LogicalBlockCount)
	binary.BigEndian.PutUint32(b[28:32], hdr.BlockSize)
	binary.BigEndian.PutUint32(b[32:36], hdr.Options)

	_, err := w.Write(b[:])
	return err
}

// DecodeSMGHeader reads and validates a Serena disk image header.
func DecodeSMGHeader(r io.Reader) (SMGHeader, error) {
	var b [SMGHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return SMGHeader{}, err
	}

	if binary.LittleEndian.Uint64(b[0:8]) != SMGSignature {
		return SMGHeader{}, kern.ErrInvalidArgument
	}
	if binary.BigEndian.Uint32(b[8:12]) != SMGHeaderSize {
		return SMGHeader{}, kern.ErrInvalidArgument
	}

	return SMGHeader{
		PhysicalBlockCount: binary.BigEndian.Uint64(b[12:20]),
		LogicalBlockCount:  binary.BigEndian.Uint64(b[20:28]),
		BlockSize:          binary.BigEndian.Uint32(b[28:32]),
		Options:            binary.BigEndian.Uint32(b[32:36]),
	}, nil
}

// WriteImage writes the container to w in the given format. Serena images
// carry the header and stop after the highest block ever written; raw
// images carry every block.
func (rc *RamContainer) WriteImage(w io.Writer, format ImageFormat) error {
	if format == FormatRaw {
		_, err := rc.WriteTo(w)
		return err
	}

	_, highest, written := rc.WrittenRange()
	logicalBlocks := 0
	if written {
		logicalBlocks = int(highest) + 1
	}

	err := EncodeSMGHeader(w, SMGHeader{
		PhysicalBlockCount: uint64(rc.blockCount),
		LogicalBlockCount:  uint64(logicalBlocks),
		BlockSize:          uint32(rc.blockSize),
	})
	if err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	_, err = w.Write(rc.image[:logicalBlocks<<rc.blockShift])
	return err
}

// ReadImage creates a ram container from a disk image. Serena images are
// recognized by their signature; anything else is treated as a raw image of
// rawBlockSize-sized blocks. The blocks a Serena image carries are reported
// as written by WrittenRange.
func ReadImage(r io.Reader, rawBlockSize int) (*RamContainer, ImageFormat, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, FormatRaw, err
	}

	if len(data) >= SMGHeaderSize &&
		binary.LittleEndian.Uint64(data[0:8]) == SMGSignature {
		hdr := SMGHeader{
			PhysicalBlockCount: binary.BigEndian.Uint64(data[12:20]),
			LogicalBlockCount:  binary.BigEndian.Uint64(data[20:28]),
			BlockSize:          binary.BigEndian.Uint32(data[28:32]),
		}
		body := data[SMGHeaderSize:]

		rc, err := NewRamContainer(int(hdr.BlockSize), int(hdr.PhysicalBlockCount))
		if err != nil {
			return nil, FormatSerena, err
		}
		if len(body) > len(rc.image) {
			body = body[:len(rc.image)]
		}
		copy(rc.image, body)

		// The blocks the image carries count as written, so that writing
		// the container out again keeps them.
		if n := (len(body) + rc.blockSize - 1) / rc.blockSize; n > 0 {
			rc.lowestWrittenLBA = 0
			rc.highestWrittenLBA = LBA(n - 1)
			rc.everWritten = true
		}
		return rc, FormatSerena, nil
	}

	if rawBlockSize <= 0 || len(data)%rawBlockSize != 0 || len(data) == 0 {
		return nil, FormatRaw, kern.ErrInvalidArgument
	}
	rc, err := NewRamContainer(rawBlockSize, len(data)/rawBlockSize)
	if err != nil {
		return nil, FormatRaw, err
	}
	copy(rc.image, data)
	return rc, FormatRaw, nil
}
