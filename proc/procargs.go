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

package proc

import (
	"encoding/binary"

	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/mem"
	"github.com/serenaos/kernel/platform"
)

// ArgMax bounds the combined byte size of the argv and envp tables.
const ArgMax = 64 * 1024

// The process arguments area lives in the process address space:
//
//	header, argv pointer table (NULL terminated), envp pointer table
//	(NULL terminated), string pool.
//
// Header layout, little-endian:
//
//	[0:4]   version (the header size)
//	[4:8]   reserved
//	[8:12]  arguments area size
//	[12:16] argc
//	[16:24] argv pointer (process address)
//	[24:32] envp pointer (process address)
//	[32:40] image base (process address)
const processArgumentsHeaderSize = 40

// ProcessArguments is the decoded header of a process arguments area.
type ProcessArguments struct {
	Version       uint32
	ArgumentsSize uint32
	Argc          uint32
	ArgvPtr       mem.Ptr
	EnvpPtr       mem.Ptr
	ImageBase     mem.Ptr
}

// tableBytes computes the byte cost of one pointer table including its
// terminating NULL and the string pool bytes it references.
func tableBytes(table []string) int {
	n := 8 // terminating NULL entry
	for _, s := range table {
		n += 8 + len(s) + 1
	}
	return n
}

// copyInProcessArguments lays the argv and envp vectors out in the child's
// address space and records the area's base address. Caller holds the
// process lock.
func (p *Process) copyInProcessArguments(argv, envp []string) error {
	argvBytes := tableBytes(argv)
	envpBytes := tableBytes(envp)
	if argvBytes+envpBytes > ArgMax {
		return kern.ErrTooBig
	}

	total := platform.RoundUpToPowerOf2(
		processArgumentsHeaderSize+argvBytes+envpBytes, platform.PageSize)

	base, err := p.addressSpace.Allocate(total)
	if err != nil {
		return err
	}
	buf := p.addressSpace.Bytes(base)

	argvPtr := base + processArgumentsHeaderSize
	envpPtr := argvPtr + mem.Ptr(8*(len(argv)+1))
	strPtr := envpPtr + mem.Ptr(8*(len(envp)+1))

	// Pointer tables and string pool.
	writeTable := func(tablePtr, stringPtr mem.Ptr, table []string) mem.Ptr {
		off := int(tablePtr - base)
		for _, s := range table {
			binary.LittleEndian.PutUint64(buf[off:], uint64(stringPtr))
			copy(buf[int(stringPtr-base):], s)
			buf[int(stringPtr-base)+len(s)] = 0
			stringPtr += mem.Ptr(len(s) + 1)
			off += 8
		}
		binary.LittleEndian.PutUint64(buf[off:], 0)
		return stringPtr
	}
	strPtr = writeTable(argvPtr, strPtr, argv)
	writeTable(envpPtr, strPtr, envp)

	// Header.
	binary.LittleEndian.PutUint32(buf[0:4], processArgumentsHeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(total))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(argv)))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(argvPtr))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(envpPtr))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(p.imageBase))

	p.argumentsBase = base
	return nil
}

// ReadProcessArguments decodes the arguments header of the process. Used
// by the system call layer and by tests.
func (p *Process) ReadProcessArguments() (ProcessArguments, error) {
	p.lock.Lock()
	base := p.argumentsBase
	p.lock.Unlock()

	if base == 0 {
		return ProcessArguments{}, kern.ErrNotFound
	}
	buf := p.addressSpace.Bytes(base)

	return ProcessArguments{
		Version:       binary.LittleEndian.Uint32(buf[0:4]),
		ArgumentsSize: binary.LittleEndian.Uint32(buf[8:12]),
		Argc:          binary.LittleEndian.Uint32(buf[12:16]),
		ArgvPtr:       mem.Ptr(binary.LittleEndian.Uint64(buf[16:24])),
		EnvpPtr:       mem.Ptr(binary.LittleEndian.Uint64(buf[24:32])),
		ImageBase:     mem.Ptr(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// ReadArgumentStrings decodes the argv strings back out of the arguments
// area.
func (p *Process) ReadArgumentStrings() ([]string, error) {
	args, err := p.ReadProcessArguments()
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	base := p.argumentsBase
	p.lock.Unlock()
	buf := p.addressSpace.Bytes(base)

	var out []string
	off := int(args.ArgvPtr - base)
	for {
		ptr := mem.Ptr(binary.LittleEndian.Uint64(buf[off:]))
		if ptr == 0 {
			break
		}
		so := int(ptr - base)
		eo := so
		for buf[eo] != 0 {
			eo++
		}
		out = append(out, string(buf[so:eo]))
		off += 8
	}

	return out, nil
}
