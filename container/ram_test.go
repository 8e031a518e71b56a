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

package container_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/jacobsa/syncutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/platform"

	. "github.com/jacobsa/ogletest"
)

func TestRamContainer(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type RamContainerTest struct {
	rc *container.RamContainer
}

func init() {
	syncutil.EnableInvariantChecking()
	RegisterTestSuite(&RamContainerTest{})
}

func (t *RamContainerTest) SetUp(ti *TestInfo) {
	var err error
	t.rc, err = container.NewRamContainer(512, 64)
	AssertEq(nil, err)
}

// expectFatal runs f and expects it to trip the fatal error handler.
func expectFatal(f func()) {
	type fatalMark struct{ msg string }

	platform.SetFatalHandler(func(format string, args ...interface{}) {
		panic(fatalMark{msg: fmt.Sprintf(format, args...)})
	})
	defer platform.SetFatalHandler(nil)

	fatal := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(fatalMark); ok {
					fatal = true
					return
				}
				panic(r)
			}
		}()
		f()
	}()

	ExpectTrue(fatal)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *RamContainerTest) Geometry() {
	info := t.rc.GetInfo()
	ExpectEq(512, info.BlockSize)
	ExpectEq(64, info.BlockCount)
	ExpectFalse(info.ReadOnly)
}

func (t *RamContainerTest) MapWriteReadBack() {
	blk, err := t.rc.MapBlock(7, container.MapReplace)
	AssertEq(nil, err)
	for i := range blk.Data {
		blk.Data[i] = byte(i)
	}
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteSync))

	blk, err = t.rc.MapBlock(7, container.MapReadOnly)
	AssertEq(nil, err)
	ExpectEq(byte(3), blk.Data[3])
	ExpectEq(byte(255), blk.Data[255])
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteNone))
}

func (t *RamContainerTest) MapClearedZeroesTheBlock() {
	blk, err := t.rc.MapBlock(3, container.MapReplace)
	AssertEq(nil, err)
	for i := range blk.Data {
		blk.Data[i] = 0xff
	}
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteSync))

	blk, err = t.rc.MapBlock(3, container.MapCleared)
	AssertEq(nil, err)
	for _, v := range blk.Data {
		AssertEq(byte(0), v)
	}
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteNone))
}

func (t *RamContainerTest) OutOfRangeLBA() {
	_, err := t.rc.MapBlock(64, container.MapReadOnly)
	ExpectTrue(errors.Is(err, kern.ErrNoDevice))

	_, err = t.rc.MapBlock(1000, container.MapUpdate)
	ExpectTrue(errors.Is(err, kern.ErrNoDevice))
}

func (t *RamContainerTest) DoubleMappingIsFatal() {
	blk, err := t.rc.MapBlock(5, container.MapReadOnly)
	AssertEq(nil, err)

	expectFatal(func() {
		t.rc.MapBlock(5, container.MapReadOnly)
	})

	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteNone))
}

func (t *RamContainerTest) UnmapZeroTokenIsNoOp() {
	ExpectEq(nil, t.rc.UnmapBlock(0, container.WriteSync))
}

func (t *RamContainerTest) WrittenWatermarks() {
	_, _, written := t.rc.WrittenRange()
	ExpectFalse(written)

	for _, lba := range []container.LBA{9, 4, 30} {
		blk, err := t.rc.MapBlock(lba, container.MapReplace)
		AssertEq(nil, err)
		AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteSync))
	}

	// A discarded mapping does not move the watermarks.
	blk, err := t.rc.MapBlock(60, container.MapUpdate)
	AssertEq(nil, err)
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteNone))

	low, high, written := t.rc.WrittenRange()
	ExpectTrue(written)
	ExpectEq(container.LBA(4), low)
	ExpectEq(container.LBA(30), high)
}

func (t *RamContainerTest) ReadWriteAtSpanBlocks() {
	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i % 251)
	}

	n, err := t.rc.WriteAt(data, 700)
	AssertEq(nil, err)
	AssertEq(1500, n)

	got := make([]byte, 1500)
	n, err = t.rc.ReadAt(got, 700)
	AssertEq(nil, err)
	AssertEq(1500, n)
	ExpectTrue(bytes.Equal(data, got))
}

func (t *RamContainerTest) SerenaImageRoundTrip() {
	blk, err := t.rc.MapBlock(11, container.MapReplace)
	AssertEq(nil, err)
	copy(blk.Data, []byte("hello, disk"))
	AssertEq(nil, t.rc.UnmapBlock(blk.Token, container.WriteSync))

	var buf bytes.Buffer
	AssertEq(nil, t.rc.WriteImage(&buf, container.FormatSerena))

	// Sparse: header plus blocks 0..11 only.
	ExpectEq(container.SMGHeaderSize+12*512, buf.Len())

	rc2, format, err := container.ReadImage(&buf, 512)
	AssertEq(nil, err)
	ExpectEq(container.FormatSerena, format)
	ExpectEq(64, rc2.GetInfo().BlockCount)

	blk, err = rc2.MapBlock(11, container.MapReadOnly)
	AssertEq(nil, err)
	ExpectEq("hello, disk", string(blk.Data[:11]))
	AssertEq(nil, rc2.UnmapBlock(blk.Token, container.WriteNone))
}

func (t *RamContainerTest) RawImageRoundTrip() {
	var buf bytes.Buffer
	AssertEq(nil, t.rc.WriteImage(&buf, container.FormatRaw))
	ExpectEq(64*512, buf.Len())

	rc2, format, err := container.ReadImage(&buf, 512)
	AssertEq(nil, err)
	ExpectEq(container.FormatRaw, format)
	ExpectEq(64, rc2.GetInfo().BlockCount)
}

func (t *RamContainerTest) SMGHeaderCodec() {
	var buf bytes.Buffer
	hdr := container.SMGHeader{
		PhysicalBlockCount: 1760,
		LogicalBlockCount:  42,
		BlockSize:          512,
		Options:            1,
	}
	AssertEq(nil, container.EncodeSMGHeader(&buf, hdr))
	ExpectEq(container.SMGHeaderSize, buf.Len())

	got, err := container.DecodeSMGHeader(&buf)
	AssertEq(nil, err)
	ExpectEq(hdr.PhysicalBlockCount, got.PhysicalBlockCount)
	ExpectEq(hdr.LogicalBlockCount, got.LogicalBlockCount)
	ExpectEq(hdr.BlockSize, got.BlockSize)
	ExpectEq(hdr.Options, got.Options)
}
