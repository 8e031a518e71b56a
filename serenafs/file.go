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

package serenafs

import (
	"io"

	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
)

// fileChannelState is the per-channel state of an open file: the acquired
// inode plus the read/write offset.
type fileChannelState struct {
	node   *filesystem.Inode
	offset int64
}

// OpenFile opens the regular file node with the given mode and returns its
// channel.
func (fs *SerenaFS) OpenFile(node *filesystem.Inode, mode kio.Mode, user filesystem.User) (*kio.Channel, error) {
	if node.IsDirectory() {
		return nil, kern.ErrInvalidArgument
	}

	var perms filesystem.Permissions
	if mode&kio.ModeRead != 0 {
		perms |= filesystem.PermRead
	}
	if mode&(kio.ModeWrite|kio.ModeAppend) != 0 {
		perms |= filesystem.PermWrite
	}

	node.Lock()
	err := node.CheckAccess(user, perms)
	node.Unlock()
	if err != nil {
		return nil, err
	}

	ch := kio.NewChannel(fs, kio.ChannelTypeFile, mode)
	ch.State = &fileChannelState{node: fs.ReacquireNode(node)}

	fs.lock.Lock()
	fs.openChannels++
	fs.lock.Unlock()

	return ch, nil
}

// readFileAt reads from the file's mapped blocks. The caller holds the
// inode lock.
func (fs *SerenaFS) readFileAt(node *filesystem.Inode, p []byte, offset int64) (int, error) {
	size := node.Size()
	if offset >= size {
		return 0, io.EOF
	}
	if int64(len(p)) > size-offset {
		p = p[:size-offset]
	}

	sn := node.RefCon().(*sfsNode)
	n := 0
	for n < len(p) {
		blockIdx := int(offset >> blockSizeShift)
		blockOff := int(offset & (BlockSize - 1))

		lba := sn.blockMap[blockIdx]
		if lba == 0 {
			return n, kern.ErrIO
		}

		blk, err := fs.fc.MapBlock(lba, container.MapReadOnly)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], blk.Data[blockOff:])
		if err := fs.fc.UnmapBlock(blk.Token, container.WriteNone); err != nil {
			return n, err
		}

		n += c
		offset += int64(c)
	}

	return n, nil
}

// writeFileAt writes into the file's mapped blocks, growing the block map
// as needed. The caller holds the inode lock.
func (fs *SerenaFS) writeFileAt(node *filesystem.Inode, p []byte, offset int64) (int, error) {
	if offset+int64(len(p)) > MaxFileSize {
		if offset >= MaxFileSize {
			return 0, kern.ErrNoMemory
		}
		p = p[:MaxFileSize-offset]
	}

	sn := node.RefCon().(*sfsNode)
	n := 0
	for n < len(p) {
		blockIdx := int(offset >> blockSizeShift)
		blockOff := int(offset & (BlockSize - 1))

		lba := sn.blockMap[blockIdx]
		if lba == 0 {
			fs.lock.Lock()
			newLBA, err := fs.allocateBlockLocked()
			fs.lock.Unlock()
			if err != nil {
				return n, err
			}

			blk, err := fs.fc.MapBlock(newLBA, container.MapCleared)
			if err != nil {
				return n, err
			}
			if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
				return n, err
			}

			sn.blockMap[blockIdx] = newLBA
			lba = newLBA
		}

		mode := container.MapUpdate
		if blockOff == 0 && len(p)-n >= BlockSize {
			mode = container.MapReplace
		}

		blk, err := fs.fc.MapBlock(lba, mode)
		if err != nil {
			return n, err
		}
		c := copy(blk.Data[blockOff:], p[n:])
		if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
			return n, err
		}

		n += c
		offset += int64(c)
	}

	if offset > node.Size() {
		node.SetSize(offset)
	}
	node.MarkUpdated()
	sn.dirty = true

	return n, nil
}

////////////////////////////////////////////////////////////////////////
// kio.Resource
////////////////////////////////////////////////////////////////////////

// Dup creates an independent copy of a file channel with the same offset.
func (fs *SerenaFS) Dup(ch *kio.Channel) (*kio.Channel, error) {
	switch st := ch.State.(type) {
	case *fileChannelState:
		dup := kio.NewChannel(fs, ch.Type(), ch.Mode())
		dup.State = &fileChannelState{
			node:   fs.ReacquireNode(st.node),
			offset: st.offset,
		}
		fs.lock.Lock()
		fs.openChannels++
		fs.lock.Unlock()
		return dup, nil

	case *directoryChannelState:
		dup := kio.NewChannel(fs, ch.Type(), ch.Mode())
		dup.State = &directoryChannelState{
			node:  fs.ReacquireNode(st.node),
			index: st.index,
		}
		fs.lock.Lock()
		fs.openChannels++
		fs.lock.Unlock()
		return dup, nil

	default:
		return nil, kern.ErrBadDescriptor
	}
}

// Read reads from an open file channel at its current offset.
func (fs *SerenaFS) Read(ch *kio.Channel, p []byte) (int, error) {
	st, ok := ch.State.(*fileChannelState)
	if !ok {
		return 0, kern.ErrBadDescriptor
	}

	st.node.Lock()
	defer st.node.Unlock()

	n, err := fs.readFileAt(st.node, p, st.offset)
	st.offset += int64(n)
	st.node.MarkAccessed()

	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write writes to an open file channel at its current offset; append-mode
// channels position at the end of the file first.
func (fs *SerenaFS) Write(ch *kio.Channel, p []byte) (int, error) {
	st, ok := ch.State.(*fileChannelState)
	if !ok {
		return 0, kern.ErrBadDescriptor
	}

	st.node.Lock()
	defer st.node.Unlock()

	if ch.Mode()&kio.ModeAppend != 0 {
		st.offset = st.node.Size()
	}

	n, err := fs.writeFileAt(st.node, p, st.offset)
	st.offset += int64(n)

	return n, err
}

// Seek repositions a file channel, or rewinds/repositions a directory
// channel to an entry index previously obtained from a seek.
func (fs *SerenaFS) Seek(ch *kio.Channel, offset int64, whence int) (int64, error) {
	switch st := ch.State.(type) {
	case *fileChannelState:
		st.node.Lock()
		defer st.node.Unlock()

		old := st.offset
		var next int64
		switch whence {
		case kio.SeekSet:
			next = offset
		case kio.SeekCur:
			next = st.offset + offset
		case kio.SeekEnd:
			next = st.node.Size() + offset
		default:
			return 0, kern.ErrInvalidArgument
		}
		if next < 0 {
			return 0, kern.ErrInvalidArgument
		}
		st.offset = next
		return old, nil

	case *directoryChannelState:
		if whence != kio.SeekSet || offset < 0 {
			return 0, kern.ErrInvalidArgument
		}
		old := int64(st.index)
		st.index = int(offset)
		return old, nil

	default:
		return 0, kern.ErrBadDescriptor
	}
}

// IOControl has no commands on SerenaFS channels.
func (fs *SerenaFS) IOControl(ch *kio.Channel, cmd int, args ...interface{}) error {
	return kern.ErrNotSupported
}

// Close closes a file or directory channel.
func (fs *SerenaFS) Close(ch *kio.Channel) error {
	switch st := ch.State.(type) {
	case *fileChannelState:
		ch.State = nil
		fs.RelinquishNode(st.node)

		fs.lock.Lock()
		fs.openChannels--
		fs.lock.Unlock()
		return nil

	case *directoryChannelState:
		return fs.CloseDirectory(ch)

	default:
		return nil
	}
}
