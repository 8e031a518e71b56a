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
	"encoding/binary"

	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
)

// A directory file is a packed array of 32-byte entries: inode ID (u32 BE)
// followed by the filename, NUL padded when shorter than 28 bytes. Entry 0
// is "." and entry 1 is "..". An entry with inode ID 0 is free.

func encodeDirectoryEntry(b []byte, id uint32, name string) {
	binary.BigEndian.PutUint32(b[0:4], id)
	n := copy(b[4:4+MaxFilenameLength], name)
	for i := 4 + n; i < DirectoryEntrySize; i++ {
		b[i] = 0
	}
}

func decodeDirectoryEntry(b []byte) (uint32, string) {
	id := binary.BigEndian.Uint32(b[0:4])
	name := b[4 : 4+MaxFilenameLength]
	n := 0
	for n < MaxFilenameLength && name[n] != 0 {
		n++
	}
	return id, string(name[:n])
}

// forEachDirectoryEntry invokes fn for every used entry of dir until fn
// returns false. The caller holds the directory's inode lock.
func (fs *SerenaFS) forEachDirectoryEntry(dir *filesystem.Inode, fn func(index int, id uint32, name string) bool) error {
	sn := dir.RefCon().(*sfsNode)
	entryCount := int(dir.Size() / DirectoryEntrySize)

	for idx := 0; idx < entryCount; idx++ {
		blockIdx := idx / directoryEntriesPerBlock
		blockOff := (idx % directoryEntriesPerBlock) * DirectoryEntrySize

		lba := sn.blockMap[blockIdx]
		if lba == 0 {
			return kern.ErrIO
		}

		blk, err := fs.fc.MapBlock(lba, container.MapReadOnly)
		if err != nil {
			return err
		}

		// Visit all entries of this block before unmapping.
		last := idx - idx%directoryEntriesPerBlock + directoryEntriesPerBlock
		if last > entryCount {
			last = entryCount
		}
		for ; idx < last; idx++ {
			id, name := decodeDirectoryEntry(blk.Data[blockOff:])
			blockOff += DirectoryEntrySize
			if id == 0 {
				continue
			}
			if !fn(idx, id, name) {
				return fs.fc.UnmapBlock(blk.Token, container.WriteNone)
			}
		}
		idx--

		if err := fs.fc.UnmapBlock(blk.Token, container.WriteNone); err != nil {
			return err
		}
	}

	return nil
}

// lookupEntry finds the entry with the given name. The caller holds the
// directory's inode lock.
func (fs *SerenaFS) lookupEntry(dir *filesystem.Inode, name string) (uint32, error) {
	var foundID uint32

	err := fs.forEachDirectoryEntry(dir, func(index int, id uint32, entryName string) bool {
		if entryName == name {
			foundID = id
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if foundID == 0 {
		return 0, kern.ErrNotFound
	}

	return foundID, nil
}

// AcquireNodeForName looks name up in dir and returns an acquisition of the
// named node. "." and ".." resolve through the directory's own entries; a
// ".." lookup at the filesystem root yields the root again.
func (fs *SerenaFS) AcquireNodeForName(dir *filesystem.Inode, name string, user filesystem.User) (*filesystem.Inode, error) {
	if !dir.IsDirectory() {
		return nil, kern.ErrNotDirectory
	}
	if len(name) > MaxFilenameLength {
		return nil, kern.ErrNameTooLong
	}

	dir.Lock()
	err := dir.CheckAccess(user, filesystem.PermExecute)
	if err != nil {
		dir.Unlock()
		return nil, err
	}
	id, err := fs.lookupEntry(dir, name)
	dir.Unlock()
	if err != nil {
		return nil, err
	}

	return fs.acquireNodeWithID(filesystem.InodeID(id))
}

// AcquireParentOfNode returns an acquisition of node's parent directory, or
// of node itself when it is the filesystem root.
func (fs *SerenaFS) AcquireParentOfNode(node *filesystem.Inode, user filesystem.User) (*filesystem.Inode, error) {
	if !node.IsDirectory() {
		return nil, kern.ErrNotSupported
	}
	return fs.AcquireNodeForName(node, filesystem.ComponentParent, user)
}

// GetNameOfNode returns the name under which childID appears in dir.
func (fs *SerenaFS) GetNameOfNode(dir *filesystem.Inode, childID filesystem.InodeID, user filesystem.User, maxLen int) (string, error) {
	if !dir.IsDirectory() {
		return "", kern.ErrNotDirectory
	}

	dir.Lock()
	defer dir.Unlock()

	if err := dir.CheckAccess(user, filesystem.PermRead|filesystem.PermExecute); err != nil {
		return "", err
	}

	found := ""
	err := fs.forEachDirectoryEntry(dir, func(index int, id uint32, name string) bool {
		if index >= 2 && filesystem.InodeID(id) == childID {
			found = name
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", kern.ErrNotFound
	}
	if len(found) > maxLen {
		return "", kern.ErrRange
	}

	return found, nil
}

// addEntry inserts a directory entry, reusing a free slot when one exists.
// The caller holds the directory's inode lock.
func (fs *SerenaFS) addEntry(dir *filesystem.Inode, id uint32, name string) error {
	sn := dir.RefCon().(*sfsNode)
	entryCount := int(dir.Size() / DirectoryEntrySize)

	// Reuse a free slot.
	freeIdx := -1
	err := fs.forEachDirectoryEntryIncludingFree(dir, func(index int, entryID uint32) bool {
		if entryID == 0 {
			freeIdx = index
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	idx := freeIdx
	if idx < 0 {
		idx = entryCount
	}

	blockIdx := idx / directoryEntriesPerBlock
	if blockIdx >= MaxDirectBlockPointers {
		return kern.ErrNoMemory
	}

	fs.lock.Lock()
	if sn.blockMap[blockIdx] == 0 {
		lba, err := fs.allocateBlockLocked()
		if err != nil {
			fs.lock.Unlock()
			return err
		}
		fs.lock.Unlock()

		blk, err := fs.fc.MapBlock(lba, container.MapCleared)
		if err != nil {
			return err
		}
		if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
			return err
		}
		sn.blockMap[blockIdx] = lba
	} else {
		fs.lock.Unlock()
	}

	blk, err := fs.fc.MapBlock(sn.blockMap[blockIdx], container.MapUpdate)
	if err != nil {
		return err
	}
	encodeDirectoryEntry(blk.Data[(idx%directoryEntriesPerBlock)*DirectoryEntrySize:], id, name)
	if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
		return err
	}

	if idx >= entryCount {
		dir.SetSize(int64(idx+1) * DirectoryEntrySize)
	}
	dir.MarkUpdated()
	sn.dirty = true

	return nil
}

// forEachDirectoryEntryIncludingFree visits every entry slot, including
// free ones. The caller holds the directory's inode lock.
func (fs *SerenaFS) forEachDirectoryEntryIncludingFree(dir *filesystem.Inode, fn func(index int, id uint32) bool) error {
	sn := dir.RefCon().(*sfsNode)
	entryCount := int(dir.Size() / DirectoryEntrySize)

	for idx := 0; idx < entryCount; idx++ {
		blockIdx := idx / directoryEntriesPerBlock
		lba := sn.blockMap[blockIdx]
		if lba == 0 {
			return kern.ErrIO
		}

		blk, err := fs.fc.MapBlock(lba, container.MapReadOnly)
		if err != nil {
			return err
		}

		last := idx - idx%directoryEntriesPerBlock + directoryEntriesPerBlock
		if last > entryCount {
			last = entryCount
		}
		stop := false
		for ; idx < last && !stop; idx++ {
			id := binary.BigEndian.Uint32(blk.Data[(idx%directoryEntriesPerBlock)*DirectoryEntrySize:])
			if !fn(idx, id) {
				stop = true
			}
		}
		idx--

		if err := fs.fc.UnmapBlock(blk.Token, container.WriteNone); err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	return nil
}

// CreateNode creates a node of the given type under dir and returns an
// acquisition of it.
func (fs *SerenaFS) CreateNode(dir *filesystem.Inode, name string, user filesystem.User, typ filesystem.FileType, permissions filesystem.Permissions) (*filesystem.Inode, error) {
	if !dir.IsDirectory() {
		return nil, kern.ErrNotDirectory
	}
	if name == "" || name == filesystem.ComponentSelf || name == filesystem.ComponentParent {
		return nil, kern.ErrInvalidArgument
	}
	if len(name) > MaxFilenameLength {
		return nil, kern.ErrNameTooLong
	}

	dir.Lock()
	defer dir.Unlock()

	if err := dir.CheckAccess(user, filesystem.PermWrite|filesystem.PermExecute); err != nil {
		return nil, err
	}

	if _, err := fs.lookupEntry(dir, name); err == nil {
		return nil, kern.ErrExists
	}

	// Allocate the inode block, plus an initial data block for
	// directories.
	fs.lock.Lock()
	nodeLBA, err := fs.allocateBlockLocked()
	if err != nil {
		fs.lock.Unlock()
		return nil, err
	}
	var dataLBA container.LBA
	if typ == filesystem.FileTypeDirectory {
		dataLBA, err = fs.allocateBlockLocked()
		if err != nil {
			fs.freeBlockLocked(nodeLBA)
			fs.lock.Unlock()
			return nil, err
		}
	}
	fs.lock.Unlock()

	now := fs.clock.Now()
	sn := &sfsNode{}
	linkCount := 1
	var size int64

	if typ == filesystem.FileTypeDirectory {
		blk, err := fs.fc.MapBlock(dataLBA, container.MapCleared)
		if err != nil {
			return nil, err
		}
		encodeDirectoryEntry(blk.Data[0:], uint32(nodeLBA), filesystem.ComponentSelf)
		encodeDirectoryEntry(blk.Data[DirectoryEntrySize:], uint32(dir.ID()), filesystem.ComponentParent)
		if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
			return nil, err
		}
		sn.blockMap[0] = dataLBA
		linkCount = 2
		size = 2 * DirectoryEntrySize
	}

	info := filesystem.FileInfo{
		Type:        typ,
		UID:         user.UID,
		GID:         user.GID,
		Permissions: permissions,
		LinkCount:   linkCount,
		Size:        size,
		AccessTime:  now,
		ModTime:     now,
		ChangeTime:  now,
		InodeID:     filesystem.InodeID(nodeLBA),
	}
	blk, err := fs.fc.MapBlock(nodeLBA, container.MapCleared)
	if err != nil {
		return nil, err
	}
	encodeDiskInode(blk.Data, info, sn)
	if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
		return nil, err
	}

	if err := fs.addEntry(dir, uint32(nodeLBA), name); err != nil {
		fs.lock.Lock()
		fs.freeBlockLocked(nodeLBA)
		if dataLBA != 0 {
			fs.freeBlockLocked(dataLBA)
		}
		fs.lock.Unlock()
		return nil, err
	}

	return fs.acquireNodeWithID(filesystem.InodeID(nodeLBA))
}

// CreateDirectory creates an empty directory under dir.
func (fs *SerenaFS) CreateDirectory(dir *filesystem.Inode, name string, user filesystem.User, permissions filesystem.Permissions) error {
	child, err := fs.CreateNode(dir, name, user, filesystem.FileTypeDirectory, permissions)
	if err != nil {
		return err
	}
	fs.RelinquishNode(child)
	return nil
}

// Unlink removes the entry for name from dir. A directory must be empty.
// The node's blocks are freed once the last acquisition is relinquished.
func (fs *SerenaFS) Unlink(dir *filesystem.Inode, name string, user filesystem.User) error {
	if name == filesystem.ComponentSelf || name == filesystem.ComponentParent {
		return kern.ErrInvalidArgument
	}

	node, err := fs.AcquireNodeForName(dir, name, user)
	if err != nil {
		return err
	}
	defer fs.RelinquishNode(node)

	dir.Lock()
	defer dir.Unlock()

	if err := dir.CheckAccess(user, filesystem.PermWrite|filesystem.PermExecute); err != nil {
		return err
	}

	if node.IsDirectory() {
		empty := true
		node.Lock()
		ferr := fs.forEachDirectoryEntry(node, func(index int, id uint32, entryName string) bool {
			if index >= 2 {
				empty = false
				return false
			}
			return true
		})
		node.Unlock()
		if ferr != nil {
			return ferr
		}
		if !empty {
			return kern.ErrBusy
		}
	}

	// Clear the directory entry.
	sn := dir.RefCon().(*sfsNode)
	targetIdx := -1
	err = fs.forEachDirectoryEntry(dir, func(index int, id uint32, entryName string) bool {
		if entryName == name {
			targetIdx = index
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if targetIdx < 0 {
		return kern.ErrNotFound
	}

	lba := sn.blockMap[targetIdx/directoryEntriesPerBlock]
	blk, err := fs.fc.MapBlock(lba, container.MapUpdate)
	if err != nil {
		return err
	}
	off := (targetIdx % directoryEntriesPerBlock) * DirectoryEntrySize
	for i := 0; i < DirectoryEntrySize; i++ {
		blk.Data[off+i] = 0
	}
	if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
		return err
	}

	dir.MarkUpdated()
	sn.dirty = true

	node.Lock()
	node.Unlink()
	if node.IsDirectory() {
		// Drop the "." self link as well.
		node.Unlink()
	}
	node.RefCon().(*sfsNode).dirty = true
	node.Unlock()

	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory channels
////////////////////////////////////////////////////////////////////////

// directoryChannelState is the per-channel state of an open directory: the
// acquired inode plus the index of the next entry to read. Seeking is
// limited to absolute positions previously obtained from a seek, or 0.
type directoryChannelState struct {
	node  *filesystem.Inode
	index int
}

// OpenDirectory opens dir for reading and returns its channel.
func (fs *SerenaFS) OpenDirectory(dir *filesystem.Inode, user filesystem.User) (*kio.Channel, error) {
	if !dir.IsDirectory() {
		return nil, kern.ErrNotDirectory
	}

	dir.Lock()
	err := dir.CheckAccess(user, filesystem.PermRead)
	dir.Unlock()
	if err != nil {
		return nil, err
	}

	ch := kio.NewChannel(fs, kio.ChannelTypeDirectory, kio.ModeRead)
	ch.State = &directoryChannelState{node: fs.ReacquireNode(dir)}

	fs.lock.Lock()
	fs.openChannels++
	fs.lock.Unlock()

	return ch, nil
}

// ReadDirectory reads the next batch of entries of the open directory.
func (fs *SerenaFS) ReadDirectory(ch *kio.Channel, entries []filesystem.DirectoryEntry) (int, error) {
	st, ok := ch.State.(*directoryChannelState)
	if !ok {
		return 0, kern.ErrBadDescriptor
	}

	st.node.Lock()
	defer st.node.Unlock()

	n := 0
	err := fs.forEachDirectoryEntry(st.node, func(index int, id uint32, name string) bool {
		if index < st.index {
			return true
		}
		if n == len(entries) {
			return false
		}
		entries[n] = filesystem.DirectoryEntry{
			InodeID: filesystem.InodeID(id),
			Name:    name,
		}
		n++
		st.index = index + 1
		return true
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// CloseDirectory closes a directory channel.
func (fs *SerenaFS) CloseDirectory(ch *kio.Channel) error {
	st, ok := ch.State.(*directoryChannelState)
	if !ok {
		return kern.ErrBadDescriptor
	}
	ch.State = nil

	fs.RelinquishNode(st.node)

	fs.lock.Lock()
	fs.openChannels--
	fs.lock.Unlock()

	return nil
}
