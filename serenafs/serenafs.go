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

// Package serenafs implements SerenaFS, the native on-disk filesystem:
// block size 512, 32-byte directory entries, up to 114 direct block
// pointers per inode. An inode's ID is the block address of its metadata
// block.
package serenafs

import (
	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/logger"
)

const (
	// BlockSize is the SerenaFS block size.
	BlockSize = 512

	blockSizeShift = 9

	// MaxFilenameLength is the longest representable file name.
	MaxFilenameLength = 28

	// MaxDirectBlockPointers bounds a file to 114 direct data blocks.
	MaxDirectBlockPointers = 114

	// MaxFileSize is the largest representable file.
	MaxFileSize = MaxDirectBlockPointers * BlockSize

	// DirectoryEntrySize is the byte size of one directory entry.
	DirectoryEntrySize = 32

	directoryEntriesPerBlock = BlockSize / DirectoryEntrySize
)

// sfsNode is the filesystem specific payload attached to an in-core inode.
type sfsNode struct {
	blockMap [MaxDirectBlockPointers]container.LBA
	dirty    bool
}

// SerenaFS is a filesystem.Filesystem over a block container. It keeps an
// in-core cache of acquired inodes, keyed by inode ID, with per-inode
// locking provided by the inode itself.
type SerenaFS struct {
	filesystem.BaseFilesystem

	clock timeutil.Clock

	// A lock protecting the inode cache, the allocation bitmap and the
	// mount state.
	//
	// INVARIANT: for all k/v in nodes, v.ID() == k
	// INVARIANT: for all v in nodes, v.UseCount() > 0
	lock *dispatcher.Mutex

	// GUARDED_BY(lock)
	fc      container.Container
	mounted bool

	volumeBlockCount int
	bitmapBlocks     int
	rootID           filesystem.InodeID

	// The allocation bitmap, one bit per volume block, bit set = in use.
	//
	// GUARDED_BY(lock)
	bitmap      []byte
	bitmapDirty bool

	// The in-core inode cache.
	//
	// GUARDED_BY(lock)
	nodes map[filesystem.InodeID]*filesystem.Inode

	// Number of open file and directory channels; used by the safe
	// unmount check.
	//
	// GUARDED_BY(lock)
	openChannels int
}

// New creates an unmounted SerenaFS instance.
func New(clock timeutil.Clock) *SerenaFS {
	return &SerenaFS{
		BaseFilesystem: filesystem.NewBaseFilesystem(),
		clock:          clock,
		lock:           dispatcher.NewMutex(),
		nodes:          make(map[filesystem.InodeID]*filesystem.Inode),
	}
}

////////////////////////////////////////////////////////////////////////
// Mounting
////////////////////////////////////////////////////////////////////////

// OnMount reads and validates the volume header and the allocation bitmap.
func (fs *SerenaFS) OnMount(c container.Container, params []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.mounted {
		return kern.ErrBusy
	}

	info := c.GetInfo()
	if info.BlockSize != BlockSize || info.BlockCount < 4 {
		return kern.ErrInvalidArgument
	}

	hdr, err := readVolumeHeader(c)
	if err != nil {
		return err
	}
	if hdr.volumeBlockCount > info.BlockCount {
		return kern.ErrIO
	}

	bitmap, err := readBitmap(c, hdr)
	if err != nil {
		return err
	}

	fs.fc = c
	fs.volumeBlockCount = hdr.volumeBlockCount
	fs.bitmapBlocks = hdr.bitmapBlockCount
	fs.rootID = filesystem.InodeID(hdr.rootInodeID)
	fs.bitmap = bitmap
	fs.bitmapDirty = false
	fs.mounted = true

	logger.Infof("serenafs %d: mounted, %d blocks", fs.ID(), fs.volumeBlockCount)
	return nil
}

// OnUnmount flushes the allocation bitmap. Returns kern.ErrBusy, advisory,
// when acquired nodes or open channels remain.
func (fs *SerenaFS) OnUnmount() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return nil
	}

	var err error
	if fs.hasBusyNodesLocked() {
		err = kern.ErrBusy
	}

	if werr := fs.writeBitmapLocked(); werr != nil && err == nil {
		err = werr
	}
	fs.mounted = false

	return err
}

// HasBusyNodes reports whether any acquisitions or open channels reference
// the filesystem beyond the root acquisition held by the mount table.
func (fs *SerenaFS) HasBusyNodes() bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.hasBusyNodesLocked()
}

func (fs *SerenaFS) hasBusyNodesLocked() bool {
	if fs.openChannels > 0 {
		return true
	}
	for id, node := range fs.nodes {
		if id == fs.rootID {
			if node.UseCount() > 1 {
				return true
			}
			continue
		}
		if node.UseCount() > 0 {
			return true
		}
	}
	return false
}

////////////////////////////////////////////////////////////////////////
// Inode cache
////////////////////////////////////////////////////////////////////////

// acquireNodeWithID returns an acquisition of the inode with the given ID,
// reading it in from disk if it is not cached.
func (fs *SerenaFS) acquireNodeWithID(id filesystem.InodeID) (*filesystem.Inode, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.acquireNodeWithIDLocked(id)
}

func (fs *SerenaFS) acquireNodeWithIDLocked(id filesystem.InodeID) (*filesystem.Inode, error) {
	if !fs.mounted {
		return nil, kern.ErrNotFound
	}

	if node, ok := fs.nodes[id]; ok {
		node.AddUse(1)
		return node, nil
	}

	node, err := fs.readDiskInode(id)
	if err != nil {
		return nil, err
	}

	node.AddUse(1)
	fs.nodes[id] = node
	return node, nil
}

// AcquireRootNode returns an acquisition of the root directory.
func (fs *SerenaFS) AcquireRootNode() (*filesystem.Inode, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return fs.acquireNodeWithIDLocked(fs.rootID)
}

// ReacquireNode returns an additional acquisition of a node the caller
// already holds.
func (fs *SerenaFS) ReacquireNode(node *filesystem.Inode) *filesystem.Inode {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	node.AddUse(1)
	return node
}

// RelinquishNode gives up one acquisition. The last acquisition writes the
// inode back if it changed and evicts it from the cache. An inode whose
// link count dropped to zero has its blocks freed instead.
func (fs *SerenaFS) RelinquishNode(node *filesystem.Inode) {
	fs.lock.Lock()

	node.AddUse(-1)
	if node.UseCount() > 0 {
		fs.lock.Unlock()
		return
	}

	// The last acquisition is gone; evict the node from the cache before
	// dropping the cache lock, then finish with the inode lock only.
	// Lock order is always inode lock before fs.lock.
	delete(fs.nodes, node.ID())

	if node.LinkCount() == 0 {
		fs.freeNodeBlocksLocked(node)
		fs.lock.Unlock()
		return
	}
	fs.lock.Unlock()

	sn := node.RefCon().(*sfsNode)
	node.Lock()
	dirty := sn.dirty || node.IsModified()
	node.ClearModified()
	node.Unlock()
	if dirty {
		if err := fs.writeDiskInode(node); err != nil {
			logger.Errorf("serenafs %d: inode %d writeback: %v", fs.ID(), node.ID(), err)
		}
		sn.dirty = false
	}
}

// CheckAccess verifies that user may access node with the given
// permissions.
func (fs *SerenaFS) CheckAccess(node *filesystem.Inode, user filesystem.User, permissions filesystem.Permissions) error {
	node.Lock()
	defer node.Unlock()

	return node.CheckAccess(user, permissions)
}

// GetFileInfo returns the metadata snapshot of node.
func (fs *SerenaFS) GetFileInfo(node *filesystem.Inode) (filesystem.FileInfo, error) {
	node.Lock()
	defer node.Unlock()

	return node.GetFileInfo(), nil
}

// SetFileInfo applies a partial metadata update to node.
func (fs *SerenaFS) SetFileInfo(node *filesystem.Inode, user filesystem.User, info *filesystem.MutableFileInfo) error {
	node.Lock()
	defer node.Unlock()

	if err := node.SetFileInfo(user, info); err != nil {
		return err
	}
	node.RefCon().(*sfsNode).dirty = true
	return nil
}
