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
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
)

// Volume header, stored in block 0. All integers big-endian.
//
//	[0:4]   signature "SeFS"
//	[4:8]   version (1)
//	[8:12]  volume block count
//	[12:16] allocation bitmap start LBA (1)
//	[16:20] allocation bitmap block count
//	[20:24] root directory inode ID
const (
	volumeSignature = "SeFS"
	volumeVersion   = 1
	bitmapStartLBA  = 1
)

type volumeHeader struct {
	volumeBlockCount int
	bitmapBlockCount int
	rootInodeID      uint32
}

func readVolumeHeader(c container.Container) (volumeHeader, error) {
	blk, err := c.MapBlock(0, container.MapReadOnly)
	if err != nil {
		return volumeHeader{}, err
	}
	defer c.UnmapBlock(blk.Token, container.WriteNone)

	b := blk.Data
	if string(b[0:4]) != volumeSignature {
		return volumeHeader{}, kern.ErrIO
	}
	if binary.BigEndian.Uint32(b[4:8]) != volumeVersion {
		return volumeHeader{}, kern.ErrIO
	}

	return volumeHeader{
		volumeBlockCount: int(binary.BigEndian.Uint32(b[8:12])),
		bitmapBlockCount: int(binary.BigEndian.Uint32(b[16:20])),
		rootInodeID:      binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

func readBitmap(c container.Container, hdr volumeHeader) ([]byte, error) {
	bitmap := make([]byte, hdr.bitmapBlockCount*BlockSize)
	for i := 0; i < hdr.bitmapBlockCount; i++ {
		blk, err := c.MapBlock(container.LBA(bitmapStartLBA+i), container.MapReadOnly)
		if err != nil {
			return nil, err
		}
		copy(bitmap[i*BlockSize:], blk.Data)
		if err := c.UnmapBlock(blk.Token, container.WriteNone); err != nil {
			return nil, err
		}
	}
	return bitmap, nil
}

func (fs *SerenaFS) writeBitmapLocked() error {
	if !fs.bitmapDirty {
		return nil
	}
	for i := 0; i < fs.bitmapBlocks; i++ {
		blk, err := fs.fc.MapBlock(container.LBA(bitmapStartLBA+i), container.MapReplace)
		if err != nil {
			return err
		}
		copy(blk.Data, fs.bitmap[i*BlockSize:(i+1)*BlockSize])
		if err := fs.fc.UnmapBlock(blk.Token, container.WriteSync); err != nil {
			return err
		}
	}
	fs.bitmapDirty = false
	return nil
}

////////////////////////////////////////////////////////////////////////
// Block allocation
////////////////////////////////////////////////////////////////////////

func bitmapGet(bitmap []byte, lba container.LBA) bool {
	return bitmap[lba>>3]&(0x80>>(lba&7)) != 0
}

func bitmapSet(bitmap []byte, lba container.LBA, inUse bool) {
	if inUse {
		bitmap[lba>>3] |= 0x80 >> (lba & 7)
	} else {
		bitmap[lba>>3] &^= 0x80 >> (lba & 7)
	}
}

// allocateBlockLocked finds a free volume block, marks it used and returns
// its address.
func (fs *SerenaFS) allocateBlockLocked() (container.LBA, error) {
	for lba := container.LBA(bitmapStartLBA + fs.bitmapBlocks); int(lba) < fs.volumeBlockCount; lba++ {
		if !bitmapGet(fs.bitmap, lba) {
			bitmapSet(fs.bitmap, lba, true)
			fs.bitmapDirty = true
			return lba, nil
		}
	}
	return 0, kern.ErrNoMemory
}

func (fs *SerenaFS) freeBlockLocked(lba container.LBA) {
	bitmapSet(fs.bitmap, lba, false)
	fs.bitmapDirty = true
}

// freeNodeBlocksLocked returns an unlinked inode's data blocks and its
// metadata block to the bitmap.
func (fs *SerenaFS) freeNodeBlocksLocked(node *filesystem.Inode) {
	sn := node.RefCon().(*sfsNode)
	for _, lba := range sn.blockMap {
		if lba != 0 {
			fs.freeBlockLocked(lba)
		}
	}
	fs.freeBlockLocked(container.LBA(node.ID()))
}

////////////////////////////////////////////////////////////////////////
// Disk inodes
////////////////////////////////////////////////////////////////////////

// Disk inode layout, one volume block per inode. All integers big-endian.
//
//	[0:8]    size
//	[8:16]   access time (unix seconds)
//	[16:24]  modification time (unix seconds)
//	[24:32]  status change time (unix seconds)
//	[32:36]  inode ID
//	[36:40]  uid
//	[40:44]  gid
//	[44:48]  link count
//	[48:50]  permissions
//	[50]     file type
//	[51:56]  reserved
//	[56:512] 114 direct block pointers
const diskInodeBlockMapOffset = 56

func (fs *SerenaFS) readDiskInode(id filesystem.InodeID) (*filesystem.Inode, error) {
	blk, err := fs.fc.MapBlock(container.LBA(id), container.MapReadOnly)
	if err != nil {
		return nil, err
	}
	defer fs.fc.UnmapBlock(blk.Token, container.WriteNone)

	b := blk.Data
	if filesystem.InodeID(binary.BigEndian.Uint32(b[32:36])) != id {
		return nil, kern.ErrIO
	}

	sn := &sfsNode{}
	for i := 0; i < MaxDirectBlockPointers; i++ {
		sn.blockMap[i] = container.LBA(binary.BigEndian.Uint32(b[diskInodeBlockMapOffset+4*i:]))
	}

	attrs := filesystem.InodeAttrs{
		Type:        filesystem.FileType(b[50]),
		UID:         binary.BigEndian.Uint32(b[36:40]),
		GID:         binary.BigEndian.Uint32(b[40:44]),
		Permissions: filesystem.Permissions(binary.BigEndian.Uint16(b[48:50])),
		LinkCount:   int(binary.BigEndian.Uint32(b[44:48])),
		Size:        int64(binary.BigEndian.Uint64(b[0:8])),
		AccessTime:  time.Unix(int64(binary.BigEndian.Uint64(b[8:16])), 0),
		ModTime:     time.Unix(int64(binary.BigEndian.Uint64(b[16:24])), 0),
		ChangeTime:  time.Unix(int64(binary.BigEndian.Uint64(b[24:32])), 0),
		RefCon:      sn,
	}

	return filesystem.NewInode(fs.ID(), id, attrs), nil
}

func (fs *SerenaFS) writeDiskInode(node *filesystem.Inode) error {
	blk, err := fs.fc.MapBlock(container.LBA(node.ID()), container.MapReplace)
	if err != nil {
		return err
	}

	node.Lock()
	info := node.GetFileInfo()
	sn := node.RefCon().(*sfsNode)
	encodeDiskInode(blk.Data, info, sn)
	node.Unlock()

	return fs.fc.UnmapBlock(blk.Token, container.WriteSync)
}

func encodeDiskInode(b []byte, info filesystem.FileInfo, sn *sfsNode) {
	for i := range b {
		b[i] = 0
	}
	binary.BigEndian.PutUint64(b[0:8], uint64(info.Size))
	binary.BigEndian.PutUint64(b[8:16], uint64(info.AccessTime.Unix()))
	binary.BigEndian.PutUint64(b[16:24], uint64(info.ModTime.Unix()))
	binary.BigEndian.PutUint64(b[24:32], uint64(info.ChangeTime.Unix()))
	binary.BigEndian.PutUint32(b[32:36], uint32(info.InodeID))
	binary.BigEndian.PutUint32(b[36:40], info.UID)
	binary.BigEndian.PutUint32(b[40:44], info.GID)
	binary.BigEndian.PutUint32(b[44:48], uint32(info.LinkCount))
	binary.BigEndian.PutUint16(b[48:50], uint16(info.Permissions))
	b[50] = byte(info.Type)
	for i := 0; i < MaxDirectBlockPointers; i++ {
		binary.BigEndian.PutUint32(b[diskInodeBlockMapOffset+4*i:], uint32(sn.blockMap[i]))
	}
}

////////////////////////////////////////////////////////////////////////
// Formatting
////////////////////////////////////////////////////////////////////////

// Format writes an empty SerenaFS volume onto the container: the volume
// header, the allocation bitmap and a root directory owned by user.
func Format(c container.Container, clock timeutil.Clock, user filesystem.User, permissions filesystem.Permissions) error {
	info := c.GetInfo()
	if info.BlockSize != BlockSize {
		return kern.ErrInvalidArgument
	}

	blockCount := info.BlockCount
	bitmapBlockCount := (blockCount + 8*BlockSize - 1) / (8 * BlockSize)
	rootLBA := container.LBA(bitmapStartLBA + bitmapBlockCount)
	rootDataLBA := rootLBA + 1
	if int(rootDataLBA) >= blockCount {
		return kern.ErrInvalidArgument
	}

	// Allocation bitmap: header, bitmap blocks, root inode and the root
	// directory's first data block are in use.
	bitmap := make([]byte, bitmapBlockCount*BlockSize)
	bitmapSet(bitmap, 0, true)
	for i := 0; i < bitmapBlockCount; i++ {
		bitmapSet(bitmap, container.LBA(bitmapStartLBA+i), true)
	}
	bitmapSet(bitmap, rootLBA, true)
	bitmapSet(bitmap, rootDataLBA, true)

	// Volume header.
	blk, err := c.MapBlock(0, container.MapCleared)
	if err != nil {
		return err
	}
	copy(blk.Data[0:4], volumeSignature)
	binary.BigEndian.PutUint32(blk.Data[4:8], volumeVersion)
	binary.BigEndian.PutUint32(blk.Data[8:12], uint32(blockCount))
	binary.BigEndian.PutUint32(blk.Data[12:16], bitmapStartLBA)
	binary.BigEndian.PutUint32(blk.Data[16:20], uint32(bitmapBlockCount))
	binary.BigEndian.PutUint32(blk.Data[20:24], uint32(rootLBA))
	if err := c.UnmapBlock(blk.Token, container.WriteSync); err != nil {
		return err
	}

	// Bitmap blocks.
	for i := 0; i < bitmapBlockCount; i++ {
		blk, err := c.MapBlock(container.LBA(bitmapStartLBA+i), container.MapCleared)
		if err != nil {
			return err
		}
		copy(blk.Data, bitmap[i*BlockSize:(i+1)*BlockSize])
		if err := c.UnmapBlock(blk.Token, container.WriteSync); err != nil {
			return err
		}
	}

	// Root directory: "." and ".." both point at the root.
	now := clock.Now()
	blk, err = c.MapBlock(rootDataLBA, container.MapCleared)
	if err != nil {
		return err
	}
	encodeDirectoryEntry(blk.Data[0:], uint32(rootLBA), filesystem.ComponentSelf)
	encodeDirectoryEntry(blk.Data[DirectoryEntrySize:], uint32(rootLBA), filesystem.ComponentParent)
	if err := c.UnmapBlock(blk.Token, container.WriteSync); err != nil {
		return err
	}

	sn := &sfsNode{}
	sn.blockMap[0] = rootDataLBA
	rootInfo := filesystem.FileInfo{
		Type:        filesystem.FileTypeDirectory,
		UID:         user.UID,
		GID:         user.GID,
		Permissions: permissions,
		LinkCount:   2,
		Size:        2 * DirectoryEntrySize,
		AccessTime:  now,
		ModTime:     now,
		ChangeTime:  now,
		InodeID:     filesystem.InodeID(rootLBA),
	}
	blk, err = c.MapBlock(rootLBA, container.MapCleared)
	if err != nil {
		return err
	}
	encodeDiskInode(blk.Data, rootInfo, sn)
	return c.UnmapBlock(blk.Token, container.WriteSync)
}
