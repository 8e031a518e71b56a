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

// Package filesystem implements the filesystem core: the inode model, the
// pluggable Filesystem interface, the mount table and the path resolver.
package filesystem

import (
	"time"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
)

// FilesystemID globally identifies a filesystem instance. 0 is never valid.
type FilesystemID int32

// InodeID identifies an inode within its filesystem.
type InodeID int64

// FileType is the kind of object an inode represents.
type FileType int8

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeDevice
	FileTypeFIFO
	FileTypeSymlink
	FileTypeFilesystem
	FileTypeProcess
)

// Permissions are rwxrwxrwx bits: owner, group, other.
type Permissions uint16

// Permission bits of a single scope.
const (
	PermExecute Permissions = 1 << iota
	PermWrite
	PermRead
)

// MakePermissions builds a full permission set from per-scope bits.
func MakePermissions(owner, group, other Permissions) Permissions {
	return owner<<6 | group<<3 | other
}

// User identifies the subject of a permission check.
type User struct {
	UID uint32
	GID uint32
}

// RootUser is the superuser.
var RootUser = User{UID: 0, GID: 0}

// Inode flag bits.
const (
	// inodeFlagMountpoint is guarded by the filesystem manager lock.
	inodeFlagMountpoint uint8 = 1 << iota

	// The remaining flags are guarded by the inode lock and mark which
	// timestamps need a writeback.
	inodeFlagAccessed
	inodeFlagUpdated
	inodeFlagStatusChanged
)

// An Inode is the metadata of a file, directory or other filesystem object.
// The owning filesystem manages its lifetime; callers hold counted
// acquisitions obtained through the filesystem and hold the inode lock
// across multi-step operations that mutate inode state.
//
// Two inodes are the same object iff their (FilesystemID, InodeID) pairs
// are equal.
type Inode struct {
	lock *dispatcher.Mutex

	fsid FilesystemID
	id   InodeID
	typ  FileType

	// GUARDED_BY(lock)
	uid         uint32
	gid         uint32
	permissions Permissions
	linkCount   int
	size        int64
	accessTime  time.Time
	modTime     time.Time
	changeTime  time.Time
	flags       uint8

	// Use count: incremented on acquisition, decremented on relinquishing.
	// GUARDED_BY the filesystem's inode management lock.
	useCount int

	// Filesystem specific payload; never touched by the core.
	refcon interface{}
}

// InodeAttrs carries the initial attributes of a new inode.
type InodeAttrs struct {
	Type        FileType
	UID         uint32
	GID         uint32
	Permissions Permissions
	LinkCount   int
	Size        int64
	AccessTime  time.Time
	ModTime     time.Time
	ChangeTime  time.Time
	RefCon      interface{}
}

// NewInode creates an inode. Only filesystem implementations call this.
func NewInode(fsid FilesystemID, id InodeID, attrs InodeAttrs) *Inode {
	linkCount := attrs.LinkCount
	if linkCount == 0 {
		linkCount = 1
	}
	return &Inode{
		lock:        dispatcher.NewMutex(),
		fsid:        fsid,
		id:          id,
		typ:         attrs.Type,
		uid:         attrs.UID,
		gid:         attrs.GID,
		permissions: attrs.Permissions,
		linkCount:   linkCount,
		size:        attrs.Size,
		accessTime:  attrs.AccessTime,
		modTime:     attrs.ModTime,
		changeTime:  attrs.ChangeTime,
		refcon:      attrs.RefCon,
	}
}

// Lock acquires the inode lock.
func (in *Inode) Lock() { in.lock.Lock() }

// Unlock releases the inode lock.
func (in *Inode) Unlock() { in.lock.Unlock() }

// ID returns the filesystem specific ID of the inode.
func (in *Inode) ID() InodeID { return in.id }

// FilesystemID returns the ID of the owning filesystem.
func (in *Inode) FilesystemID() FilesystemID { return in.fsid }

// Type returns the inode's file type. Immutable.
func (in *Inode) Type() FileType { return in.typ }

// IsDirectory returns true for directory inodes.
func (in *Inode) IsDirectory() bool { return in.typ == FileTypeDirectory }

// IsRegular returns true for regular file inodes.
func (in *Inode) IsRegular() bool { return in.typ == FileTypeRegular }

// Equals returns true if the receiver and other are the same node.
func (in *Inode) Equals(other *Inode) bool {
	if other == nil {
		return false
	}
	return in.fsid == other.fsid && in.id == other.id
}

// Size returns the file size. Requires the lock for a consistent view
// across a multi-step operation.
func (in *Inode) Size() int64 { return in.size }

// SetSize updates the file size. Requires the lock.
func (in *Inode) SetSize(size int64) { in.size = size }

// LinkCount returns the number of directory entries referencing the inode.
func (in *Inode) LinkCount() int { return in.linkCount }

// Link increments the link count. Requires the lock.
func (in *Inode) Link() { in.linkCount++ }

// Unlink decrements the link count. Requires the lock.
func (in *Inode) Unlink() { in.linkCount-- }

// RefCon returns the filesystem specific payload.
func (in *Inode) RefCon() interface{} { return in.refcon }

// SetRefCon attaches a filesystem specific payload.
func (in *Inode) SetRefCon(v interface{}) { in.refcon = v }

// UseCount returns the current acquisition count. Callers must hold the
// owning filesystem's inode management lock.
func (in *Inode) UseCount() int { return in.useCount }

// AddUse adjusts the acquisition count by delta. Callers must hold the
// owning filesystem's inode management lock.
func (in *Inode) AddUse(delta int) { in.useCount += delta }

// IsMountpoint returns whether another filesystem is attached at this
// directory. Guarded by the filesystem manager lock.
func (in *Inode) IsMountpoint() bool {
	return in.flags&inodeFlagMountpoint != 0
}

// SetMountpoint marks or unmarks the inode as a mountpoint. Only the
// filesystem manager calls this, with its lock held.
func (in *Inode) SetMountpoint(flag bool) {
	if flag {
		in.flags |= inodeFlagMountpoint
	} else {
		in.flags &^= inodeFlagMountpoint
	}
}

// MarkAccessed records that the access time needs updating. Requires the
// lock.
func (in *Inode) MarkAccessed() { in.flags |= inodeFlagAccessed }

// MarkUpdated records that the modification time needs updating. Requires
// the lock.
func (in *Inode) MarkUpdated() { in.flags |= inodeFlagUpdated }

// MarkStatusChanged records that the status-change time needs updating.
// Requires the lock.
func (in *Inode) MarkStatusChanged() { in.flags |= inodeFlagStatusChanged }

// IsModified returns whether any timestamp writeback is pending. Requires
// the lock.
func (in *Inode) IsModified() bool {
	return in.flags&(inodeFlagAccessed|inodeFlagUpdated|inodeFlagStatusChanged) != 0
}

// ClearModified resets the timestamp writeback flags. Requires the lock.
func (in *Inode) ClearModified() {
	in.flags &^= inodeFlagAccessed | inodeFlagUpdated | inodeFlagStatusChanged
}

// CheckAccess returns nil if user has at least the given permissions on the
// inode, in the permission scope (owner, group, other) that applies to the
// user; kern.ErrAccess otherwise.
func (in *Inode) CheckAccess(user User, permission Permissions) error {
	var required Permissions
	switch {
	case in.uid == user.UID:
		required = MakePermissions(permission, 0, 0)
	case in.gid == user.GID:
		required = MakePermissions(0, permission, 0)
	default:
		required = MakePermissions(0, 0, permission)
	}

	if in.permissions&required == required {
		return nil
	}
	return kern.ErrAccess
}

// FileInfo is a snapshot of an inode's metadata.
type FileInfo struct {
	Type         FileType
	UID          uint32
	GID          uint32
	Permissions  Permissions
	LinkCount    int
	Size         int64
	AccessTime   time.Time
	ModTime      time.Time
	ChangeTime   time.Time
	FilesystemID FilesystemID
	InodeID      InodeID
}

// GetFileInfo returns a file info record for the inode. Requires the lock.
func (in *Inode) GetFileInfo() FileInfo {
	return FileInfo{
		Type:         in.typ,
		UID:          in.uid,
		GID:          in.gid,
		Permissions:  in.permissions,
		LinkCount:    in.linkCount,
		Size:         in.size,
		AccessTime:   in.accessTime,
		ModTime:      in.modTime,
		ChangeTime:   in.changeTime,
		FilesystemID: in.fsid,
		InodeID:      in.id,
	}
}

// Fields of MutableFileInfo that SetFileInfo should apply.
const (
	ModifyUID = 1 << iota
	ModifyGID
	ModifyPermissions
)

// MutableFileInfo describes a partial update of an inode's metadata.
type MutableFileInfo struct {
	Modify          uint32
	UID             uint32
	GID             uint32
	Permissions     Permissions
	PermissionsMask Permissions
}

// SetFileInfo applies the requested changes if permissible: uid, gid and
// permission bits may only be changed by the owner or the superuser.
// Requires the lock.
func (in *Inode) SetFileInfo(user User, info *MutableFileInfo) error {
	if info.Modify&(ModifyUID|ModifyGID|ModifyPermissions) != 0 {
		if user.UID != in.uid && user.UID != RootUser.UID {
			return kern.ErrPermission
		}
	}

	if info.Modify&ModifyUID != 0 {
		in.uid = info.UID
	}
	if info.Modify&ModifyGID != 0 {
		in.gid = info.GID
	}
	if info.Modify&ModifyPermissions != 0 {
		in.permissions &^= info.PermissionsMask
		in.permissions |= info.Permissions & info.PermissionsMask
	}
	in.MarkStatusChanged()

	return nil
}
