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

package filesystem

import (
	"sync/atomic"

	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
)

// Special path components.
const (
	ComponentSelf   = "."
	ComponentParent = ".."
)

// A DirectoryEntry is one entry of a directory listing.
type DirectoryEntry struct {
	InodeID InodeID
	Name    string
}

// A Filesystem stores inodes. Implementations own their inodes: callers
// obtain counted acquisitions through the Acquire/Relinquish operations and
// the filesystem decides when an unused inode is evicted.
//
// It is the filesystem's job to implement a locking model for its inodes;
// the core acquires nodes unlocked and takes the per-inode lock across
// multi-step mutations.
type Filesystem interface {
	// ID returns the unique ID of this filesystem instance.
	ID() FilesystemID

	// OnMount is invoked when an instance of this filesystem is mounted on
	// the given block container.
	OnMount(c container.Container, params []byte) error

	// OnUnmount is invoked when a mounted instance is unmounted. The error
	// is purely advisory: the filesystem manager completes the unmount in
	// any case.
	OnUnmount() error

	// AcquireRootNode returns an acquisition of the filesystem's root
	// directory.
	AcquireRootNode() (*Inode, error)

	// AcquireNodeForName returns an acquisition of the node named by the
	// tuple (dir, name). Supports "." and ".."; a lookup of ".." on the
	// filesystem root returns the root itself. Returns kern.ErrNotFound if
	// no such entry exists and kern.ErrNameTooLong if the name exceeds
	// what the filesystem supports.
	AcquireNodeForName(dir *Inode, name string, user User) (*Inode, error)

	// AcquireParentOfNode returns an acquisition of the parent of node,
	// whatever node's type. Returns the node itself if it is the
	// filesystem root.
	AcquireParentOfNode(node *Inode, user User) (*Inode, error)

	// GetNameOfNode returns the name under which the child with ID childID
	// appears in dir. Returns kern.ErrNotFound if dir has no such child
	// and kern.ErrRange if the name exceeds maxLen.
	GetNameOfNode(dir *Inode, childID InodeID, user User, maxLen int) (string, error)

	// ReacquireNode returns an additional acquisition of a node the caller
	// already holds.
	ReacquireNode(node *Inode) *Inode

	// RelinquishNode gives up one acquisition.
	RelinquishNode(node *Inode)

	// CreateNode creates a new node of the given type as a child of dir.
	// Returns an acquisition of the new node.
	CreateNode(dir *Inode, name string, user User, typ FileType, permissions Permissions) (*Inode, error)

	// CreateDirectory creates an empty directory as a child of dir.
	CreateDirectory(dir *Inode, name string, user User, permissions Permissions) error

	// OpenDirectory opens the directory for reading and returns the I/O
	// channel for it.
	OpenDirectory(dir *Inode, user User) (*kio.Channel, error)

	// ReadDirectory reads the next batch of directory entries into
	// entries, starting at the channel's current index, and returns the
	// number of entries read. Entries 0 and 1 are "." and "..".
	ReadDirectory(ch *kio.Channel, entries []DirectoryEntry) (int, error)

	// CloseDirectory closes a directory channel.
	CloseDirectory(ch *kio.Channel) error

	// CheckAccess verifies that user may access node with the given
	// permissions.
	CheckAccess(node *Inode, user User, permissions Permissions) error

	// GetFileInfo returns the metadata snapshot of the node.
	GetFileInfo(node *Inode) (FileInfo, error)

	// SetFileInfo applies a partial metadata update to the node.
	SetFileInfo(node *Inode, user User, info *MutableFileInfo) error
}

var nextFilesystemID int32

// NextFilesystemID allocates a process-wide unique filesystem ID.
func NextFilesystemID() FilesystemID {
	return FilesystemID(atomic.AddInt32(&nextFilesystemID, 1))
}

// BaseFilesystem supplies the ID plumbing shared by all filesystem
// implementations.
type BaseFilesystem struct {
	fsid FilesystemID
}

// NewBaseFilesystem allocates a fresh filesystem ID.
func NewBaseFilesystem() BaseFilesystem {
	return BaseFilesystem{fsid: NextFilesystemID()}
}

// ID returns the filesystem instance ID.
func (fs *BaseFilesystem) ID() FilesystemID {
	return fs.fsid
}

// NotImplementedFilesystem fails every operation with kern.ErrNotSupported.
// Filesystem implementations embed it and override the operations they
// support.
type NotImplementedFilesystem struct{}

func (NotImplementedFilesystem) OnMount(container.Container, []byte) error {
	return kern.ErrNotSupported
}
func (NotImplementedFilesystem) OnUnmount() error { return kern.ErrNotSupported }
func (NotImplementedFilesystem) AcquireRootNode() (*Inode, error) {
	return nil, kern.ErrNotSupported
}
func (NotImplementedFilesystem) AcquireNodeForName(*Inode, string, User) (*Inode, error) {
	return nil, kern.ErrNotSupported
}
func (NotImplementedFilesystem) AcquireParentOfNode(*Inode, User) (*Inode, error) {
	return nil, kern.ErrNotSupported
}
func (NotImplementedFilesystem) GetNameOfNode(*Inode, InodeID, User, int) (string, error) {
	return "", kern.ErrNotSupported
}
func (NotImplementedFilesystem) ReacquireNode(node *Inode) *Inode { return node }
func (NotImplementedFilesystem) RelinquishNode(*Inode)            {}
func (NotImplementedFilesystem) CreateNode(*Inode, string, User, FileType, Permissions) (*Inode, error) {
	return nil, kern.ErrNotSupported
}
func (NotImplementedFilesystem) CreateDirectory(*Inode, string, User, Permissions) error {
	return kern.ErrNotSupported
}
func (NotImplementedFilesystem) OpenDirectory(*Inode, User) (*kio.Channel, error) {
	return nil, kern.ErrNotSupported
}
func (NotImplementedFilesystem) ReadDirectory(*kio.Channel, []DirectoryEntry) (int, error) {
	return 0, kern.ErrNotSupported
}
func (NotImplementedFilesystem) CloseDirectory(*kio.Channel) error { return nil }
func (NotImplementedFilesystem) CheckAccess(node *Inode, user User, permissions Permissions) error {
	return node.CheckAccess(user, permissions)
}
func (NotImplementedFilesystem) GetFileInfo(node *Inode) (FileInfo, error) {
	node.Lock()
	defer node.Unlock()
	return node.GetFileInfo(), nil
}
func (NotImplementedFilesystem) SetFileInfo(node *Inode, user User, info *MutableFileInfo) error {
	node.Lock()
	defer node.Unlock()
	return node.SetFileInfo(user, info)
}
