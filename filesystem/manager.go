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
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/logger"
)

// A mountpoint records one attachment of a filesystem to the global
// namespace. Exactly one mountpoint, the root mount, has no mounting
// filesystem and no mounting inode.
type mountpoint struct {
	mountedFilesystem  Filesystem
	mountingFilesystem Filesystem // nil for the root mount
	mountingInode      *Inode     // nil for the root mount
}

// A BusyReporter is implemented by filesystems that can tell whether any
// nodes or channels are still in use. The manager consults it during the
// safe-unmount check.
type BusyReporter interface {
	HasBusyNodes() bool
}

// The Manager is the mount table: it registers mounted filesystems, tracks
// where they are attached and answers the lookups the path resolver needs
// to cross mount boundaries. One mutex guards all of it.
type Manager struct {
	lock *dispatcher.Mutex

	// GUARDED_BY(lock)
	filesystems []Filesystem
	mountpoints []*mountpoint
	root        *mountpoint
}

// NewManager creates a filesystem manager and mounts rootFS as the root
// filesystem on the given container.
func NewManager(rootFS Filesystem, c container.Container, params []byte) (*Manager, error) {
	m := &Manager{
		lock: dispatcher.NewMutex(),
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.mountLocked(rootFS, c, params, nil); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) filesystemForIDLocked(fsid FilesystemID) Filesystem {
	for _, fs := range m.filesystems {
		if fs.ID() == fsid {
			return fs
		}
	}
	return nil
}

func (m *Manager) mountpointForFilesystemLocked(fsid FilesystemID) *mountpoint {
	for _, mp := range m.mountpoints {
		if mp.mountedFilesystem.ID() == fsid {
			return mp
		}
	}
	return nil
}

func (m *Manager) mountpointForInodeLocked(node *Inode) *mountpoint {
	for _, mp := range m.mountpoints {
		if mp.mountingInode != nil && mp.mountingInode.Equals(node) {
			return mp
		}
	}
	return nil
}

func (m *Manager) mountLocked(fs Filesystem, c container.Container, params []byte, atNode *Inode) error {
	var atMount *mountpoint

	if atNode != nil {
		// The directory to mount at must not be owned by the filesystem
		// being mounted, the filesystem must not already be mounted
		// elsewhere, and the owning filesystem must itself be mounted.
		if atNode.FilesystemID() == fs.ID() {
			return kern.ErrInvalidArgument
		}
		if m.mountpointForFilesystemLocked(fs.ID()) != nil {
			return kern.ErrInvalidArgument
		}
		atMount = m.mountpointForFilesystemLocked(atNode.FilesystemID())
		if atMount == nil {
			return kern.ErrInvalidArgument
		}
		if !atNode.IsDirectory() {
			return kern.ErrNotDirectory
		}
	} else if m.root != nil {
		return kern.ErrInvalidArgument
	}

	if err := fs.OnMount(c, params); err != nil {
		return err
	}

	mp := &mountpoint{mountedFilesystem: fs}
	if atNode != nil {
		mp.mountingFilesystem = atMount.mountedFilesystem
		mp.mountingInode = mp.mountingFilesystem.ReacquireNode(atNode)
		atNode.SetMountpoint(true)
	}

	if len(m.mountpoints) == 0 {
		m.root = mp
	}
	m.mountpoints = append(m.mountpoints, mp)

	registered := false
	for _, f := range m.filesystems {
		if f == fs {
			registered = true
			break
		}
	}
	if !registered {
		m.filesystems = append(m.filesystems, fs)
	}

	logger.Infof("mounted fs %d", fs.ID())
	return nil
}

// Mount attaches fs, backed by the container, at the directory atNode.
func (m *Manager) Mount(fs Filesystem, c container.Container, params []byte, atNode *Inode) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.mountLocked(fs, c, params, atNode)
}

// Unmount detaches fs from the directory atNode. The root filesystem cannot
// be unmounted. The filesystem's OnUnmount error is advisory and does not
// stop the unmount.
func (m *Manager) Unmount(fs Filesystem, atNode *Inode) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var mp *mountpoint
	if atNode.IsMountpoint() {
		mp = m.mountpointForInodeLocked(atNode)
	}
	if mp == nil || mp.mountedFilesystem.ID() != fs.ID() {
		return kern.ErrInvalidArgument
	}

	if fs.ID() == m.root.mountedFilesystem.ID() {
		return kern.ErrInvalidArgument
	}

	if err := mp.mountedFilesystem.OnUnmount(); err != nil {
		logger.Warnf("fs %d unmount reported: %v", fs.ID(), err)
	}

	atNode.SetMountpoint(false)
	for i, cur := range m.mountpoints {
		if cur == mp {
			m.mountpoints = append(m.mountpoints[:i], m.mountpoints[i+1:]...)
			break
		}
	}
	for i, cur := range m.filesystems {
		if cur == fs {
			m.filesystems = append(m.filesystems[:i], m.filesystems[i+1:]...)
			break
		}
	}

	if mp.mountingInode != nil {
		mp.mountingFilesystem.RelinquishNode(mp.mountingInode)
		mp.mountingInode = nil
	}
	mp.mountingFilesystem = nil
	mp.mountedFilesystem = nil

	return nil
}

// RootFilesystem returns the filesystem mounted at the root of the global
// namespace.
func (m *Manager) RootFilesystem() Filesystem {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.root == nil {
		return nil
	}
	return m.root.mountedFilesystem
}

// FilesystemForID returns the registered filesystem with the given ID, or
// nil.
func (m *Manager) FilesystemForID(fsid FilesystemID) Filesystem {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.filesystemForIDLocked(fsid)
}

// FilesystemMountedAtNode returns the filesystem mounted at the node, or
// nil if the node is not a mountpoint.
func (m *Manager) FilesystemMountedAtNode(node *Inode) Filesystem {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !node.IsMountpoint() {
		return nil
	}
	mp := m.mountpointForInodeLocked(node)
	if mp == nil {
		return nil
	}
	return mp.mountedFilesystem
}

// IsNodeMountpoint returns whether another filesystem is attached at the
// node.
func (m *Manager) IsNodeMountpoint(node *Inode) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return node.IsMountpoint()
}

// MountpointOfFilesystem returns an acquisition of the directory that
// mounts fs, together with the mounting filesystem. For the root filesystem
// both results are nil. Returns kern.ErrNotFound if fs is not mounted.
func (m *Manager) MountpointOfFilesystem(fs Filesystem) (*Inode, Filesystem, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	mp := m.mountpointForFilesystemLocked(fs.ID())
	if mp == nil {
		return nil, nil, kern.ErrNotFound
	}
	if mp.mountingInode == nil {
		return nil, nil, nil
	}

	return mp.mountingFilesystem.ReacquireNode(mp.mountingInode), mp.mountingFilesystem, nil
}

// CanSafelyUnmountFilesystem is called by a filesystem from its OnUnmount
// to verify that no outstanding acquisitions or open channels reference it
// beyond the mount table's own root acquisition.
func (m *Manager) CanSafelyUnmountFilesystem(fs Filesystem) bool {
	if br, ok := fs.(BusyReporter); ok {
		return !br.HasBusyNodes()
	}
	return true
}
