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
	"github.com/serenaos/kernel/kern"
)

// Path limits enforced by the resolver.
const (
	PathMax          = 511
	PathComponentMax = 127
)

// ResolutionMode selects what AcquireNodeForPath returns.
type ResolutionMode int

const (
	// ResolveTarget resolves the whole path and returns the target node.
	ResolveTarget ResolutionMode = iota

	// ResolveParent stops at the last component and returns the parent
	// directory plus the unresolved last component.
	ResolveParent
)

// A Result carries the acquisition produced by a path resolution. Callers
// must call Relinquish when done with it.
type Result struct {
	Inode      *Inode
	Filesystem Filesystem

	// LastComponent is the unresolved final component in ResolveParent
	// mode; empty in ResolveTarget mode.
	LastComponent string
}

// Relinquish gives up the acquisition held by the result.
func (r *Result) Relinquish() {
	if r.Inode != nil {
		r.Filesystem.RelinquishNode(r.Inode)
		r.Inode = nil
	}
	r.Filesystem = nil
}

// An inodeIterator tracks the current position during a resolution: an
// acquired inode plus the filesystem that owns it.
type inodeIterator struct {
	inode      *Inode
	filesystem Filesystem
}

func (it *inodeIterator) deinit() {
	if it.inode != nil {
		it.filesystem.RelinquishNode(it.inode)
		it.inode = nil
	}
	it.filesystem = nil
}

// updateNodeOnly takes ownership of newNode, which lives on the iterator's
// current filesystem.
func (it *inodeIterator) updateNodeOnly(newNode *Inode) {
	it.filesystem.RelinquishNode(it.inode)
	it.inode = newNode
}

// update takes ownership of newNode and switches the iterator to the
// filesystem that owns it.
func (it *inodeIterator) update(newNode *Inode, newFS Filesystem) {
	it.filesystem.RelinquishNode(it.inode)
	it.inode = newNode
	it.filesystem = newFS
}

// A Resolver resolves paths iteratively against a per-caller root directory
// and current working directory. Each process owns one.
type Resolver struct {
	manager *Manager

	rootDir *Inode
	rootFS  Filesystem
	cwdDir  *Inode
	cwdFS   Filesystem
}

// NewResolver creates a resolver bound to the given root and working
// directories. The resolver takes its own acquisitions.
func NewResolver(manager *Manager, rootDir *Inode, rootFS Filesystem, cwd *Inode, cwdFS Filesystem) *Resolver {
	return &Resolver{
		manager: manager,
		rootDir: rootFS.ReacquireNode(rootDir),
		rootFS:  rootFS,
		cwdDir:  cwdFS.ReacquireNode(cwd),
		cwdFS:   cwdFS,
	}
}

// Clone returns an independent resolver with the same root and working
// directory bindings.
func (r *Resolver) Clone() *Resolver {
	return NewResolver(r.manager, r.rootDir, r.rootFS, r.cwdDir, r.cwdFS)
}

// Deinit relinquishes the resolver's directory acquisitions.
func (r *Resolver) Deinit() {
	if r.rootDir != nil {
		r.rootFS.RelinquishNode(r.rootDir)
		r.rootDir = nil
	}
	if r.cwdDir != nil {
		r.cwdFS.RelinquishNode(r.cwdDir)
		r.cwdDir = nil
	}
}

// IsRootDirectory returns true if node is the resolver's root directory.
func (r *Resolver) IsRootDirectory(node *Inode) bool {
	return r.rootDir.Equals(node)
}

// walkUp moves the iterator to the parent of its current node. Crossing a
// filesystem root consults the mount table for the directory that mounts
// the filesystem and continues with that directory's parent.
func (r *Resolver) walkUp(it *inodeIterator, user User) error {
	// Stay put at the resolver's root.
	if it.inode.Equals(r.rootDir) {
		return nil
	}

	parent, err := it.filesystem.AcquireNodeForName(it.inode, ComponentParent, user)
	if err != nil {
		return err
	}

	if !it.inode.Equals(parent) {
		// Plain parent within the same filesystem.
		it.updateNodeOnly(parent)
		return nil
	}
	it.filesystem.RelinquishNode(parent)

	// We are at the root of a filesystem mounted somewhere below the
	// global root. Find the mounting directory and take its parent; both
	// necessarily live in the same parent filesystem, since a filesystem
	// cannot be mounted on another filesystem's root.
	mountingDir, mountingFS, err := r.manager.MountpointOfFilesystem(it.filesystem)
	if err != nil {
		return err
	}
	if mountingDir == nil {
		// The global root; stay put.
		return nil
	}

	parentOfMounting, err := mountingFS.AcquireNodeForName(mountingDir, ComponentParent, user)
	mountingFS.RelinquishNode(mountingDir)
	if err != nil {
		return err
	}

	it.update(parentOfMounting, mountingFS)
	return nil
}

// walkDown moves the iterator to the child named by component, or sideways
// for ".". A child that is a mountpoint switches the iterator to the
// mounted filesystem's root.
func (r *Resolver) walkDown(it *inodeIterator, component string, user User) error {
	child, err := it.filesystem.AcquireNodeForName(it.inode, component, user)
	if err != nil {
		return err
	}

	// A lookup of "." hands back the node we started with, with an extra
	// acquisition that we drop again.
	if it.inode.Equals(child) {
		it.filesystem.RelinquishNode(child)
		return nil
	}

	mountedFS := r.manager.FilesystemMountedAtNode(child)
	if mountedFS == nil {
		it.updateNodeOnly(child)
		return nil
	}

	root, err := mountedFS.AcquireRootNode()
	if err != nil {
		it.filesystem.RelinquishNode(child)
		return err
	}
	it.filesystem.RelinquishNode(child)
	it.update(root, mountedFS)
	return nil
}

// step advances the iterator by one path component.
func (r *Resolver) step(it *inodeIterator, component string, user User) error {
	// Every intermediate node must be a directory.
	if !it.inode.IsDirectory() {
		return kern.ErrNotDirectory
	}

	if component == ComponentParent {
		return r.walkUp(it, user)
	}
	return r.walkDown(it, component, user)
}

// AcquireNodeForPath resolves path, relative to the working directory
// unless it is absolute, and returns the acquired target (ResolveTarget) or
// the acquired parent plus the final component (ResolveParent).
func (r *Resolver) AcquireNodeForPath(mode ResolutionMode, path string, user User) (Result, error) {
	if path == "" {
		return Result{}, kern.ErrNotFound
	}
	if len(path) > PathMax {
		return Result{}, kern.ErrNameTooLong
	}

	startDir, startFS := r.cwdDir, r.cwdFS
	if path[0] == '/' {
		startDir, startFS = r.rootDir, r.rootFS
	}

	it := inodeIterator{
		inode:      startFS.ReacquireNode(startDir),
		filesystem: startFS,
	}

	pi := 0
	for {
		// Skip runs of '/'.
		for pi < len(path) && path[pi] == '/' {
			pi++
		}

		// Pick up the next component.
		ni := pi
		for ni < len(path) && path[ni] != '/' {
			ni++
		}
		component := path[pi:ni]
		if len(component) > PathComponentMax {
			it.deinit()
			return Result{}, kern.ErrNameTooLong
		}

		// A path that ends in a trailing '/' resolves as if it ended in
		// "/.".
		if component == "" {
			component = ComponentSelf
		}

		if mode == ResolveParent {
			// Check whether this is the last component; if so the
			// iterator points at the parent.
			si := ni
			for si < len(path) && path[si] == '/' {
				si++
			}
			if si == len(path) {
				return Result{
					Inode:         it.inode,
					Filesystem:    it.filesystem,
					LastComponent: component,
				}, nil
			}
		}

		if err := r.step(&it, component, user); err != nil {
			it.deinit()
			return Result{}, err
		}

		if ni == len(path) {
			break
		}
		pi = ni
	}

	// Ownership of the node and filesystem moves from the iterator to the
	// result.
	return Result{
		Inode:      it.inode,
		Filesystem: it.filesystem,
	}, nil
}

// setDirectoryPath resolves path to a directory, verifies search permission
// and retargets *dir / *fs to it.
func (r *Resolver) setDirectoryPath(path string, user User, dir **Inode, fs *Filesystem) error {
	res, err := r.AcquireNodeForPath(ResolveTarget, path, user)
	if err != nil {
		return err
	}

	if !res.Inode.IsDirectory() {
		res.Relinquish()
		return kern.ErrNotDirectory
	}
	if err := res.Filesystem.CheckAccess(res.Inode, user, PermExecute); err != nil {
		res.Relinquish()
		return err
	}

	if *dir != nil {
		(*fs).RelinquishNode(*dir)
	}
	*dir = res.Inode
	*fs = res.Filesystem

	return nil
}

// SetWorkingDirectoryPath rebinds the resolver's working directory.
func (r *Resolver) SetWorkingDirectoryPath(path string, user User) error {
	return r.setDirectoryPath(path, user, &r.cwdDir, &r.cwdFS)
}

// SetRootDirectoryPath rebinds the resolver's root directory.
func (r *Resolver) SetRootDirectoryPath(path string, user User) error {
	return r.setDirectoryPath(path, user, &r.rootDir, &r.rootFS)
}

// WorkingDirectoryPath rebuilds the absolute path of the working directory
// by walking up to the resolver's root. Returns kern.ErrRange if the path
// does not fit maxLen bytes.
func (r *Resolver) WorkingDirectoryPath(user User, maxLen int) (string, error) {
	it := inodeIterator{
		inode:      r.cwdFS.ReacquireNode(r.cwdDir),
		filesystem: r.cwdFS,
	}
	defer it.deinit()

	var components []string
	total := 0
	for !it.inode.Equals(r.rootDir) {
		childID := it.inode.ID()

		if err := r.walkUp(&it, user); err != nil {
			return "", err
		}

		name, err := it.filesystem.GetNameOfNode(it.inode, childID, user, PathComponentMax)
		if err != nil {
			return "", err
		}

		components = append(components, name)
		total += len(name) + 1
		if total > maxLen {
			return "", kern.ErrRange
		}
	}

	if len(components) == 0 {
		return "/", nil
	}

	buf := make([]byte, 0, total)
	for i := len(components) - 1; i >= 0; i-- {
		buf = append(buf, '/')
		buf = append(buf, components[i]...)
	}

	return string(buf), nil
}
