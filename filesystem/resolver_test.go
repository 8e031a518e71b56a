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

package filesystem_test

import (
	"strings"
	"testing"

	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFS is a minimal in-memory filesystem for resolver and mount table
// tests: a static tree of directories and files with permissive access.
type testFS struct {
	filesystem.NotImplementedFilesystem
	base filesystem.BaseFilesystem

	nodes    map[filesystem.InodeID]*filesystem.Inode
	children map[filesystem.InodeID]map[string]filesystem.InodeID
	parents  map[filesystem.InodeID]filesystem.InodeID
	rootID   filesystem.InodeID
	nextID   filesystem.InodeID
}

func newTestFS() *testFS {
	fs := &testFS{
		base:     filesystem.NewBaseFilesystem(),
		nodes:    make(map[filesystem.InodeID]*filesystem.Inode),
		children: make(map[filesystem.InodeID]map[string]filesystem.InodeID),
		parents:  make(map[filesystem.InodeID]filesystem.InodeID),
		nextID:   1,
	}
	fs.rootID = fs.addNode(0, filesystem.FileTypeDirectory)
	return fs
}

func (fs *testFS) addNode(parent filesystem.InodeID, typ filesystem.FileType) filesystem.InodeID {
	id := fs.nextID
	fs.nextID++

	perms := filesystem.MakePermissions(
		filesystem.PermRead|filesystem.PermWrite|filesystem.PermExecute,
		filesystem.PermRead|filesystem.PermExecute,
		filesystem.PermRead|filesystem.PermExecute)
	fs.nodes[id] = filesystem.NewInode(fs.base.ID(), id, filesystem.InodeAttrs{
		Type:        typ,
		Permissions: perms,
	})
	fs.children[id] = make(map[string]filesystem.InodeID)
	if parent != 0 {
		fs.parents[id] = parent
	} else {
		fs.parents[id] = id
	}
	return id
}

func (fs *testFS) addDir(parent filesystem.InodeID, name string) filesystem.InodeID {
	id := fs.addNode(parent, filesystem.FileTypeDirectory)
	fs.children[parent][name] = id
	return id
}

func (fs *testFS) addFile(parent filesystem.InodeID, name string) filesystem.InodeID {
	id := fs.addNode(parent, filesystem.FileTypeRegular)
	fs.children[parent][name] = id
	return id
}

func (fs *testFS) node(id filesystem.InodeID) *filesystem.Inode {
	return fs.nodes[id]
}

func (fs *testFS) ID() filesystem.FilesystemID { return fs.base.ID() }

func (fs *testFS) OnMount(c container.Container, params []byte) error { return nil }
func (fs *testFS) OnUnmount() error                                   { return nil }

func (fs *testFS) AcquireRootNode() (*filesystem.Inode, error) {
	return fs.acquire(fs.rootID)
}

func (fs *testFS) acquire(id filesystem.InodeID) (*filesystem.Inode, error) {
	node, ok := fs.nodes[id]
	if !ok {
		return nil, kern.ErrNotFound
	}
	node.AddUse(1)
	return node, nil
}

func (fs *testFS) AcquireNodeForName(dir *filesystem.Inode, name string, user filesystem.User) (*filesystem.Inode, error) {
	if !dir.IsDirectory() {
		return nil, kern.ErrNotDirectory
	}

	switch name {
	case filesystem.ComponentSelf:
		return fs.acquire(dir.ID())
	case filesystem.ComponentParent:
		return fs.acquire(fs.parents[dir.ID()])
	}

	id, ok := fs.children[dir.ID()][name]
	if !ok {
		return nil, kern.ErrNotFound
	}
	return fs.acquire(id)
}

func (fs *testFS) AcquireParentOfNode(node *filesystem.Inode, user filesystem.User) (*filesystem.Inode, error) {
	return fs.acquire(fs.parents[node.ID()])
}

func (fs *testFS) GetNameOfNode(dir *filesystem.Inode, childID filesystem.InodeID, user filesystem.User, maxLen int) (string, error) {
	for name, id := range fs.children[dir.ID()] {
		if id == childID {
			if len(name) > maxLen {
				return "", kern.ErrRange
			}
			return name, nil
		}
	}
	return "", kern.ErrNotFound
}

func (fs *testFS) ReacquireNode(node *filesystem.Inode) *filesystem.Inode {
	node.AddUse(1)
	return node
}

func (fs *testFS) RelinquishNode(node *filesystem.Inode) {
	node.AddUse(-1)
}

func (fs *testFS) CheckAccess(node *filesystem.Inode, user filesystem.User, permissions filesystem.Permissions) error {
	node.Lock()
	defer node.Unlock()
	return node.CheckAccess(user, permissions)
}

// world is the two-filesystem tree from the resolver scenarios: fs A
// mounted at /, fs B mounted at /mnt.
type world struct {
	mgr      *filesystem.Manager
	fsA      *testFS
	fsB      *testFS
	a, b     filesystem.InodeID // /a, /a/b on A
	mnt      filesystem.InodeID // /mnt on A
	x        filesystem.InodeID // /x on B
	resolver *filesystem.Resolver
}

func buildWorld(t *testing.T) *world {
	w := &world{}

	w.fsA = newTestFS()
	w.a = w.fsA.addDir(w.fsA.rootID, "a")
	w.b = w.fsA.addFile(w.a, "b")
	w.mnt = w.fsA.addDir(w.fsA.rootID, "mnt")

	w.fsB = newTestFS()
	w.x = w.fsB.addFile(w.fsB.rootID, "x")

	var err error
	w.mgr, err = filesystem.NewManager(w.fsA, nil, nil)
	require.NoError(t, err)

	require.NoError(t, w.mgr.Mount(w.fsB, nil, nil, w.fsA.node(w.mnt)))

	root := w.fsA.node(w.fsA.rootID)
	w.resolver = filesystem.NewResolver(w.mgr, root, w.fsA, root, w.fsA)

	return w
}

func TestResolveSimplePath(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/a/b", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.b, res.Inode.ID())
		assert.Equal(t, w.fsA.ID(), res.Inode.FilesystemID())
	})
}

func TestResolveDotDotFromCwd(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "mnt/..", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.fsA.rootID, res.Inode.ID())
		assert.Equal(t, w.fsA.ID(), res.Inode.FilesystemID())
	})
}

func TestResolveCrossesMountDownward(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/mnt/x", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.x, res.Inode.ID())
		assert.Equal(t, w.fsB.ID(), res.Inode.FilesystemID())
	})
}

func TestResolveCrossesMountUpward(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/mnt/..", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.fsA.rootID, res.Inode.ID())
		assert.Equal(t, w.fsA.ID(), res.Inode.FilesystemID())
	})
}

func TestResolvePathTooLong(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		long := "/" + strings.Repeat("a", filesystem.PathMax+1)
		_, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, long, filesystem.RootUser)
		assert.ErrorIs(t, err, kern.ErrNameTooLong)
	})
}

func TestResolveTrailingSlash(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "a/", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.a, res.Inode.ID())
	})
}

func TestResolveParentMode(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveParent, "/a/b", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.a, res.Inode.ID())
		assert.Equal(t, "b", res.LastComponent)
	})
}

func TestResolveIntermediateNonDirectory(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		_, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/a/b/c", filesystem.RootUser)
		assert.ErrorIs(t, err, kern.ErrNotDirectory)
	})
}

func TestResolveMissingComponent(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		_, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/nope", filesystem.RootUser)
		assert.ErrorIs(t, err, kern.ErrNotFound)

		_, err = w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "", filesystem.RootUser)
		assert.ErrorIs(t, err, kern.ErrNotFound)
	})
}

func TestResolveDotDotAboveRootStaysAtRoot(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		res, err := w.resolver.AcquireNodeForPath(filesystem.ResolveTarget, "/../../a", filesystem.RootUser)
		require.NoError(t, err)
		defer res.Relinquish()

		assert.Equal(t, w.a, res.Inode.ID())
	})
}

func TestWorkingDirectoryPath(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		require.NoError(t, w.resolver.SetWorkingDirectoryPath("/a", filesystem.RootUser))

		path, err := w.resolver.WorkingDirectoryPath(filesystem.RootUser, filesystem.PathMax)
		require.NoError(t, err)
		assert.Equal(t, "/a", path)
	})
}
