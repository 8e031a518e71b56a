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
	"testing"

	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountTableLookups(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		assert.Equal(t, w.fsA.ID(), w.mgr.RootFilesystem().ID())
		assert.Equal(t, w.fsB.ID(), w.mgr.FilesystemForID(w.fsB.ID()).ID())
		assert.Nil(t, w.mgr.FilesystemForID(12345))

		// Mountpoint probe.
		mntNode := w.fsA.node(w.mnt)
		assert.True(t, w.mgr.IsNodeMountpoint(mntNode))
		mounted := w.mgr.FilesystemMountedAtNode(mntNode)
		require.NotNil(t, mounted)
		assert.Equal(t, w.fsB.ID(), mounted.ID())

		aNode := w.fsA.node(w.a)
		assert.Nil(t, w.mgr.FilesystemMountedAtNode(aNode))

		// Mountpoint-of-filesystem, used for ".." traversal.
		dir, owner, err := w.mgr.MountpointOfFilesystem(w.fsB)
		require.NoError(t, err)
		require.NotNil(t, dir)
		assert.Equal(t, w.mnt, dir.ID())
		assert.Equal(t, w.fsA.ID(), owner.ID())
		owner.RelinquishNode(dir)

		// The root filesystem has no mountpoint.
		dir, owner, err = w.mgr.MountpointOfFilesystem(w.fsA)
		require.NoError(t, err)
		assert.Nil(t, dir)
		assert.Nil(t, owner)
	})
}

func TestMountValidation(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)

		// A filesystem cannot be mounted twice.
		other := w.fsA.addDir(w.fsA.rootID, "other")
		err := w.mgr.Mount(w.fsB, nil, nil, w.fsA.node(other))
		assert.ErrorIs(t, err, kern.ErrInvalidArgument)

		// A directory cannot host a mount of its own filesystem.
		fsC := newTestFS()
		err = w.mgr.Mount(fsC, nil, nil, fsC.node(fsC.rootID))
		assert.ErrorIs(t, err, kern.ErrInvalidArgument)

		// Only directories can be mountpoints.
		err = w.mgr.Mount(fsC, nil, nil, w.fsA.node(w.b))
		assert.ErrorIs(t, err, kern.ErrNotDirectory)
	})
}

func TestUnmount(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		w := buildWorld(t)
		mntNode := w.fsA.node(w.mnt)

		// Wrong filesystem at the node.
		fsC := newTestFS()
		assert.ErrorIs(t, w.mgr.Unmount(fsC, mntNode), kern.ErrInvalidArgument)

		// The root filesystem cannot be unmounted.
		rootNode := w.fsA.node(w.fsA.rootID)
		assert.ErrorIs(t, w.mgr.Unmount(w.fsA, rootNode), kern.ErrInvalidArgument)

		// A real unmount clears the mountpoint flag and the registration.
		require.NoError(t, w.mgr.Unmount(w.fsB, mntNode))
		assert.False(t, mntNode.IsMountpoint())
		assert.Nil(t, w.mgr.FilesystemForID(w.fsB.ID()))

		// Unmounting again fails.
		assert.ErrorIs(t, w.mgr.Unmount(w.fsB, mntNode), kern.ErrInvalidArgument)
	})
}

func TestFilesystemIDAllocation(t *testing.T) {
	a := filesystem.NextFilesystemID()
	b := filesystem.NextFilesystemID()
	assert.Greater(t, b, a)
}
