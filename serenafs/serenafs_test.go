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

package serenafs_test

import (
	"strings"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/dispatcher/dispatchertest"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
	"github.com/serenaos/kernel/serenafs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUser = filesystem.User{UID: 100, GID: 100}

var dirPerms = filesystem.MakePermissions(
	filesystem.PermRead|filesystem.PermWrite|filesystem.PermExecute,
	filesystem.PermRead|filesystem.PermExecute,
	filesystem.PermRead|filesystem.PermExecute)

var filePerms = filesystem.MakePermissions(
	filesystem.PermRead|filesystem.PermWrite,
	filesystem.PermRead,
	filesystem.PermRead)

// newVolume formats a fresh ram container and mounts a SerenaFS on it.
func newVolume(t *testing.T, blocks int) (*serenafs.SerenaFS, *container.RamContainer) {
	t.Helper()

	rc, err := container.NewRamContainer(serenafs.BlockSize, blocks)
	require.NoError(t, err)

	clock := timeutil.RealClock()
	require.NoError(t, serenafs.Format(rc, clock, testUser, dirPerms))

	fs := serenafs.New(clock)
	require.NoError(t, fs.OnMount(rc, nil))

	return fs, rc
}

func TestFormatAndMount(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		assert.True(t, root.IsDirectory())

		info, err := fs.GetFileInfo(root)
		require.NoError(t, err)
		assert.Equal(t, testUser.UID, info.UID)
		assert.Equal(t, 2, info.LinkCount)
	})
}

func TestCreateAndLookupDirectory(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		require.NoError(t, fs.CreateDirectory(root, "home", testUser, dirPerms))

		home, err := fs.AcquireNodeForName(root, "home", testUser)
		require.NoError(t, err)
		defer fs.RelinquishNode(home)
		assert.True(t, home.IsDirectory())

		// "." and ".." resolve through the directory's own entries.
		self, err := fs.AcquireNodeForName(home, ".", testUser)
		require.NoError(t, err)
		assert.True(t, self.Equals(home))
		fs.RelinquishNode(self)

		parent, err := fs.AcquireNodeForName(home, "..", testUser)
		require.NoError(t, err)
		assert.True(t, parent.Equals(root))
		fs.RelinquishNode(parent)

		// ".." at the root yields the root.
		rootParent, err := fs.AcquireNodeForName(root, "..", testUser)
		require.NoError(t, err)
		assert.True(t, rootParent.Equals(root))
		fs.RelinquishNode(rootParent)
	})
}

func TestCreateExistingNameFails(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		require.NoError(t, fs.CreateDirectory(root, "dup", testUser, dirPerms))
		assert.ErrorIs(t, fs.CreateDirectory(root, "dup", testUser, dirPerms), kern.ErrExists)
	})
}

func TestFilenameTooLong(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		long := strings.Repeat("x", serenafs.MaxFilenameLength+1)
		_, err = fs.CreateNode(root, long, testUser, filesystem.FileTypeRegular, filePerms)
		assert.ErrorIs(t, err, kern.ErrNameTooLong)

		_, err = fs.AcquireNodeForName(root, long, testUser)
		assert.ErrorIs(t, err, kern.ErrNameTooLong)
	})
}

func TestFileWriteAndReadBack(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 256)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		node, err := fs.CreateNode(root, "data.bin", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)
		defer fs.RelinquishNode(node)

		// Write a payload spanning several blocks.
		payload := make([]byte, 3*serenafs.BlockSize+123)
		for i := range payload {
			payload[i] = byte(i % 253)
		}

		wch, err := fs.OpenFile(node, kio.ModeWrite, testUser)
		require.NoError(t, err)
		n, err := wch.Write(payload)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		require.NoError(t, wch.Close())

		info, err := fs.GetFileInfo(node)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), info.Size)

		rch, err := fs.OpenFile(node, kio.ModeRead, testUser)
		require.NoError(t, err)
		defer rch.Close()

		got := make([]byte, 0, len(payload))
		buf := make([]byte, 700)
		for {
			n, err := rch.Read(buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		assert.Equal(t, payload, got)
	})
}

func TestFileSeek(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		node, err := fs.CreateNode(root, "f", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)
		defer fs.RelinquishNode(node)

		ch, err := fs.OpenFile(node, kio.ModeRead|kio.ModeWrite, testUser)
		require.NoError(t, err)
		defer ch.Close()

		_, err = ch.Write([]byte("0123456789"))
		require.NoError(t, err)

		_, err = ch.Seek(4, kio.SeekSet)
		require.NoError(t, err)

		buf := make([]byte, 3)
		n, err := ch.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, "456", string(buf))
	})
}

func TestReadDirectory(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 256)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		for _, name := range []string{"alpha", "beta", "gamma"} {
			require.NoError(t, fs.CreateDirectory(root, name, testUser, dirPerms))
		}

		ch, err := fs.OpenDirectory(root, testUser)
		require.NoError(t, err)
		defer ch.Close()

		var names []string
		entries := make([]filesystem.DirectoryEntry, 2)
		for {
			n, err := fs.ReadDirectory(ch, entries)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			for _, e := range entries[:n] {
				names = append(names, e.Name)
			}
		}

		// Entries 0 and 1 are "." and "..".
		require.GreaterOrEqual(t, len(names), 5)
		assert.Equal(t, ".", names[0])
		assert.Equal(t, "..", names[1])
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, names[2:])
	})
}

func TestUnlink(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 256)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		node, err := fs.CreateNode(root, "victim", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)
		fs.RelinquishNode(node)

		require.NoError(t, fs.Unlink(root, "victim", testUser))
		_, err = fs.AcquireNodeForName(root, "victim", testUser)
		assert.ErrorIs(t, err, kern.ErrNotFound)

		// A non-empty directory refuses to go.
		require.NoError(t, fs.CreateDirectory(root, "dir", testUser, dirPerms))
		dir, err := fs.AcquireNodeForName(root, "dir", testUser)
		require.NoError(t, err)
		require.NoError(t, fs.CreateDirectory(dir, "sub", testUser, dirPerms))
		fs.RelinquishNode(dir)

		assert.ErrorIs(t, fs.Unlink(root, "dir", testUser), kern.ErrBusy)
	})
}

func TestPersistenceAcrossRemount(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, rc := newVolume(t, 256)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)

		require.NoError(t, fs.CreateDirectory(root, "persist", testUser, dirPerms))
		node, err := fs.CreateNode(root, "note.txt", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)

		ch, err := fs.OpenFile(node, kio.ModeWrite, testUser)
		require.NoError(t, err)
		_, err = ch.Write([]byte("remember me"))
		require.NoError(t, err)
		require.NoError(t, ch.Close())

		fs.RelinquishNode(node)
		fs.RelinquishNode(root)
		require.NoError(t, fs.OnUnmount())

		// Mount a second instance on the same container.
		fs2 := serenafs.New(timeutil.RealClock())
		require.NoError(t, fs2.OnMount(rc, nil))

		root2, err := fs2.AcquireRootNode()
		require.NoError(t, err)
		defer fs2.RelinquishNode(root2)

		dir, err := fs2.AcquireNodeForName(root2, "persist", testUser)
		require.NoError(t, err)
		assert.True(t, dir.IsDirectory())
		fs2.RelinquishNode(dir)

		note, err := fs2.AcquireNodeForName(root2, "note.txt", testUser)
		require.NoError(t, err)
		defer fs2.RelinquishNode(note)

		rch, err := fs2.OpenFile(note, kio.ModeRead, testUser)
		require.NoError(t, err)
		defer rch.Close()

		buf := make([]byte, 32)
		n, err := rch.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "remember me", string(buf[:n]))
	})
}

func TestUnmountReportsBusyNodes(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)

		node, err := fs.CreateNode(root, "open.txt", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)

		ch, err := fs.OpenFile(node, kio.ModeRead, testUser)
		require.NoError(t, err)

		assert.True(t, fs.HasBusyNodes())
		assert.ErrorIs(t, fs.OnUnmount(), kern.ErrBusy)

		require.NoError(t, ch.Close())
		fs.RelinquishNode(node)
		fs.RelinquishNode(root)
	})
}

func TestAppendMode(t *testing.T) {
	k := dispatchertest.Boot(t)

	k.Run(t, func() {
		fs, _ := newVolume(t, 128)

		root, err := fs.AcquireRootNode()
		require.NoError(t, err)
		defer fs.RelinquishNode(root)

		node, err := fs.CreateNode(root, "log", testUser, filesystem.FileTypeRegular, filePerms)
		require.NoError(t, err)
		defer fs.RelinquishNode(node)

		ch, err := fs.OpenFile(node, kio.ModeWrite, testUser)
		require.NoError(t, err)
		_, err = ch.Write([]byte("one "))
		require.NoError(t, err)
		require.NoError(t, ch.Close())

		ach, err := fs.OpenFile(node, kio.ModeWrite|kio.ModeAppend, testUser)
		require.NoError(t, err)
		_, err = ach.Write([]byte("two"))
		require.NoError(t, err)
		require.NoError(t, ach.Close())

		rch, err := fs.OpenFile(node, kio.ModeRead, testUser)
		require.NoError(t, err)
		defer rch.Close()

		buf := make([]byte, 16)
		n, err := rch.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "one two", string(buf[:n]))
	})
}
