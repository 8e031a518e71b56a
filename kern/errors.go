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

// Package kern holds the error kinds shared by every kernel subsystem.
//
// Errors propagate upward unchanged; use errors.Is against the sentinels
// below. Operations that must not fail (e.g. restoring preemption) never
// return one of these and instead go through platform.Fatalf.
package kern

import "errors"

var (
	// ErrNoMemory is returned by the allocators when a request cannot be
	// satisfied from any eligible memory region.
	ErrNoMemory = errors.New("out of memory")

	// ErrInvalidArgument is returned when a caller-provided value is out of
	// range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by the path resolver and the mount table when
	// an inode, path component or mount is missing.
	ErrNotFound = errors.New("no such file or directory")

	// ErrExists is returned when a directory entry with the target name is
	// already present.
	ErrExists = errors.New("file exists")

	// ErrNotDirectory is returned when an intermediate path component does
	// not resolve to a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrNameTooLong is returned when a path or path component exceeds the
	// resolver limits.
	ErrNameTooLong = errors.New("name too long")

	// ErrAccess is returned by the permission checker when the user lacks
	// the required permission.
	ErrAccess = errors.New("permission denied")

	// ErrPermission is returned when an operation requires the owner or
	// the superuser.
	ErrPermission = errors.New("operation not permitted")

	// ErrBadDescriptor is returned by the I/O channel layer when a
	// descriptor is missing or the channel mode does not permit the
	// operation.
	ErrBadDescriptor = errors.New("bad descriptor")

	// ErrBusy is returned by a failed try-lock and by attempts to
	// deinitialize a primitive that still has waiters.
	ErrBusy = errors.New("resource busy")

	// ErrTimedOut is returned from a wait whose deadline passed.
	ErrTimedOut = errors.New("timed out")

	// ErrInterrupted is returned from a wait that was aborted externally.
	ErrInterrupted = errors.New("interrupted")

	// ErrNoChild is returned by the child-wait call when no matching child
	// or tombstone exists.
	ErrNoChild = errors.New("no child processes")

	// ErrIO is returned by the block container on an underlying storage
	// failure.
	ErrIO = errors.New("i/o error")

	// ErrNotSupported is returned by default operation implementations.
	ErrNotSupported = errors.New("operation not supported")

	// ErrSearchFailure is returned along the tombstone chain when the
	// parent process is itself terminating.
	ErrSearchFailure = errors.New("no such process")

	// ErrNoDevice is returned by the block container when a block address
	// lies outside the device.
	ErrNoDevice = errors.New("no such device or address")

	// ErrIllegalSeek is returned by channels that do not support seeking.
	ErrIllegalSeek = errors.New("illegal seek")

	// ErrTooBig is returned when the argument area of a spawned process
	// exceeds ARG_MAX.
	ErrTooBig = errors.New("argument list too long")

	// ErrRange is returned when a result does not fit the provided buffer.
	ErrRange = errors.New("result out of range")
)
