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

// Package kio defines the I/O channel model: a ref-counted channel wrapping
// an I/O resource, registered in a process descriptor table and polymorphic
// over dup, ioctl, read, write, seek and close.
package kio

import (
	"sync/atomic"

	"github.com/serenaos/kernel/kern"
)

// Mode is the access mode bitmask of a channel.
type Mode uint32

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeAppend
)

// ChannelType tags the kind of resource behind a channel.
type ChannelType int

const (
	ChannelTypeFile ChannelType = iota
	ChannelTypeDirectory
	ChannelTypeDevice
	ChannelTypeTerminal
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// A Resource is the object a channel talks to. Every operation receives the
// channel so that per-channel state (offset, inode) stays with the channel.
type Resource interface {
	// Dup creates an independent copy of the channel. A resource with
	// immutable channel state may return a retained reference to the same
	// channel.
	Dup(ch *Channel) (*Channel, error)

	Read(ch *Channel, p []byte) (int, error)
	Write(ch *Channel, p []byte) (int, error)

	// Seek repositions the channel and returns the previous position.
	Seek(ch *Channel, offset int64, whence int) (int64, error)

	// IOControl executes a resource specific command.
	IOControl(ch *Channel, cmd int, args ...interface{}) error

	// Close releases the resource side of the channel. Errors are advisory;
	// the channel is closed regardless.
	Close(ch *Channel) error
}

// A Channel is a ref-counted handle to an open resource. It owns a strong
// reference to the resource for as long as it is retained.
type Channel struct {
	resource Resource
	mode     Mode
	typ      ChannelType

	// Channel state owned by the resource implementation, e.g. an acquired
	// inode plus a read offset.
	State interface{}

	refs int64
}

// NewChannel creates a channel for the resource with a single reference.
func NewChannel(resource Resource, typ ChannelType, mode Mode) *Channel {
	return &Channel{
		resource: resource,
		mode:     mode,
		typ:      typ,
		refs:     1,
	}
}

// Retain takes an additional reference and returns the channel.
func (ch *Channel) Retain() *Channel {
	atomic.AddInt64(&ch.refs, 1)
	return ch
}

// Release drops one reference.
func (ch *Channel) Release() {
	atomic.AddInt64(&ch.refs, -1)
}

// Resource returns the resource behind the channel, unretained.
func (ch *Channel) Resource() Resource {
	return ch.resource
}

// Mode returns the channel's access mode.
func (ch *Channel) Mode() Mode {
	return ch.mode
}

// Type returns the channel's type tag.
func (ch *Channel) Type() ChannelType {
	return ch.typ
}

// Dup creates an independent copy of the channel.
func (ch *Channel) Dup() (*Channel, error) {
	return ch.resource.Dup(ch)
}

// Read reads from the channel. Returns kern.ErrBadDescriptor if the channel
// was not opened for reading.
func (ch *Channel) Read(p []byte) (int, error) {
	if ch.mode&ModeRead == 0 {
		return 0, kern.ErrBadDescriptor
	}
	return ch.resource.Read(ch, p)
}

// Write writes to the channel. Returns kern.ErrBadDescriptor if the channel
// was not opened for writing.
func (ch *Channel) Write(p []byte) (int, error) {
	if ch.mode&ModeWrite == 0 {
		return 0, kern.ErrBadDescriptor
	}
	return ch.resource.Write(ch, p)
}

// Seek repositions the channel and returns the previous position.
func (ch *Channel) Seek(offset int64, whence int) (int64, error) {
	return ch.resource.Seek(ch, offset, whence)
}

// IOControl executes a resource specific command on the channel.
func (ch *Channel) IOControl(cmd int, args ...interface{}) error {
	return ch.resource.IOControl(ch, cmd, args...)
}

// Close forwards to the resource.
func (ch *Channel) Close() error {
	return ch.resource.Close(ch)
}

// NotImplementedResource is an embeddable base whose operations fail with
// the appropriate default errors. Resources embed it and override what they
// support.
type NotImplementedResource struct{}

func (NotImplementedResource) Dup(ch *Channel) (*Channel, error) {
	return nil, kern.ErrNotSupported
}

func (NotImplementedResource) Read(ch *Channel, p []byte) (int, error) {
	return 0, kern.ErrNotSupported
}

func (NotImplementedResource) Write(ch *Channel, p []byte) (int, error) {
	return 0, kern.ErrNotSupported
}

// Seek fails with kern.ErrIllegalSeek: resources without a position are
// pipes as far as seeking is concerned.
func (NotImplementedResource) Seek(ch *Channel, offset int64, whence int) (int64, error) {
	return 0, kern.ErrIllegalSeek
}

func (NotImplementedResource) IOControl(ch *Channel, cmd int, args ...interface{}) error {
	return kern.ErrNotSupported
}

func (NotImplementedResource) Close(ch *Channel) error {
	return nil
}
