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

package proc

import (
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kio"
)

// RegisterIOChannel registers the channel with the process and returns its
// descriptor. The lowest free slot is used; the table grows by a fixed
// increment when full. The process takes its own reference to the channel.
func (p *Process) RegisterIOChannel(ch *kio.Channel) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.registerIOChannelLocked(ch)
}

func (p *Process) registerIOChannelLocked(ch *kio.Channel) (int, error) {
	fd := p.ioCount
	for i := 0; i < p.ioCount; i++ {
		if p.ioChannels[i] == nil {
			fd = i
			break
		}
	}

	if fd == p.ioCount && p.ioCount == len(p.ioChannels) {
		grown := make([]*kio.Channel, len(p.ioChannels)+descTableIncrement)
		copy(grown, p.ioChannels)
		p.ioChannels = grown
	}

	p.ioChannels[fd] = ch.Retain()
	if fd == p.ioCount {
		p.ioCount++
	}

	return fd, nil
}

// UnregisterIOChannel removes the channel registered at fd and returns the
// strong reference to the caller, who closes and releases it.
func (p *Process) UnregisterIOChannel(fd int) (*kio.Channel, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if fd < 0 || fd >= p.ioCount || p.ioChannels[fd] == nil {
		return nil, kern.ErrBadDescriptor
	}

	ch := p.ioChannels[fd]
	p.ioChannels[fd] = nil

	return ch, nil
}

// IOChannelForDescriptor returns a retained reference to the channel at
// fd. The caller releases it when done.
func (p *Process) IOChannelForDescriptor(fd int) (*kio.Channel, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if fd < 0 || fd >= p.ioCount || p.ioChannels[fd] == nil {
		return nil, kern.ErrBadDescriptor
	}

	return p.ioChannels[fd].Retain(), nil
}

// closeAllChannels closes and releases every registered channel,
// ignoring close errors.
func (p *Process) closeAllChannels() {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i := 0; i < p.ioCount; i++ {
		if ch := p.ioChannels[i]; ch != nil {
			p.ioChannels[i] = nil
			_ = ch.Close()
			ch.Release()
		}
	}
	p.ioCount = 0
}
