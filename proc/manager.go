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
	"sync/atomic"

	"github.com/serenaos/kernel/dispatcher"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/mem"
)

// kernelQueueConcurrency is the lane cap of the kernel dispatch queue and
// thereby the number of process terminations that can be in flight at
// once.
const kernelQueueConcurrency = 32

// Spawn options.
const (
	// SpawnNoDefaultDescriptorInheritance suppresses duplication of the
	// parent's first three descriptors into the child.
	SpawnNoDefaultDescriptorInheritance = 1 << iota
)

// An ExecutableImage loads a program into a process address space. The
// executable loader proper is a collaborator; the kernel core only depends
// on this contract.
type ExecutableImage interface {
	// Load places the image into the process address space and returns
	// its base address together with the entry point closure. The entry
	// point is dispatched on the process's main queue as a user callout.
	Load(p *Process) (imageBase mem.Ptr, entry func(), err error)
}

// SpawnArguments configure a child process.
type SpawnArguments struct {
	Argv    []string
	Envp    []string
	Options uint32
	Image   ExecutableImage
}

// The Manager tracks all live processes by PID and owns the kernel
// dispatch queue that runs asynchronous terminations.
type Manager struct {
	sched     *dispatcher.Scheduler
	allocator *mem.Allocator

	kernelQueue *DispatchQueue

	lock *dispatcher.Mutex

	// GUARDED_BY(lock)
	procs map[int]*Process

	pidCounter int32 // atomic
}

// NewManager creates the process manager.
func NewManager(s *dispatcher.Scheduler, allocator *mem.Allocator) *Manager {
	m := &Manager{
		sched:     s,
		allocator: allocator,
		lock:      dispatcher.NewMutex(),
		procs:     make(map[int]*Process),
	}
	// The kernel queue runs asynchronous process terminations; a parent's
	// termination blocks one lane while its children terminate on others,
	// so the queue needs real width.
	m.kernelQueue = NewDispatchQueue(s, nil, kernelQueueConcurrency, dispatcher.PriorityNormal+8)

	return m
}

// KernelDispatchQueue returns the kernel's own dispatch queue.
func (m *Manager) KernelDispatchQueue() *DispatchQueue {
	return m.kernelQueue
}

func (m *Manager) nextPID() int {
	return int(atomic.AddInt32(&m.pidCounter, 1))
}

func (m *Manager) register(p *Process) {
	m.lock.Lock()
	m.procs[p.pid] = p
	m.lock.Unlock()
}

func (m *Manager) unregister(p *Process) {
	m.lock.Lock()
	delete(m.procs, p.pid)
	m.lock.Unlock()
}

// ProcessForPID returns the live process with the given PID, or nil.
func (m *Manager) ProcessForPID(pid int) *Process {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.procs[pid]
}

// ProcessCount returns the number of live processes.
func (m *Manager) ProcessCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.procs)
}

// NewRootProcess creates and registers the root process. The caller loads
// an image into it or dispatches work on its main queue directly.
func (m *Manager) NewRootProcess() (*Process, error) {
	p := newProcess(m, 0)
	if p.pid != RootPID {
		return nil, kern.ErrInvalidArgument
	}
	m.register(p)

	return p, nil
}

// CurrentProcess returns the process owning the calling VP's dispatch
// queue, or nil for kernel-queue and bare VPs.
func (m *Manager) CurrentProcess() *Process {
	q := CurrentDispatchQueue(m.sched)
	if q == nil {
		return nil
	}
	return q.Process()
}

// SpawnChild creates a child of parent: descriptors 0-2 are inherited
// unless suppressed, the image is loaded, the arguments are copied into the
// child address space and the entry point is dispatched on the child's main
// queue. Returns the child PID. A partially constructed child is torn
// down on error.
func (m *Manager) SpawnChild(parent *Process, args SpawnArguments) (int, error) {
	child := newProcess(m, parent.pid)

	// The child is not visible to anyone yet; its state can be set up
	// without holding its lock.
	parent.lock.Lock()

	if args.Options&SpawnNoDefaultDescriptorInheritance == 0 {
		for i := 0; i < 3 && i < parent.ioCount; i++ {
			ch := parent.ioChannels[i]
			if ch == nil {
				continue
			}
			dup, err := ch.Dup()
			if err != nil {
				parent.lock.Unlock()
				m.abandonSpawn(parent, child)
				return 0, err
			}
			child.ioChannels[i] = dup
			child.ioCount = i + 1
		}
	}

	parent.adoptChildLocked(child.pid)
	parent.lock.Unlock()

	if err := m.exec(child, args); err != nil {
		m.abandonSpawn(parent, child)
		return 0, err
	}

	m.register(child)

	return child.pid, nil
}

// abandonSpawn tears down a child that never became visible.
func (m *Manager) abandonSpawn(parent, child *Process) {
	parent.lock.Lock()
	parent.abandonChildLocked(child.pid)
	parent.lock.Unlock()

	child.closeAllChannels()
	child.addressSpace.Destroy()
}

// exec loads the image, copies the arguments into the child and dispatches
// the entry point as a user callout.
func (m *Manager) exec(child *Process, args SpawnArguments) error {
	child.lock.Lock()
	defer child.lock.Unlock()

	if args.Image == nil {
		return kern.ErrInvalidArgument
	}

	imageBase, entry, err := args.Image.Load(child)
	if err != nil {
		return err
	}
	child.imageBase = imageBase

	if err := child.copyInProcessArguments(args.Argv, args.Envp); err != nil {
		return err
	}

	return child.mainQueue.DispatchAsyncUser(entry)
}

// Terminate is a convenience for terminating by PID.
func (m *Manager) Terminate(pid, exitCode int) error {
	p := m.ProcessForPID(pid)
	if p == nil {
		return kern.ErrSearchFailure
	}
	p.Terminate(exitCode)
	return nil
}
