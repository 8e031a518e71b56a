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

package main

import (
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kernel"
	"github.com/serenaos/kernel/serenafs"
	"github.com/spf13/pflag"
)

// Default geometry of a double-density Amiga floppy: 80 cylinders, 2
// heads, 11 sectors of 512 bytes.
const (
	defaultCylinders = 80
	defaultHeads     = 2
	defaultSectors   = 11
)

// toolUser owns everything the tool creates inside an image.
var toolUser = filesystem.RootUser

// runInKernel boots a minimal kernel and runs fn on a virtual processor.
// The filesystem core uses kernel locks throughout, so even the host-side
// tool needs the dispatcher up.
func runInKernel(fn func(k *kernel.Kernel) error) error {
	var err error
	k := kernel.Start(kernel.Config{
		Clock: timeutil.RealClock(),
		Main: func(k *kernel.Kernel) {
			err = fn(k)
		},
	})
	k.StopTimer()
	return err
}

// loadContainer reads a disk image file into a ram container.
func loadContainer(path string) (*container.RamContainer, container.ImageFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, container.FormatRaw, err
	}
	defer f.Close()

	rc, format, err := container.ReadImage(f, serenafs.BlockSize)
	if err != nil {
		return nil, format, fmt.Errorf("%s: not a disk image: %w", path, err)
	}
	return rc, format, nil
}

// saveContainer writes the container back to the image file.
func saveContainer(path string, rc *container.RamContainer, format container.ImageFormat) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return rc.WriteImage(f, format)
}

// withMountedFS loads the image, mounts its SerenaFS and hands the mounted
// state to fn. Changes are written back when fn succeeds.
func withMountedFS(path string, fn func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error) error {
	rc, format, err := loadContainer(path)
	if err != nil {
		return err
	}

	err = runInKernel(func(k *kernel.Kernel) error {
		fs := serenafs.New(timeutil.RealClock())
		mgr, err := filesystem.NewManager(fs, rc, nil)
		if err != nil {
			return fmt.Errorf("%s: mount: %w", path, err)
		}

		root, err := fs.AcquireRootNode()
		if err != nil {
			return err
		}

		resolver := filesystem.NewResolver(mgr, root, fs, root, fs)

		ferr := fn(k, fs, mgr, resolver)

		// Release everything before the unmount's busy check runs.
		resolver.Deinit()
		fs.RelinquishNode(root)
		if ferr != nil {
			return ferr
		}

		return fs.OnUnmount()
	})
	if err != nil {
		return err
	}

	return saveContainer(path, rc, format)
}

// A sectorFlag is a --sector=c:h:s address, translated to an LBA with the
// default floppy geometry. Implements pflag.Value.
type sectorFlag struct {
	lba container.LBA
	set bool
}

func (sf *sectorFlag) String() string {
	if !sf.set {
		return ""
	}
	c := int(sf.lba) / (defaultHeads * defaultSectors)
	h := int(sf.lba) / defaultSectors % defaultHeads
	s := int(sf.lba) % defaultSectors
	return fmt.Sprintf("%d:%d:%d", c, h, s)
}

func (sf *sectorFlag) Set(spec string) error {
	var c, h, s int
	if _, err := fmt.Sscanf(spec, "%d:%d:%d", &c, &h, &s); err != nil {
		return fmt.Errorf("bad sector address %q (want c:h:s)", spec)
	}
	if c < 0 || c >= defaultCylinders || h < 0 || h >= defaultHeads || s < 0 || s >= defaultSectors {
		return fmt.Errorf("sector address %q out of range", spec)
	}
	sf.lba = container.LBA((c*defaultHeads+h)*defaultSectors + s)
	sf.set = true
	return nil
}

func (sf *sectorFlag) Type() string {
	return "c:h:s"
}

var _ pflag.Value = (*sectorFlag)(nil)
