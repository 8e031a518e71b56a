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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jacobsa/timeutil"
	"github.com/serenaos/kernel/container"
	"github.com/serenaos/kernel/filesystem"
	"github.com/serenaos/kernel/kern"
	"github.com/serenaos/kernel/kernel"
	"github.com/serenaos/kernel/kio"
	"github.com/serenaos/kernel/serenafs"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var blocks int
	var raw bool

	cmd := &cobra.Command{
		Use:   "create <image>",
		Short: "Create a new formatted disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := container.NewRamContainer(serenafs.BlockSize, blocks)
			if err != nil {
				return err
			}

			err = runInKernel(func(k *kernel.Kernel) error {
				return serenafs.Format(rc, timeutil.RealClock(), toolUser,
					filesystem.MakePermissions(
						filesystem.PermRead|filesystem.PermWrite|filesystem.PermExecute,
						filesystem.PermRead|filesystem.PermExecute,
						filesystem.PermRead|filesystem.PermExecute))
			})
			if err != nil {
				return err
			}

			format := container.FormatSerena
			if raw {
				format = container.FormatRaw
			}
			return saveContainer(args[0], rc, format)
		},
	}
	cmd.Flags().IntVar(&blocks, "blocks", defaultCylinders*defaultHeads*defaultSectors, "number of 512-byte blocks")
	cmd.Flags().BoolVar(&raw, "raw", false, "write a headerless raw image")

	return cmd
}

func newFormatCmd() *cobra.Command {
	var quick bool

	cmd := &cobra.Command{
		Use:   "format <image>",
		Short: "Write an empty filesystem onto an existing image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, format, err := loadContainer(args[0])
			if err != nil {
				return err
			}
			if !quick {
				rc.Wipe()
			}

			err = runInKernel(func(k *kernel.Kernel) error {
				return serenafs.Format(rc, timeutil.RealClock(), toolUser,
					filesystem.MakePermissions(
						filesystem.PermRead|filesystem.PermWrite|filesystem.PermExecute,
						filesystem.PermRead|filesystem.PermExecute,
						filesystem.PermRead|filesystem.PermExecute))
			})
			if err != nil {
				return err
			}

			return saveContainer(args[0], rc, format)
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "skip wiping the disk")

	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <image> [path]",
		Short: "List a directory of the image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirPath := "/"
			if len(args) == 2 {
				dirPath = args[1]
			}

			return withMountedFS(args[0], func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error {
				res, err := resolver.AcquireNodeForPath(filesystem.ResolveTarget, dirPath, toolUser)
				if err != nil {
					return fmt.Errorf("%s: %w", dirPath, err)
				}
				defer res.Relinquish()

				ch, err := fs.OpenDirectory(res.Inode, toolUser)
				if err != nil {
					return err
				}
				defer ch.Close()

				entries := make([]filesystem.DirectoryEntry, 16)
				for {
					n, err := fs.ReadDirectory(ch, entries)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
					for _, e := range entries[:n] {
						if err := printEntry(cmd.OutOrStdout(), fs, res.Inode, e, toolUser); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}
}

func printEntry(w io.Writer, fs *serenafs.SerenaFS, dir *filesystem.Inode, e filesystem.DirectoryEntry, user filesystem.User) error {
	node, err := fs.AcquireNodeForName(dir, e.Name, user)
	if err != nil {
		return err
	}
	defer fs.RelinquishNode(node)

	info, err := fs.GetFileInfo(node)
	if err != nil {
		return err
	}

	kind := "-"
	if info.Type == filesystem.FileTypeDirectory {
		kind = "d"
	}
	fmt.Fprintf(w, "%s%s %4d %4d %8d  %s\n",
		kind, permString(info.Permissions), info.UID, info.GID, info.Size, e.Name)

	return nil
}

func permString(p filesystem.Permissions) string {
	var sb strings.Builder
	for shift := 6; shift >= 0; shift -= 3 {
		bits := filesystem.Permissions(p>>shift) & 7
		chars := []byte{'-', '-', '-'}
		if bits&filesystem.PermRead != 0 {
			chars[0] = 'r'
		}
		if bits&filesystem.PermWrite != 0 {
			chars[1] = 'w'
		}
		if bits&filesystem.PermExecute != 0 {
			chars[2] = 'x'
		}
		sb.Write(chars)
	}
	return sb.String()
}

func newMakedirCmd() *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "makedir <image> <path>",
		Short: "Create a directory in the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMountedFS(args[0], func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error {
				return makeDirectories(fs, resolver, args[1], parents)
			})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")

	return cmd
}

func makeDirectories(fs *serenafs.SerenaFS, resolver *filesystem.Resolver, path string, parents bool) error {
	perm := filesystem.MakePermissions(
		filesystem.PermRead|filesystem.PermWrite|filesystem.PermExecute,
		filesystem.PermRead|filesystem.PermExecute,
		filesystem.PermRead|filesystem.PermExecute)

	if parents {
		components := strings.Split(strings.Trim(path, "/"), "/")
		built := ""
		for _, c := range components {
			built += "/" + c
			res, err := resolver.AcquireNodeForPath(filesystem.ResolveParent, built, toolUser)
			if err != nil {
				return err
			}
			err = fs.CreateDirectory(res.Inode, res.LastComponent, toolUser, perm)
			res.Relinquish()
			if err != nil && !errors.Is(err, kern.ErrExists) {
				return err
			}
		}
		return nil
	}

	res, err := resolver.AcquireNodeForPath(filesystem.ResolveParent, path, toolUser)
	if err != nil {
		return err
	}
	defer res.Relinquish()

	return fs.CreateDirectory(res.Inode, res.LastComponent, toolUser, perm)
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <image> <host-file> <image-path>",
		Short: "Copy a host file into the image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			return withMountedFS(args[0], func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error {
				res, err := resolver.AcquireNodeForPath(filesystem.ResolveParent, args[2], toolUser)
				if err != nil {
					return err
				}
				defer res.Relinquish()

				perm := filesystem.MakePermissions(
					filesystem.PermRead|filesystem.PermWrite,
					filesystem.PermRead,
					filesystem.PermRead)
				node, err := fs.CreateNode(res.Inode, res.LastComponent, toolUser, filesystem.FileTypeRegular, perm)
				if err != nil {
					return err
				}
				defer fs.RelinquishNode(node)

				ch, err := fs.OpenFile(node, kio.ModeWrite, toolUser)
				if err != nil {
					return err
				}
				defer ch.Close()

				if _, err := ch.Write(data); err != nil {
					return err
				}
				return nil
			})
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <image> <image-path> <host-file>",
		Short: "Copy a file out of the image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte

			err := withMountedFS(args[0], func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error {
				res, err := resolver.AcquireNodeForPath(filesystem.ResolveTarget, args[1], toolUser)
				if err != nil {
					return fmt.Errorf("%s: %w", args[1], err)
				}
				defer res.Relinquish()

				ch, err := fs.OpenFile(res.Inode, kio.ModeRead, toolUser)
				if err != nil {
					return err
				}
				defer ch.Close()

				buf := make([]byte, serenafs.BlockSize)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						data = append(data, buf[:n]...)
					}
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			return os.WriteFile(args[2], data, 0644)
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <image> <path>",
		Short: "Delete a file or empty directory from the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMountedFS(args[0], func(k *kernel.Kernel, fs *serenafs.SerenaFS, mgr *filesystem.Manager, resolver *filesystem.Resolver) error {
				res, err := resolver.AcquireNodeForPath(filesystem.ResolveParent, args[1], toolUser)
				if err != nil {
					return err
				}
				defer res.Relinquish()

				return fs.Unlink(res.Inode, res.LastComponent, toolUser)
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	var sector sectorFlag

	cmd := &cobra.Command{
		Use:   "get <image>",
		Short: "Read one sector to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, _, err := loadContainer(args[0])
			if err != nil {
				return err
			}

			buf := make([]byte, serenafs.BlockSize)
			if _, err := rc.ReadAt(buf, int64(sector.lba)*serenafs.BlockSize); err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(buf)
			return err
		},
	}
	cmd.Flags().Var(&sector, "sector", "sector address c:h:s")
	cmd.MarkFlagRequired("sector")

	return cmd
}

func newPutCmd() *cobra.Command {
	var sector sectorFlag

	cmd := &cobra.Command{
		Use:   "put <image>",
		Short: "Write one sector from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, format, err := loadContainer(args[0])
			if err != nil {
				return err
			}

			buf := make([]byte, serenafs.BlockSize)
			if _, err := io.ReadFull(cmd.InOrStdin(), buf); err != nil && err != io.ErrUnexpectedEOF {
				return err
			}
			if _, err := rc.WriteAt(buf, int64(sector.lba)*serenafs.BlockSize); err != nil {
				return err
			}

			return saveContainer(args[0], rc, format)
		},
	}
	cmd.Flags().Var(&sector, "sector", "sector address c:h:s")
	cmd.MarkFlagRequired("sector")

	return cmd
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <image-a> <image-b>",
		Short: "Compare two images block by block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := loadContainer(args[0])
			if err != nil {
				return err
			}
			b, _, err := loadContainer(args[1])
			if err != nil {
				return err
			}

			ia, ib := a.GetInfo(), b.GetInfo()
			if ia.BlockSize != ib.BlockSize || ia.BlockCount != ib.BlockCount {
				return fmt.Errorf("geometry mismatch: %dx%d vs %dx%d",
					ia.BlockCount, ia.BlockSize, ib.BlockCount, ib.BlockSize)
			}

			bufA := make([]byte, ia.BlockSize)
			bufB := make([]byte, ia.BlockSize)
			differing := 0
			for lba := 0; lba < ia.BlockCount; lba++ {
				if _, err := a.ReadAt(bufA, int64(lba)*int64(ia.BlockSize)); err != nil {
					return err
				}
				if _, err := b.ReadAt(bufB, int64(lba)*int64(ia.BlockSize)); err != nil {
					return err
				}
				if !bytes.Equal(bufA, bufB) {
					fmt.Fprintf(cmd.OutOrStdout(), "block %d differs\n", lba)
					differing++
				}
			}

			if differing > 0 {
				return fmt.Errorf("%d differing blocks", differing)
			}
			return nil
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <image>",
		Short: "Print the image geometry and format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, format, err := loadContainer(args[0])
			if err != nil {
				return err
			}

			info := rc.GetInfo()
			name := "raw"
			if format == container.FormatSerena {
				name = "serena"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "format:      %s\n", name)
			fmt.Fprintf(cmd.OutOrStdout(), "block size:  %d\n", info.BlockSize)
			fmt.Fprintf(cmd.OutOrStdout(), "block count: %d\n", info.BlockCount)
			if low, high, ok := rc.WrittenRange(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "written:     %d..%d\n", low, high)
			}
			return nil
		},
	}
}
