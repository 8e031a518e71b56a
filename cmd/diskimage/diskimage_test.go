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
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, newCmd func() *cobra.Command, args ...string) (string, error) {
	t.Helper()

	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCreateListPushPull(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.smg")

	_, err := runCmd(t, newCreateCmd, "--blocks", "256", image)
	require.NoError(t, err)

	// A fresh volume lists only "." and "..".
	out, err := runCmd(t, newListCmd, image)
	require.NoError(t, err)
	assert.Contains(t, out, " .")
	assert.Contains(t, out, " ..")

	// Create a nested directory tree.
	_, err = runCmd(t, newMakedirCmd, "-p", image, "/sub/deep")
	require.NoError(t, err)

	out, err = runCmd(t, newListCmd, image, "/sub")
	require.NoError(t, err)
	assert.Contains(t, out, "deep")

	// Round-trip a file through push and pull.
	payload := []byte("the quick brown fox\n")
	hostFile := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(hostFile, payload, 0644))

	_, err = runCmd(t, newPushCmd, image, hostFile, "/sub/deep/out.txt")
	require.NoError(t, err)

	pulled := filepath.Join(dir, "out.txt")
	_, err = runCmd(t, newPullCmd, image, "/sub/deep/out.txt", pulled)
	require.NoError(t, err)

	got, err := os.ReadFile(pulled)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDeleteCommand(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.smg")

	_, err := runCmd(t, newCreateCmd, "--blocks", "128", image)
	require.NoError(t, err)

	_, err = runCmd(t, newMakedirCmd, image, "/gone")
	require.NoError(t, err)

	_, err = runCmd(t, newDeleteCmd, image, "/gone")
	require.NoError(t, err)

	out, err := runCmd(t, newListCmd, image)
	require.NoError(t, err)
	assert.NotContains(t, out, "gone")
}

func TestDescribeCommand(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.smg")

	_, err := runCmd(t, newCreateCmd, "--blocks", "128", image)
	require.NoError(t, err)

	out, err := runCmd(t, newDescribeCmd, image)
	require.NoError(t, err)
	assert.Contains(t, out, "format:      serena")
	assert.Contains(t, out, "block size:  512")
	assert.Contains(t, out, "block count: 128")
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.smg")
	b := filepath.Join(dir, "b.smg")

	_, err := runCmd(t, newCreateCmd, "--blocks", "128", a)
	require.NoError(t, err)
	require.NoError(t, copyFile(a, b))

	_, err = runCmd(t, newDiffCmd, a, b)
	require.NoError(t, err)

	// Make them differ.
	_, err = runCmd(t, newMakedirCmd, b, "/extra")
	require.NoError(t, err)

	_, err = runCmd(t, newDiffCmd, a, b)
	assert.Error(t, err)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
