// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package saferoot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	saferoot "github.com/saferoot/saferoot"
	"github.com/saferoot/saferoot/internal/procfs"
	"github.com/saferoot/saferoot/internal/testutils"
)

func checkMkdirAll(t *testing.T, root, unsafePath string, mode int, expectedErr error) {
	r, err := saferoot.OpenRoot(root)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck // test code

	handle, err := r.MkdirAll(unsafePath, mode)
	require.ErrorIsf(t, err, expectedErr, "MkdirAll(%q, %q)", root, unsafePath)
	if expectedErr != nil {
		return
	}
	defer handle.Close() //nolint:errcheck // test code

	// Read the real path of the returned directory back from procfs.
	f, err := handle.Reopen(unix.O_PATH)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test code
	gotPath, err := procfs.ProcSelfFdReadlink(f)
	require.NoError(t, err)

	// SecureJoin expands symlinks, so this is also right for paths that go
	// through one (such as link1/target_abs/foo).
	fullPath, err := saferoot.SecureJoin(root, unsafePath)
	require.NoError(t, err)
	assert.Equal(t, fullPath, gotPath, "wrong final path from MkdirAll") //nolint:testifylint
}

func TestMkdirAll_Basic(t *testing.T) {
	tree := []string{
		"dir a",
		"dir b/c/d/e/f",
		"file b/c/file",
		"symlink e /b/c/d/e",
		"symlink b-file b/c/file",
		"symlink a-fake1 a/fake",
		"dir target",
		"dir link1",
		"symlink link1/target_abs /target",
		"dir loop",
		"symlink loop/link ../loop/link",
	}

	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code
		for name, test := range map[string]struct {
			unsafePath  string
			expectedErr error
		}{
			"existing":            {unsafePath: "a"},
			"basic":               {unsafePath: "a/b/c/d/e/f/g/h/i/j"},
			"dotdot-in-existing":  {unsafePath: "b/c/../c/./d/e/f/g/h"},
			"nondir-trailing":     {unsafePath: "b/c/file", expectedErr: unix.ENOTDIR},
			"nondir-subdir":       {unsafePath: "b/c/file/subdir", expectedErr: unix.ENOTDIR},
			"dangling-trailing":   {unsafePath: "a-fake1", expectedErr: unix.ENOTDIR},
			"dangling-basic":      {unsafePath: "a-fake1/foo", expectedErr: unix.ENOTDIR},
			"nonlexical-basic":    {unsafePath: "target/foo"},
			"nonlexical-via-link": {unsafePath: "link1/target_abs/foo"},
			"loop-trailing":       {unsafePath: "loop/link", expectedErr: unix.ELOOP},
			"loop-basic":          {unsafePath: "loop/link/foo", expectedErr: unix.ELOOP},
		} {
			test := test // copy iterator
			t.Run(name, func(t *testing.T) {
				root := testutils.CreateTree(t, tree...)
				checkMkdirAll(t, root, test.unsafePath, 0o711, test.expectedErr)
			})
		}
	})
}

func TestMkdirAll_BadRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does/not/exist")
	_, err := saferoot.OpenRoot(root)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMkdirAll_Idempotent(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	for i := 0; i < 3; i++ {
		h, err := root.MkdirAll("a/b/c/d", 0o755)
		require.NoError(t, err)
		_ = h.Close()
	}
}
