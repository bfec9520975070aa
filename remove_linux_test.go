// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package saferoot_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	saferoot "github.com/saferoot/saferoot"
	"github.com/saferoot/saferoot/internal/testutils"
)

func TestRoot_RemoveFile(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "file a/f hello")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	require.NoError(t, root.RemoveFile("a/f"))
	require.Error(t, root.RemoveFile("a/f"), "removing a missing file must fail")
}

func TestRoot_RemoveDir(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "dir a/b", "file a/b/f hello")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	require.Error(t, root.RemoveDir("a/b"), "removing a non-empty directory must fail")
	require.NoError(t, root.RemoveFile("a/b/f"))
	require.NoError(t, root.RemoveDir("a/b"))
}

func TestRoot_RemoveAll(t *testing.T) {
	tree := testutils.CreateTree(t,
		"dir a",
		"dir a/b/c",
		"file a/b/f1 hello",
		"file a/b/c/f2 world",
		"symlink a/b/link f2",
	)

	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		require.NoError(t, root.RemoveAll("a"))
		_, err = root.Resolve("a", saferoot.ResolveDefault)
		require.Error(t, err, "a should no longer exist")

		require.NoError(t, root.RemoveAll("a"), "RemoveAll of an already-missing path must be a no-op")
	})
}

func TestRoot_RemoveAll_RefusesMountCrossing(t *testing.T) {
	testutils.RequireRoot(t)

	tree := testutils.CreateTree(t, "dir a/mnt", "dir a/mnt/inner", "file a/mnt/inner/f hello")
	mountPoint := filepath.Join(tree, "a", "mnt")

	testutils.BindMount(t, mountPoint, mountPoint)
	defer testutils.Unmount(t, mountPoint)
	require.True(t, testutils.IsMountpoint(t, mountPoint))

	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	err = root.RemoveAll("a")
	require.Error(t, err, "RemoveAll must refuse to descend across a mount boundary")
	require.Equal(t, 1, testutils.CountMountsUnder(t, mountPoint), "the nested mount must survive the aborted RemoveAll")
}
