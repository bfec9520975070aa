// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package saferoot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	saferoot "github.com/saferoot/saferoot"
	"github.com/saferoot/saferoot/internal/testutils"
)

func TestRoot_Create_File(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.Create("a/file", saferoot.InodeType{Kind: saferoot.TypeFile})
		require.NoError(t, err)
		defer f.Close() //nolint:errcheck // test code

		_, err = root.Create("a/file", saferoot.InodeType{Kind: saferoot.TypeFile})
		require.Error(t, err, "re-creating an existing file must fail like O_EXCL")
	})
}

func TestRoot_Create_Directory(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.Create("a/subdir", saferoot.InodeType{Kind: saferoot.TypeDirectory, Mode: 0o755})
		require.NoError(t, err)
		_ = f.Close()

		h, err := root.Resolve("a/subdir", saferoot.ResolveDefault)
		require.NoError(t, err)
		_ = h.Close()
	})
}

func TestRoot_Create_Symlink(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "file a/target hello")
	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.Create("a/link", saferoot.InodeType{Kind: saferoot.TypeSymlink, Target: "target"})
		require.NoError(t, err)
		_ = f.Close()

		link, err := root.Readlink("a/link")
		require.NoError(t, err)
		require.Equal(t, "target", link)
	})
}

func TestRoot_Create_Hardlink(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "file a/target hello")
	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.Create("a/hardlink", saferoot.InodeType{Kind: saferoot.TypeHardlink, TargetSubpath: "a/target"})
		require.NoError(t, err)
		_ = f.Close()
	})
}

func TestRoot_Create_Fifo(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.Create("a/fifo", saferoot.InodeType{Kind: saferoot.TypeFifo, Mode: 0o644})
		require.NoError(t, err)
		_ = f.Close()
	})
}

func TestRoot_Mkdir_BadMode(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	err = root.Mkdir("a/subdir", 0o10000)
	require.Error(t, err, "modes outside 07777 must be rejected")
}
