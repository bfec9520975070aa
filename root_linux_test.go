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

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	saferoot "github.com/saferoot/saferoot"
	"github.com/saferoot/saferoot/internal/testutils"
)

func tRunWrapper(t *testing.T) testutils.TRunFunc {
	return func(name string, doFn testutils.TDoFunc) {
		t.Run(name, func(t *testing.T) {
			doFn(t)
		})
	}
}

func TestOpenRoot_BadPath(t *testing.T) {
	root, err := saferoot.OpenRoot(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	require.Nil(t, root)
}

func TestOpenRoot_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	root, err := saferoot.OpenRoot(file)
	require.Error(t, err)
	require.Nil(t, root)
}

func TestRoot_CloneAndClose(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	clone, err := root.Clone()
	require.NoError(t, err)
	defer clone.Close() //nolint:errcheck // test code

	h, err := clone.Resolve("a", saferoot.ResolveDefault)
	require.NoError(t, err)
	_ = h.Close()

	require.NoError(t, root.Close())
}

func TestRoot_Resolve(t *testing.T) {
	tree := testutils.CreateTree(t,
		"dir a",
		"dir a/b",
		"file a/b/c hello",
		"symlink link a/b/c",
		"symlink dangling a/b/nonexistent",
		"dir loop",
		"symlink loop/link ../loop/link",
	)

	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		t.Run("basic", func(t *testing.T) {
			h, err := root.Resolve("a/b/c", saferoot.ResolveDefault)
			require.NoError(t, err)
			defer h.Close() //nolint:errcheck // test code
		})

		t.Run("through-symlink", func(t *testing.T) {
			h, err := root.Resolve("link", saferoot.ResolveDefault)
			require.NoError(t, err)
			defer h.Close() //nolint:errcheck // test code
		})

		t.Run("no-follow-trailing", func(t *testing.T) {
			h, err := root.Resolve("link", saferoot.ResolveNoFollowTrailing)
			require.NoError(t, err)
			defer h.Close() //nolint:errcheck // test code

			link, err := h.Readlink()
			require.NoError(t, err)
			require.Equal(t, "a/b/c", link)
		})

		t.Run("dangling", func(t *testing.T) {
			_, err := root.Resolve("dangling", saferoot.ResolveDefault)
			require.Error(t, err)
		})

		t.Run("dotdot-clamped-at-root", func(t *testing.T) {
			// ".." above the root is clamped at the root (chroot-style),
			// never allowed to walk into the real parent directory.
			h, err := root.Resolve("a/../../../../../../../a/b/c", saferoot.ResolveDefault)
			require.NoError(t, err)
			_ = h.Close()
		})

		t.Run("symlink-loop", func(t *testing.T) {
			_, err := root.Resolve("loop/link", saferoot.ResolveDefault)
			require.Error(t, err)
		})

		t.Run("through-file", func(t *testing.T) {
			// "a/b/c" is a regular file; walking a component past it must
			// fail with ENOTDIR, the same as the kernel would report for
			// openat2(RESOLVE_IN_ROOT) on the same input (spec.md §8
			// property 2, C4/C5 equivalence) -- not a silent partial-lookup
			// success.
			_, err := root.Resolve("a/b/c/more", saferoot.ResolveDefault)
			require.ErrorIs(t, err, unix.ENOTDIR)
		})
	})
}

func TestRoot_OpenSubpath(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a")

	testutils.WithWithoutOpenat2(true, tRunWrapper(t), func(ti testutils.TestingT) {
		t := ti.(*testing.T) //nolint:forcetypeassert // guaranteed to be true and in test code

		root, err := saferoot.OpenRoot(tree)
		require.NoError(t, err)
		defer root.Close() //nolint:errcheck // test code

		f, err := root.OpenSubpath("a/new-file", os.O_RDWR|os.O_CREATE|os.O_EXCL)
		require.NoError(t, err)
		defer f.Close() //nolint:errcheck // test code

		_, err = f.WriteString("hello")
		require.NoError(t, err)

		_, err = root.OpenSubpath("a/new-file", os.O_RDWR|os.O_CREATE|os.O_EXCL)
		require.Error(t, err, "O_EXCL create of an existing file must fail")
	})
}
