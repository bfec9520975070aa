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
	"golang.org/x/sys/unix"

	saferoot "github.com/saferoot/saferoot"
	"github.com/saferoot/saferoot/internal/testutils"
)

func TestRoot_Rename_Basic(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "file a/f hello")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	require.NoError(t, root.Rename("a/f", "a/g", 0))

	_, err = root.Resolve("a/f", saferoot.ResolveDefault)
	require.Error(t, err)

	h, err := root.Resolve("a/g", saferoot.ResolveDefault)
	require.NoError(t, err)
	_ = h.Close()
}

func TestRoot_Rename_NoReplace(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "file a/f hello", "file a/g world")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	err = root.Rename("a/f", "a/g", unix.RENAME_NOREPLACE)
	require.Error(t, err, "RENAME_NOREPLACE must refuse to clobber an existing target")
}

func TestRoot_Rename_Exchange(t *testing.T) {
	testutils.RequireRenameExchange(t)

	tree := testutils.CreateTree(t, "dir a", "file a/f hello", "file a/g world")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	require.NoError(t, root.Rename("a/f", "a/g", unix.RENAME_EXCHANGE))

	h, err := root.Resolve("a/f", saferoot.ResolveDefault)
	require.NoError(t, err)
	_ = h.Close()
}

func TestRoot_Rename_AcrossDirs(t *testing.T) {
	tree := testutils.CreateTree(t, "dir a", "dir b", "file a/f hello")
	root, err := saferoot.OpenRoot(tree)
	require.NoError(t, err)
	defer root.Close() //nolint:errcheck // test code

	require.NoError(t, root.Rename("a/f", "b/f", 0))

	h, err := root.Resolve("b/f", saferoot.ResolveDefault)
	require.NoError(t, err)
	_ = h.Close()
}
