// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package testutils

import (
	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// BindMount bind-mounts src onto dst (both must already exist), for setting
// up the cross-mount-refusal test fixtures spec.md §7/§8 describe (a bind
// mount placed underneath a Root that RemoveAll/Resolve must refuse to
// cross). The caller must arrange for t.Cleanup to unmount dst, typically
// via [Unmount].
func BindMount(t TestingT, src, dst string) {
	RequireRoot(t)
	err := unix.Mount(src, dst, "", unix.MS_BIND, "")
	require.NoErrorf(t, err, "bind-mount %s onto %s", src, dst)
}

// Unmount lazily unmounts path, for use in t.Cleanup after [BindMount].
func Unmount(t TestingT, path string) {
	err := unix.Unmount(path, unix.MNT_DETACH)
	require.NoErrorf(t, err, "unmount %s", path)
}

// IsMountpoint reports whether path is itself a mount point, using
// moby/sys/mountinfo rather than parsing /proc/self/mountinfo by hand. Used
// by tests to confirm a [BindMount] fixture actually took effect before
// relying on it, and to assert that a resolver operation refused to step
// across it.
func IsMountpoint(t TestingT, path string) bool {
	mounted, err := mountinfo.Mounted(path)
	require.NoErrorf(t, err, "check mountpoint %s", path)
	return mounted
}

// CountMountsUnder returns the number of mounts (including path itself, if
// it is one) rooted anywhere under path, using mountinfo.PrefixFilter. Tests
// use this to confirm that a RemoveAll call stopped before descending into a
// nested bind mount, rather than happily deleting through it.
func CountMountsUnder(t TestingT, path string) int {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(path))
	require.NoErrorf(t, err, "list mounts under %s", path)
	return len(mounts)
}
