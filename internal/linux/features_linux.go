// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package linux probes for kernel features the resolver conditionally
// relies on (the new mount API, openat2), so the rest of the tree can ask a
// plain yes/no question instead of reimplementing these probes at each call
// site. Grounded on the hasNewMountAPI/checkOpenat2 SyncOnceValue probes in
// the teacher's procfs_linux.go and open_linux.go.
package linux

import (
	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/gocompat"
	"github.com/saferoot/saferoot/internal/kernelversion"
)

// hasNewMountAPIImpl probes for fsopen/fsconfig/fsmount/open_tree support.
// All four were added together in Linux 5.2, so testing open_tree(2) alone
// (the lightest-weight of the four) is a reliable proxy for the others.
var hasNewMountAPIImpl = gocompat.SyncOnceValue(func() bool {
	fd, err := unix.OpenTree(-int(unix.EBADF), "/", unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)

	// RHEL 8 backports fsopen(2) with a performance pathology that's hard to
	// debug; reject anything claiming to be pre-5.2 outright.
	isNotBackport, _ := kernelversion.GreaterEqualThan(kernelversion.KernelVersion{5, 2})
	return isNotBackport
})

// HasNewMountAPI reports whether fsopen/fsconfig/fsmount/open_tree are
// usable on the running kernel. Exposed as a var (rather than a plain func)
// so tests can temporarily stub it out to exercise fallback paths without
// needing a matching kernel.
var HasNewMountAPI = func() bool { return hasNewMountAPIImpl() }

// hasOpenat2Impl probes for openat2(2) by calling it with a deliberately
// invalid how.Resolve bit combination; on kernels lacking openat2 entirely
// this returns ENOSYS rather than EINVAL, letting us tell "no openat2" apart
// from "openat2 rejected our arguments".
var hasOpenat2Impl = gocompat.SyncOnceValue(func() bool {
	how := unix.OpenHow{Flags: unix.O_PATH | unix.O_CLOEXEC, Resolve: ^uint64(0)}
	_, err := unix.Openat2(-int(unix.EBADF), "/", &how)
	return err != unix.ENOSYS
})

// HasOpenat2 reports whether openat2(2) is implemented by the running
// kernel (added in Linux 5.6). Exposed as a var for the same reason as
// HasNewMountAPI above.
var HasOpenat2 = func() bool { return hasOpenat2Impl() }

// hasStatxMountIDUniqueImpl probes for STATX_MNT_ID_UNIQUE (added 6.8),
// which gives a mount ID that is never reused for the lifetime of the
// kernel, as opposed to the older STATX_MNT_ID (5.8) which can wrap.
var hasStatxMountIDUniqueImpl = gocompat.SyncOnceValue(func() bool {
	const statxMntIDUnique = 0x4000
	var stx unix.Statx_t
	err := unix.Statx(-int(unix.EBADF), "/", 0, statxMntIDUnique, &stx)
	return err == nil && stx.Mask&statxMntIDUnique != 0
})

// HasStatxMountIDUnique reports whether statx(STATX_MNT_ID_UNIQUE) is
// supported by the running kernel.
func HasStatxMountIDUnique() bool { return hasStatxMountIDUniqueImpl() }
