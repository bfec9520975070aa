// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mountid implements the mount-id oracle (spec component C2): a
// best-effort, monotone identifier for the mount hosting a given file
// descriptor, used to detect bind-mount and overmount attacks during
// resolution. It is grounded on the getMountID/hasStatxMountID helpers in
// the teacher's procfs_linux.go, plus an added fdinfo-parsing fallback for
// kernels old enough to lack STATX_MNT_ID entirely.
package mountid

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/fd"
	"github.com/saferoot/saferoot/internal/gocompat"
	"github.com/saferoot/saferoot/internal/linux"
)

// statxMntIDUnique is provided in newer golang.org/x/sys, but to avoid
// bumping the minimum required version for one constant we define it
// ourselves, exactly as the teacher does.
const statxMntIDUnique = 0x4000 //nolint:revive // unix.* name

const wantStatxMntMask = statxMntIDUnique | unix.STATX_MNT_ID

var hasStatxMountID = gocompat.SyncOnceValue(func() bool {
	var stx unix.Statx_t
	err := unix.Statx(-int(unix.EBADF), "/", 0, wantStatxMntMask, &stx)
	return err == nil && stx.Mask&wantStatxMntMask != 0
})

// ID is an opaque mount identifier. It is only meaningful for equality
// comparisons between two IDs computed close together in time -- on
// kernels without STATX_MNT_ID_UNIQUE the underlying value can be reused
// after a mount is torn down.
type ID uint64

// Reusable reports whether the kernel can only give us a reusable (rather
// than unique) mount ID, meaning ID equality is a weaker signal and callers
// should consider failing closed on anything suspicious.
func Reusable() bool {
	return !linux.HasStatxMountIDUnique()
}

// Of returns the mount ID hosting the inode referenced by (dir, path) --
// pass path="" with AT_EMPTY_PATH semantics by using dir alone. procRoot, if
// non-nil, is used for the fdinfo fallback when statx(STATX_MNT_ID*) is not
// supported by the running kernel; if procRoot is nil only the statx tiers
// are attempted (this is required during procfs bootstrap, before any
// ProcfsHandle exists yet).
func Of(dir fd.Fd, path string, procRoot fd.Fd) (ID, error) {
	if hasStatxMountID() {
		id, err := statxMountID(dir, path)
		if err == nil {
			return id, nil
		}
		if procRoot == nil {
			return 0, err
		}
		// Fall through to the fdinfo fallback below if for some reason statx
		// didn't give us the mask we asked for (shouldn't normally happen
		// once hasStatxMountID() is true, but don't assume it can't).
	} else if procRoot == nil {
		// No statx support and no procfs handle available: we can't do
		// anything better than report "unknown" via the zero value. Callers
		// during procfs bootstrap must not rely on mount-id verification in
		// this case.
		return 0, nil
	}
	return fdinfoMountID(dir, path, procRoot)
}

func statxMountID(dir fd.Fd, path string) (ID, error) {
	dirFd := dirFdFor(dir)
	var stx unix.Statx_t
	err := unix.Statx(dirFd, path, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW, wantStatxMntMask, &stx)
	if err == nil && stx.Mask&wantStatxMntMask == 0 {
		err = fmt.Errorf("statx did not return a mount id despite STATX_MNT_ID support: %w", unix.ENOTSUP)
	}
	if err != nil {
		return 0, &os.PathError{Op: "statx(STATX_MNT_ID...)", Path: fullPath(dir, path), Err: err}
	}
	return ID(stx.Mnt_id), nil
}

// fdinfoMountID parses the "mnt_id:\t<num>" line out of
// /proc/thread-self/fdinfo/$fd, per spec.md §4.2's third fallback tier.
// procRoot must be an already-authenticated O_PATH handle to the root of a
// procfs mount (verified by the procfs package before being passed down
// here), so an attacker-controlled "/proc" overmount elsewhere in the
// filesystem can't redirect this read; we only ever open paths relative to
// that authenticated fd, never a bare "/proc" string.
func fdinfoMountID(dir fd.Fd, path string, procRoot fd.Fd) (ID, error) {
	target, closeTarget, err := resolveForFdinfo(dir, path)
	if err != nil {
		return 0, err
	}
	defer closeTarget()

	fdinfoPath := fmt.Sprintf("thread-self/fdinfo/%d", int(target.Fd()))
	h, err := unix.Openat(int(procRoot.Fd()), fdinfoPath, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, &os.PathError{Op: "openat", Path: procRoot.Name() + "/" + fdinfoPath, Err: err}
	}
	f := os.NewFile(uintptr(h), procRoot.Name()+"/"+fdinfoPath)
	defer f.Close() //nolint:errcheck // read-only fd, close failure is not actionable

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		rest, ok := strings.CutPrefix(line, "mnt_id:")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("mountid: parse fdinfo mnt_id line %q: %w", line, err)
		}
		return ID(id), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("mountid: read fdinfo: %w", err)
	}
	return 0, fmt.Errorf("mountid: no mnt_id line in fdinfo")
}

func dirFdFor(dir fd.Fd) int {
	if dir == nil {
		return -int(unix.EBADF)
	}
	return int(dir.Fd())
}

func fullPath(dir fd.Fd, path string) string {
	name := "."
	if dir != nil {
		name = dir.Name()
	}
	if path == "" {
		return name
	}
	return name + "/" + path
}

// resolveForFdinfo returns an O_PATH handle to (dir, path) so fdinfoMountID
// has a concrete fd number to look up, plus a closer. When path=="" dir is
// reused directly and the closer is a no-op.
func resolveForFdinfo(dir fd.Fd, path string) (fd.Fd, func(), error) {
	if path == "" {
		return dir, func() {}, nil
	}
	h, err := unix.Openat(dirFdFor(dir), path, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &os.PathError{Op: "openat", Path: fullPath(dir, path), Err: err}
	}
	f := os.NewFile(uintptr(h), fullPath(dir, path))
	return f, func() { _ = f.Close() }, nil
}

// Equal reports whether two mount IDs refer to the same mount. It exists
// mainly for readability at call sites.
func Equal(a, b ID) bool { return a == b }
