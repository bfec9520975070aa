// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package saferoot

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/fd"
	"github.com/saferoot/saferoot/internal/procfs"
)

// reopenFd implements spec component C7: upgrading an O_PATH handle (or any
// other fd whose open mode doesn't match what the caller now needs) into a
// new fd with different flags, via "/proc/thread-self/fd/$n" rather than a
// bare path string the filesystem could have changed out from under us.
//
// Grounded on the teacher's pathrs-lite/open_linux.go Reopen.
func reopenFd(handle fd.Fd, flags int) (_ *os.File, Err error) {
	procRoot, err := procfs.OpenProcRoot()
	if err != nil {
		return nil, fmt.Errorf("get procfs handle: %w", err)
	}
	defer procRoot.Close() //nolint:errcheck

	procFdDir, closer, err := procRoot.OpenThreadSelf("fd/")
	if err != nil {
		return nil, fmt.Errorf("get safe /proc/thread-self/fd handle: %w", err)
	}
	defer closer()
	defer procFdDir.Close() //nolint:errcheck

	fdStr := strconv.Itoa(int(handle.Fd()))
	if err := procfs.CheckSubpathOvermount(procRoot.Inner, procFdDir, fdStr); err != nil {
		return nil, fmt.Errorf("check safety of fd handle: %w", err)
	}

	flags |= unix.O_CLOEXEC
	reopenedFd, err := unix.Openat(int(procFdDir.Fd()), fdStr, flags, 0)
	if err != nil {
		return nil, &os.PathError{Op: "reopen", Path: handle.Name(), Err: err}
	}
	return os.NewFile(uintptr(reopenedFd), handle.Name()), nil
}
