// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package saferoot

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/fd"
	"github.com/saferoot/saferoot/internal/linux"
)

// resolveOpenat2 implements spec component C5: a single openat2(2) call with
// RESOLVE_IN_ROOT, letting the kernel do the entire walk (including symlink
// expansion and ".." handling) atomically instead of emulating it in
// userspace. This is both faster and immune to the TOCTOU windows that
// exist between individual *at(2) calls in the opath resolver (C4).
//
// Unlike resolveOpath, this never does a partial lookup: openat2 either
// resolves the whole path inside root or it doesn't, so this is only used
// by operations that need a complete resolution (Root.Resolve and the
// operations built on it). MkdirAll always goes through resolveOpath.
func resolveOpenat2(root fd.Fd, unsafePath string, flags ResolverFlags) (*os.File, error) {
	if !linux.HasOpenat2() {
		return nil, errNotSupported
	}
	if unsafePath == "" {
		// openat2 rejects an empty path with ENOENT; an empty subpath
		// names the root itself, as it does for resolveOpath.
		unsafePath = "."
	}

	how := unix.OpenHow{
		Flags: unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS | unix.RESOLVE_NO_XDEV,
	}
	if flags.noFollowTrailing() {
		// RESOLVE_NO_SYMLINKS would forbid *any* symlink component, not
		// just a trailing one, so we use O_NOFOLLOW instead -- openat2
		// still resolves intermediate symlinks, it just refuses to follow
		// one in the final component.
		how.Flags |= unix.O_NOFOLLOW
	}

	handle, err := fd.Openat2Hook(root, unsafePath, &how)
	if err != nil {
		return nil, mapOpenat2Error(unsafePath, err)
	}
	return handle, nil
}

var errNotSupported = errors.New("openat2(RESOLVE_IN_ROOT) not supported")

// mapOpenat2Error translates an openat2(2) failure into the error the
// caller (or the C4 fallback decision in root.go) expects. ENOSYS means the
// kernel predates openat2 entirely and becomes errNotSupported, the only
// error that makes root.go fall back to C4. EXDEV becomes
// ErrPossibleBreakout; every other error is surfaced to the caller as-is.
func mapOpenat2Error(unsafePath string, err error) error {
	switch {
	case errors.Is(err, unix.ENOSYS):
		return errNotSupported
	case errors.Is(err, unix.EXDEV):
		// RESOLVE_NO_XDEV rejected a mount crossing -- this is exactly the
		// bind-mount-attack containment violation spec.md §7 calls
		// SafetyViolation.
		return fmt.Errorf("%w: %w", ErrPossibleBreakout, &os.PathError{Op: "openat2", Path: unsafePath, Err: unix.EXDEV})
	default:
		return &os.PathError{Op: "openat2", Path: unsafePath, Err: err}
	}
}
