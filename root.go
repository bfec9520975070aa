// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package saferoot resolves untrusted paths inside a trusted root directory
// without racing an attacker who can rename, symlink, or re-mount parts of
// the tree out from under the lookup. See spec.md for the full design.
package saferoot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/fd"
	"github.com/saferoot/saferoot/internal/mountid"
)

// Root is an O_PATH handle to a directory together with every lookup that
// has to stay confined inside it. All paths passed to its methods are
// untrusted: they may contain "..", absolute-looking components, or
// symlinks that would otherwise escape outside the directory tree rooted
// here.
type Root struct {
	fd *os.File
}

// OpenRoot opens path as the root of a confined lookup space.
func OpenRoot(path string) (*Root, error) {
	f, err := os.OpenFile(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrapError("OpenRoot", path, err)
	}
	root, err := OpenRootFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return root, nil
}

// OpenRootFile wraps an already-open directory handle as a Root. f must
// refer to a directory; ownership of f passes to the returned Root.
func OpenRootFile(f *os.File) (*Root, error) {
	st, err := fd.Fstat(f)
	if err != nil {
		return nil, wrapError("OpenRoot", f.Name(), err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, wrapError("OpenRoot", f.Name(), fmt.Errorf("%w", unix.ENOTDIR))
	}
	return &Root{fd: f}, nil
}

// Clone returns an independent Root backed by a dup'd file descriptor, so
// that closing one does not affect the other.
func (r *Root) Clone() (*Root, error) {
	dup, err := fd.Dup(r.fd)
	if err != nil {
		return nil, wrapError("Clone", r.fd.Name(), err)
	}
	return &Root{fd: dup}, nil
}

// Close closes the root's underlying directory descriptor.
func (r *Root) Close() error {
	return r.fd.Close()
}

// Handle is a resolved, still-open O_PATH reference to a path inside a
// Root. It does not grant read/write access by itself -- call Reopen for
// that -- but its mere existence proves the path was resolved without
// escaping the root at the time of the call.
type Handle struct {
	file *os.File
}

// Reopen upgrades the handle into a new file descriptor opened with flags,
// via procfs (spec component C7) rather than re-resolving a path string.
func (h *Handle) Reopen(flags int) (*os.File, error) {
	f, err := reopenFd(h.file, flags)
	if err != nil {
		return nil, wrapError("Reopen", h.file.Name(), err)
	}
	return f, nil
}

// Readlink reads the symlink the handle refers to. It is an error to call
// this on a handle that doesn't refer to a symlink.
func (h *Handle) Readlink() (string, error) {
	link, err := fd.Readlinkat(h.file, "")
	return link, wrapError("Readlink", h.file.Name(), err)
}

// Close releases the handle.
func (h *Handle) Close() error {
	return h.file.Close()
}

// Resolve looks up subpath inside r, returning a Handle that is guaranteed
// to refer to a path that never left r's directory tree during resolution.
// It tries the kernel-assisted openat2(RESOLVE_IN_ROOT) resolver (C5)
// first, falling back to the userspace opath resolver (C4) when openat2
// isn't available.
func (r *Root) Resolve(subpath string, flags ResolverFlags) (*Handle, error) {
	f, err := resolveOpenat2(r.fd, subpath, flags)
	if err != nil {
		if !errors.Is(err, errNotSupported) {
			return nil, wrapError("Resolve", subpath, err)
		}
		var remaining string
		f, remaining, err = resolveOpath(r.fd, subpath, flags)
		if err != nil {
			return nil, wrapError("Resolve", subpath, err)
		}
		if remaining != "" {
			_ = f.Close()
			return nil, wrapError("Resolve", subpath, unix.ENOENT)
		}
	}
	return &Handle{file: f}, nil
}

// OpenSubpath resolves subpath inside r and opens it with the given flags,
// in one call. If flags includes O_CREAT, the parent directory is resolved
// and the final component is created directly (O_PATH handles can't create
// anything); otherwise this is Resolve followed by Reopen.
func (r *Root) OpenSubpath(subpath string, flags int) (*os.File, error) {
	if flags&unix.O_CREAT != 0 {
		parent, base, perr := splitParentBase(subpath)
		if perr != nil {
			return nil, wrapError("OpenSubpath", subpath, perr)
		}
		parentHandle, err := r.Resolve(parent, ResolveDefault)
		if err != nil {
			return nil, wrapError("OpenSubpath", subpath, err)
		}
		defer parentHandle.Close() //nolint:errcheck

		f, err := fd.Openat(parentHandle.file, base, flags, 0o666)
		if err != nil {
			return nil, wrapError("OpenSubpath", subpath, err)
		}
		return f, nil
	}

	rflags := ResolveDefault
	if flags&unix.O_NOFOLLOW != 0 {
		rflags = ResolveNoFollowTrailing
	}
	h, err := r.Resolve(subpath, rflags)
	if err != nil {
		return nil, wrapError("OpenSubpath", subpath, err)
	}
	defer h.Close() //nolint:errcheck

	return h.Reopen(flags)
}

// splitParentBase splits subpath into the directory to resolve and the
// final component to operate on, rejecting a basename of "", "." or ".."
// (an operation that creates, removes, or links an inode needs a real
// name -- those three have no well-defined target).
func splitParentBase(subpath string) (parent, base string, err error) {
	clean := strings.TrimRight(subpath, "/")
	if clean == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidBasename)
	}
	if idx := strings.LastIndexByte(clean, '/'); idx >= 0 {
		parent, base = clean[:idx], clean[idx+1:]
	} else {
		parent, base = "", clean
	}
	switch base {
	case "", ".", "..":
		return "", "", fmt.Errorf("%w: %q", ErrInvalidBasename, subpath)
	}
	return parent, base, nil
}

// inodeModeBit returns the S_IFMT bits mknodat needs for kind, for the
// device-node-shaped InodeType variants.
func inodeModeBit(kind InodeTypeKind) (uint32, error) {
	switch kind {
	case TypeFifo:
		return unix.S_IFIFO, nil
	case TypeCharDevice:
		return unix.S_IFCHR, nil
	case TypeBlockDevice:
		return unix.S_IFBLK, nil
	case TypeSocket:
		return unix.S_IFSOCK, nil
	default:
		return 0, fmt.Errorf("%w: invalid device inode kind %d", unix.EINVAL, kind)
	}
}

// Create makes a new inode at subpath according to typ and returns a handle
// to it, dispatching over every InodeTypeKind variant spec.md §4.6
// describes. For TypeFile the handle is the file opened with
// O_CREAT|O_EXCL|O_NOFOLLOW|typ.OpenFlags; every other kind returns an
// O_PATH handle.
func (r *Root) Create(subpath string, typ InodeType) (*os.File, error) {
	if typ.Mode&^0o7777 != 0 {
		return nil, wrapError("Create", subpath, fmt.Errorf("%w: mode 0o%o out of range", unix.EINVAL, typ.Mode))
	}
	parent, base, err := splitParentBase(subpath)
	if err != nil {
		return nil, wrapError("Create", subpath, err)
	}
	parentHandle, err := r.Resolve(parent, ResolveDefault)
	if err != nil {
		return nil, wrapError("Create", subpath, err)
	}
	defer parentHandle.Close() //nolint:errcheck

	switch typ.Kind {
	case TypeFile:
		flags := unix.O_CREAT | unix.O_EXCL | unix.O_NOFOLLOW | typ.OpenFlags
		f, err := fd.Openat(parentHandle.file, base, flags, 0o666)
		if err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		return f, nil

	case TypeDirectory:
		if err := fd.Mkdirat(parentHandle.file, base, typ.Mode); err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		return r.openCreated(subpath, parentHandle.file, base, unix.O_DIRECTORY)

	case TypeSymlink:
		if err := fd.Symlinkat(typ.Target, parentHandle.file, base); err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		return r.openCreated(subpath, parentHandle.file, base, 0)

	case TypeHardlink:
		targetHandle, err := r.Resolve(typ.TargetSubpath, ResolveDefault)
		if err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		defer targetHandle.Close() //nolint:errcheck

		if err := fd.Linkat(targetHandle.file, "", parentHandle.file, base, unix.AT_EMPTY_PATH); err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		return r.openCreated(subpath, parentHandle.file, base, 0)

	case TypeFifo, TypeCharDevice, TypeBlockDevice, TypeSocket:
		modeBit, err := inodeModeBit(typ.Kind)
		if err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		if err := fd.Mknodat(parentHandle.file, base, modeBit|typ.Mode, typ.Dev); err != nil {
			return nil, wrapError("Create", subpath, err)
		}
		return r.openCreated(subpath, parentHandle.file, base, 0)

	default:
		return nil, wrapError("Create", subpath, fmt.Errorf("%w: invalid inode kind %d", unix.EINVAL, typ.Kind))
	}
}

// openCreated opens the inode just created at (dir, base) as an O_PATH
// handle, for returning from Create.
func (r *Root) openCreated(subpath string, dir fd.Fd, base string, extraFlags int) (*os.File, error) {
	f, err := fd.Openat(dir, base, unix.O_PATH|unix.O_NOFOLLOW|extraFlags, 0)
	if err != nil {
		return nil, wrapError("Create", subpath, err)
	}
	return f, nil
}

// Mkdir creates a single directory at subpath; the parent must already
// exist. Use MkdirAll to create intermediate directories too.
func (r *Root) Mkdir(subpath string, mode int) error {
	if mode&^0o7777 != 0 {
		return wrapError("Mkdir", subpath, fmt.Errorf("%w: mode 0o%o out of range", unix.EINVAL, mode))
	}
	parent, base, err := splitParentBase(subpath)
	if err != nil {
		return wrapError("Mkdir", subpath, err)
	}
	parentHandle, err := r.Resolve(parent, ResolveDefault)
	if err != nil {
		return wrapError("Mkdir", subpath, err)
	}
	defer parentHandle.Close() //nolint:errcheck

	if err := fd.Mkdirat(parentHandle.file, base, uint32(mode)); err != nil {
		return wrapError("Mkdir", subpath, err)
	}
	return nil
}

// MkdirAll creates subpath and every missing intermediate directory,
// tolerating components that already exist, and returns a Handle to the
// final directory. Grounded on the teacher's MkdirAllHandle, re-expressed
// against resolveOpath's partial-lookup result instead of
// partialLookupInRoot.
func (r *Root) MkdirAll(subpath string, mode int) (_ *Handle, Err error) {
	if mode&^0o7777 != 0 {
		return nil, wrapError("MkdirAll", subpath, fmt.Errorf("%w: mode 0o%o out of range", unix.EINVAL, mode))
	}

	currentDir, remaining, err := resolveOpath(r.fd, subpath, ResolveDefault)
	if err != nil {
		return nil, wrapError("MkdirAll", subpath, err)
	}
	defer func() {
		if Err != nil {
			_ = currentDir.Close()
		}
	}()

	if err := fd.IsDeadInode(currentDir); err != nil {
		return nil, wrapError("MkdirAll", subpath, err)
	}
	st, err := fd.Fstat(currentDir)
	if err != nil {
		return nil, wrapError("MkdirAll", subpath, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, wrapError("MkdirAll", subpath, fmt.Errorf("%w", unix.ENOTDIR))
	}

	for _, part := range splitComponents(remaining) {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, wrapError("MkdirAll", subpath, fmt.Errorf("%w: %q escapes root", ErrPossibleBreakout, subpath))
		}

		if err := fd.Mkdirat(currentDir, part, uint32(mode)); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, wrapError("MkdirAll", subpath, err)
		}
		next, err := fd.Openat(currentDir, part, unix.O_PATH|unix.O_NOFOLLOW|unix.O_DIRECTORY, 0)
		if err != nil {
			return nil, wrapError("MkdirAll", subpath, err)
		}
		_ = currentDir.Close()
		currentDir = next
	}
	return &Handle{file: currentDir}, nil
}

// RemoveFile removes the file at subpath. The target must not be a
// directory.
func (r *Root) RemoveFile(subpath string) error {
	return r.remove(subpath, 0)
}

// RemoveDir removes the (empty) directory at subpath.
func (r *Root) RemoveDir(subpath string) error {
	return r.remove(subpath, unix.AT_REMOVEDIR)
}

func (r *Root) remove(subpath string, flags int) error {
	parent, base, err := splitParentBase(subpath)
	if err != nil {
		return wrapError("Remove", subpath, err)
	}
	parentHandle, err := r.Resolve(parent, ResolveDefault)
	if err != nil {
		return wrapError("Remove", subpath, err)
	}
	defer parentHandle.Close() //nolint:errcheck

	if err := fd.Unlinkat(parentHandle.file, base, flags); err != nil {
		return wrapError("Remove", subpath, err)
	}
	return nil
}

// RemoveAll removes subpath and, if it is a directory, everything beneath
// it, refusing to cross into a different mount partway through (a removal
// silently skipping across a bind mount boundary would be a much worse
// surprise than simply failing).
func (r *Root) RemoveAll(subpath string) error {
	h, err := r.Resolve(subpath, ResolveNoFollowTrailing)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return wrapError("RemoveAll", subpath, err)
	}

	rootMountID, err := mountid.Of(r.fd, "", nil)
	if err != nil {
		_ = h.Close()
		return wrapError("RemoveAll", subpath, fmt.Errorf("get root mount id: %w", err))
	}

	st, err := fd.Fstat(h.file)
	if err != nil {
		_ = h.Close()
		return wrapError("RemoveAll", subpath, err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		err = removeAllChildren(h.file, rootMountID)
	}
	_ = h.Close()
	if err != nil {
		return wrapError("RemoveAll", subpath, err)
	}

	parent, base, err := splitParentBase(subpath)
	if err != nil {
		return wrapError("RemoveAll", subpath, err)
	}
	parentHandle, err := r.Resolve(parent, ResolveDefault)
	if err != nil {
		return wrapError("RemoveAll", subpath, err)
	}
	defer parentHandle.Close() //nolint:errcheck

	if err := fd.Unlinkat(parentHandle.file, base, unix.AT_REMOVEDIR); err != nil {
		if errors.Is(err, unix.ENOTDIR) {
			err = fd.Unlinkat(parentHandle.file, base, 0)
		}
		if err != nil && !IsNotExist(err) {
			return wrapError("RemoveAll", subpath, err)
		}
	}
	return nil
}

// removeAllChildren recursively empties dir (an O_PATH handle), refusing to
// descend into anything that has been bind-mounted on top since rootMountID
// was computed.
func removeAllChildren(dir fd.Fd, rootMountID mountid.ID) error {
	if err := verifyComponentMount(dir, rootMountID); err != nil {
		return err
	}

	readable, err := reopenFd(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC)
	if err != nil {
		return fmt.Errorf("reopen directory for listing: %w", err)
	}
	defer readable.Close() //nolint:errcheck

	names, err := readable.Readdirnames(-1)
	if err != nil {
		return fmt.Errorf("list directory: %w", err)
	}

	for _, name := range names {
		child, err := fd.Openat(dir, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
		if err != nil {
			if IsNotExist(err) {
				continue
			}
			return err
		}

		childSt, err := fd.Fstat(child)
		if err != nil {
			_ = child.Close()
			return err
		}

		if childSt.Mode&unix.S_IFMT == unix.S_IFDIR {
			if err := removeAllChildren(child, rootMountID); err != nil {
				_ = child.Close()
				return err
			}
			_ = child.Close()
			if err := fd.Unlinkat(dir, name, unix.AT_REMOVEDIR); err != nil && !IsNotExist(err) {
				return err
			}
			continue
		}

		_ = child.Close()
		if err := fd.Unlinkat(dir, name, 0); err != nil && !IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Rename renames src to dst, both resolved inside r, using renameat2 so
// flags (RENAME_NOREPLACE, RENAME_EXCHANGE, RENAME_WHITEOUT) can be passed
// through to the kernel.
func (r *Root) Rename(src, dst string, flags uint) error {
	srcParent, srcBase, err := splitParentBase(src)
	if err != nil {
		return wrapError("Rename", src, err)
	}
	dstParent, dstBase, err := splitParentBase(dst)
	if err != nil {
		return wrapError("Rename", dst, err)
	}

	srcHandle, err := r.Resolve(srcParent, ResolveDefault)
	if err != nil {
		return wrapError("Rename", src, err)
	}
	defer srcHandle.Close() //nolint:errcheck

	dstHandle, err := r.Resolve(dstParent, ResolveDefault)
	if err != nil {
		return wrapError("Rename", dst, err)
	}
	defer dstHandle.Close() //nolint:errcheck

	if err := fd.Renameat2(srcHandle.file, srcBase, dstHandle.file, dstBase, flags); err != nil {
		return wrapError("Rename", src+" -> "+dst, err)
	}
	return nil
}

// Readlink reads the symlink at subpath.
func (r *Root) Readlink(subpath string) (string, error) {
	h, err := r.Resolve(subpath, ResolveNoFollowTrailing)
	if err != nil {
		return "", wrapError("Readlink", subpath, err)
	}
	defer h.Close() //nolint:errcheck

	return h.Readlink()
}
