// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package procfs implements spec component C3: a safe, self-verifying
// handle to /proc, used to reopen handles through /proc/thread-self/fd/$n,
// read mount ids from fdinfo and read magic-links without trusting a bare
// "/proc" string
// that an attacker-controlled mount namespace could have replaced. Ported
// from the teacher's internal/procfs/procfs_linux.go (the fd.Fd-based
// variant of its root-level procfs_linux.go), generalized to sit on top of
// this module's internal/fd, internal/linux, internal/mountid and
// internal/errtype packages instead of the teacher's.
package procfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/assert"
	"github.com/saferoot/saferoot/internal/errtype"
	"github.com/saferoot/saferoot/internal/fd"
	"github.com/saferoot/saferoot/internal/gocompat"
	"github.com/saferoot/saferoot/internal/linux"
	"github.com/saferoot/saferoot/internal/mountid"
)

// The kernel guarantees that the root inode of a procfs mount has an
// f_type of PROC_SUPER_MAGIC and st_ino of PROC_ROOT_INO.
const (
	procSuperMagic = 0x9fa0 // PROC_SUPER_MAGIC
	procRootIno    = 1      // PROC_ROOT_INO
)

// verifyProcHandle checks that the handle is on a procfs filesystem.
// Contrast with verifyProcRoot, which also checks the handle is the root of
// a procfs mount.
func verifyProcHandle(procHandle fd.Fd) error {
	statfs, err := fd.Fstatfs(procHandle)
	if err != nil {
		return err
	}
	if statfs.Type != procSuperMagic {
		return fmt.Errorf("%w: incorrect procfs root filesystem type 0x%x", errtype.ErrUnsafeProcfs, statfs.Type)
	}
	return nil
}

// verifyProcRoot verifies that the handle is the root of a procfs mount.
func verifyProcRoot(procRoot fd.Fd) error {
	if err := verifyProcHandle(procRoot); err != nil {
		return err
	}
	stat, err := fd.Fstat(procRoot)
	if err != nil {
		return err
	}
	if stat.Ino != procRootIno {
		return fmt.Errorf("%w: incorrect procfs root inode number %d", errtype.ErrUnsafeProcfs, stat.Ino)
	}
	return nil
}

type procfsFeatures struct {
	// hasSubsetPid was added in Linux 5.8, along with hidepid=ptraceable.
	// Before this, procfs superblock flags were shared across mounts in a
	// pid namespace, so it was not safe to set them at all.
	hasSubsetPid bool
}

var getProcfsFeatures = gocompat.SyncOnceValue(func() procfsFeatures {
	if !linux.HasNewMountAPI() {
		return procfsFeatures{}
	}
	procfsCtx, err := fd.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return procfsFeatures{}
	}
	defer procfsCtx.Close() //nolint:errcheck // close failures aren't critical here

	return procfsFeatures{
		hasSubsetPid: unix.FsconfigSetString(int(procfsCtx.Fd()), "subset", "pid") == nil,
	}
})

func newPrivateProcMount(subset bool) (_ *Handle, Err error) {
	procfsCtx, err := fd.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	defer procfsCtx.Close() //nolint:errcheck // close failures aren't critical here

	if subset && getProcfsFeatures().hasSubsetPid {
		_ = unix.FsconfigSetString(int(procfsCtx.Fd()), "hidepid", "ptraceable")
		_ = unix.FsconfigSetString(int(procfsCtx.Fd()), "subset", "pid")
	}

	if err := unix.FsconfigCreate(int(procfsCtx.Fd())); err != nil {
		return nil, os.NewSyscallError("fsconfig create procfs", err)
	}
	procRoot, err := fd.Fsmount(procfsCtx, unix.FSMOUNT_CLOEXEC, unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_NOSUID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

func clonePrivateProcMount() (_ *Handle, Err error) {
	// Try a clone without AT_RECURSIVE first: if it works we know there are
	// no over-mounts, so a valid root means we're golden.
	procRoot, err := fd.OpenTree(nil, "/proc", unix.OPEN_TREE_CLONE)
	if err != nil || hookForcePrivateProcRootOpenTreeAtRecursive(procRoot) {
		procRoot, err = fd.OpenTree(nil, "/proc", unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	}
	if err != nil {
		return nil, fmt.Errorf("creating a detached procfs clone: %w", err)
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

func privateProcRoot(subset bool) (*Handle, error) {
	if !linux.HasNewMountAPI() || hookForceGetProcRootUnsafe() {
		return nil, fmt.Errorf("new mount api: %w", unix.ENOTSUP)
	}
	procRoot, err := newPrivateProcMount(subset)
	if err != nil || hookForcePrivateProcRootOpenTree(procRoot) {
		procRoot, err = clonePrivateProcMount()
	}
	return procRoot, err
}

func unsafeHostProcRoot() (_ *Handle, Err error) {
	procRoot, err := os.OpenFile("/proc", unix.O_PATH|unix.O_NOFOLLOW|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

// Handle is a wrapper around an *os.File handle to "/proc" which has been
// verified to actually be a procfs mount (and, ideally, a private one the
// resolver created itself rather than the ambient host /proc).
type Handle struct {
	Inner fd.Fd
	// isSubset records whether this handle has subset=pid set.
	isSubset bool
}

func newHandle(procRoot fd.Fd) (*Handle, error) {
	if err := verifyProcRoot(procRoot); err != nil {
		if c, ok := procRoot.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	proc := &Handle{Inner: procRoot}
	// With subset=pid, /proc/uptime is guaranteed not to exist.
	if err := fd.Faccessat(proc.Inner, "uptime", unix.F_OK, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		proc.isSubset = errors.Is(err, os.ErrNotExist)
	}
	return proc, nil
}

// Close closes the underlying handle.
func (proc *Handle) Close() error {
	if c, ok := proc.Inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var getCachedProcRoot = gocompat.SyncOnceValue(func() *Handle {
	procRoot, err := getProcRoot(true)
	if err != nil {
		return nil
	}
	if !procRoot.isSubset {
		return nil // only cache verified subset=pid handles
	}
	// Disarm Close so nobody can accidentally close the process-global
	// cached handle.
	procRoot.Inner = fd.NopCloser(procRoot.Inner)
	return procRoot
})

// OpenProcRoot tries to open a "safer" handle to /proc (one mounted with
// subset=pid, available since Linux 5.8). Falls back to a regular /proc
// handle if that isn't possible.
func OpenProcRoot() (*Handle, error) {
	if proc := getCachedProcRoot(); proc != nil {
		return proc, nil
	}
	return getProcRoot(true)
}

// OpenUnsafeProcRoot opens a handle to /proc without subset=pid. Callers
// must ensure this handle is never leaked across a trust boundary and is
// closed as soon as possible.
func OpenUnsafeProcRoot() (*Handle, error) { return getProcRoot(false) }

func getProcRoot(subset bool) (*Handle, error) {
	proc, err := privateProcRoot(subset)
	if err != nil {
		proc, err = unsafeHostProcRoot()
	}
	return proc, err
}

var hasProcThreadSelf = gocompat.SyncOnceValue(func() bool {
	return unix.Access("/proc/thread-self/", unix.F_OK) == nil
})

// lookup is a minimal wrapper around lookupInRoot intended to be called
// from the exported API below.
func (proc *Handle) lookup(subpath string) (*os.File, error) {
	return lookupInRoot(proc.Inner, subpath)
}

// lookupInRoot walks subpath component-by-component starting at root,
// never following a symlink found mid-path (procfs magic-links must only
// ever be read via readlink, never transparently followed, or an attacker
// who controls the link target could redirect us outside procfs entirely).
// The one exception is a leading "self" or "thread-self", which are plain
// procfs symlinks to the caller's own pid (or task) directory. Every
// component opened is checked to be on root's mount, so an overmount
// anywhere along the path is reported as ErrUnsafeProcfs. Only the final
// component may be a magic-link, and it's opened O_PATH so the caller
// decides whether to read it or stat it.
func lookupInRoot(root fd.Fd, subpath string) (*os.File, error) {
	cleanPath := "/" + subpath // force-root so ".." can't escape via path parsing
	components := splitPath(cleanPath)

	currentDir, err := fd.Dup(root)
	if err != nil {
		return nil, fmt.Errorf("dup procfs root: %w", err)
	}
	defer currentDir.Close() //nolint:errcheck

	for i, part := range components {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%w: %q escapes procfs root", errtype.ErrPossibleBreakout, subpath)
		}

		last := i == len(components)-1
		flags := unix.O_PATH | unix.O_CLOEXEC
		if !last {
			flags |= unix.O_NOFOLLOW | unix.O_DIRECTORY
		} else {
			flags |= unix.O_NOFOLLOW
		}
		if i == 0 && (part == "self" || part == "thread-self") {
			flags &^= unix.O_NOFOLLOW
		}

		next, err := fd.Openat(currentDir, part, flags, 0)
		if err != nil {
			return nil, err
		}
		if err := CheckSubpathOvermount(root, next, ""); err != nil {
			_ = next.Close()
			return nil, err
		}
		currentDir.Close() //nolint:errcheck
		currentDir = next
	}
	return currentDir, nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// procfsBase indicates the prefix of a subpath in operations on a Handle.
type procfsBase string

const (
	// ProcRoot refers to the root of procfs ("/proc/<subpath>").
	ProcRoot procfsBase = "/proc"
	// ProcSelf refers to "/proc/self/<subpath>".
	ProcSelf procfsBase = "/proc/self"
	// ProcThreadSelf refers to "/proc/thread-self/<subpath>". In
	// multi-threaded programs (i.e. all Go programs), "/proc/self" can point
	// at the wrong thread, so callers doing thread-specific lookups (e.g.
	// "fd/$n") should use ProcThreadSelf instead.
	ProcThreadSelf procfsBase = "/proc/thread-self"
)

func (base procfsBase) prefix(proc *Handle) (string, error) {
	switch base {
	case ProcRoot:
		return ".", nil
	case ProcSelf:
		return "self", nil
	case ProcThreadSelf:
		threadSelf := "thread-self"
		if !hasProcThreadSelf() || hookForceProcSelfTask() {
			threadSelf = "self/task/" + strconv.Itoa(unix.Gettid())
			if err := fd.Faccessat(proc.Inner, threadSelf, unix.F_OK, unix.AT_SYMLINK_NOFOLLOW); err != nil || hookForceProcSelf() {
				threadSelf = "self"
			}
		}
		return threadSelf, nil
	}
	return "", fmt.Errorf("invalid procfs base %q", base)
}

// ProcThreadSelfCloser must be called once the caller is done with a handle
// obtained via OpenThreadSelf.
type ProcThreadSelfCloser func()

func (proc *Handle) open(base procfsBase, subpath string) (_ *os.File, closer ProcThreadSelfCloser, Err error) {
	prefix, err := base.prefix(proc)
	if err != nil {
		return nil, nil, err
	}
	subpath = prefix + "/" + subpath

	switch base {
	case ProcRoot:
		file, err := proc.lookup(subpath)
		if errors.Is(err, os.ErrNotExist) {
			// proc might be a subset=pid handle; fall back to a temporary
			// unmasked one for this lookup.
			unsafeProc, err2 := OpenUnsafeProcRoot()
			if err2 != nil {
				return nil, nil, err
			}
			defer unsafeProc.Close() //nolint:errcheck

			file, err = unsafeProc.lookup(subpath)
		}
		return file, nil, err

	case ProcSelf:
		file, err := proc.lookup(subpath)
		return file, nil, err

	case ProcThreadSelf:
		// Lock the OS thread until the caller is done with the handle: if
		// the Go runtime swapped the underlying thread out between us
		// computing the TID and the caller using the handle, the handle
		// could silently refer to a different thread.
		runtime.LockOSThread()
		defer func() {
			if Err != nil {
				runtime.UnlockOSThread()
				closer = nil
			}
		}()

		file, err := proc.lookup(subpath)
		return file, runtime.UnlockOSThread, err
	}
	return nil, nil, fmt.Errorf("[internal error] invalid procfs base %q", base)
}

// OpenThreadSelf returns a handle to "/proc/thread-self/<subpath>" (or an
// equivalent fallback on kernels predating /proc/thread-self). Call the
// returned closer once done; don't hand the file to another goroutine or
// use it after calling the closer.
func (proc *Handle) OpenThreadSelf(subpath string) (*os.File, ProcThreadSelfCloser, error) {
	return proc.open(ProcThreadSelf, subpath)
}

// OpenSelf returns a handle to /proc/self/<subpath>.
func (proc *Handle) OpenSelf(subpath string) (*os.File, error) {
	file, closer, err := proc.open(ProcSelf, subpath)
	assert.Assert(closer == nil, "closer for ProcSelf must be nil")
	return file, err
}

// OpenRoot returns a handle to /proc/<subpath>. Only use this for global
// procfs files (e.g. /proc/sys/...). The lookup is tried on proc first; if
// the entry does not exist there (as happens on a subset=pid handle), it is
// retried on a temporary handle without subset=pid, making it a juicier
// CVE-2024-21626-style target than OpenThreadSelf/OpenSelf/OpenPid.
func (proc *Handle) OpenRoot(subpath string) (*os.File, error) {
	file, closer, err := proc.open(ProcRoot, subpath)
	assert.Assert(closer == nil, "closer for ProcRoot must be nil")
	return file, err
}

// OpenPid returns a handle to /proc/$pid/<subpath>. Don't use this for the
// current thread -- use OpenThreadSelf instead.
func (proc *Handle) OpenPid(pid int, subpath string) (*os.File, error) {
	return proc.OpenRoot(strconv.Itoa(pid) + "/" + subpath)
}

// ReadlinkSelf reads the symlink at /proc/self/<subpath>.
func (proc *Handle) ReadlinkSelf(subpath string) (string, error) {
	return proc.readlink(ProcSelf, subpath)
}

// ReadlinkThreadSelf reads the symlink at /proc/thread-self/<subpath>. No
// thread-pinning is required here (unlike OpenThreadSelf): the readlink
// happens inside this single call, before the calling goroutine could be
// rescheduled onto a different OS thread.
func (proc *Handle) ReadlinkThreadSelf(subpath string) (string, error) {
	return proc.readlink(ProcThreadSelf, subpath)
}

// ReadlinkPid reads the symlink at /proc/$pid/<subpath>.
func (proc *Handle) ReadlinkPid(pid int, subpath string) (string, error) {
	return proc.readlink(ProcRoot, strconv.Itoa(pid)+"/"+subpath)
}

// ReadlinkRoot reads the symlink at /proc/<subpath>.
func (proc *Handle) ReadlinkRoot(subpath string) (string, error) {
	return proc.readlink(ProcRoot, subpath)
}

// IsSubsetPid reports whether this handle has subset=pid applied (and is
// therefore safe to cache process-globally per spec.md §3's ProcfsHandle
// invariant).
func (proc *Handle) IsSubsetPid() bool {
	return proc.isSubset
}

// CheckSubpathOvermount checks that (dir, path) is on the same mount as
// root, i.e. that nothing has been mounted on top of it since root was
// authenticated.
func CheckSubpathOvermount(root, dir fd.Fd, path string) error {
	expected, err := mountid.Of(root, "", root)
	if err != nil {
		return fmt.Errorf("get root mount id: %w", err)
	}
	got, err := mountid.Of(dir, path, root)
	if err != nil {
		return fmt.Errorf("get subpath mount id: %w", err)
	}
	if !mountid.Equal(expected, got) {
		return fmt.Errorf("%w: subpath %s/%s has an overmount obscuring the real path (mount ids do not match %d != %d)",
			errtype.ErrUnsafeProcfs, dir.Name(), path, expected, got)
	}
	return nil
}

// readlink performs readlink on "/proc/<base>/<subpath>", authenticating
// the handle against overmounts first.
func (proc *Handle) readlink(base procfsBase, subpath string) (string, error) {
	link, closer, err := proc.open(base, subpath)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return "", fmt.Errorf("get safe %s/%s handle: %w", base, subpath, err)
	}
	defer link.Close() //nolint:errcheck

	// A mount placed directly on top of the magic-link would be visible
	// here; this is guaranteed safe when proc is a private mount (isolated
	// from external mount propagation since Linux 5.12).
	if err := CheckSubpathOvermount(proc.Inner, link, ""); err != nil {
		return "", fmt.Errorf("check safety of %s/%s magiclink: %w", base, subpath, err)
	}

	// readlinkat implies AT_EMPTY_PATH since Linux 2.6.39.
	return fd.Readlinkat(link, "")
}

// ProcSelfFdReadlink gets the real path of the given file by reading
// /proc/thread-self/fd/$n.
func ProcSelfFdReadlink(f fd.Fd) (string, error) {
	procRoot, err := OpenProcRoot()
	if err != nil {
		return "", err
	}
	defer procRoot.Close() //nolint:errcheck

	fdPath := "fd/" + strconv.Itoa(int(f.Fd()))
	return procRoot.readlink(ProcThreadSelf, fdPath)
}

// CheckProcSelfFdPath checks that file's real path (as seen via procfs)
// still matches the expected path. This check is inherently racy -- it
// narrows the attack window, it does not close it.
func CheckProcSelfFdPath(path string, file fd.Fd) error {
	if err := fd.IsDeadInode(file); err != nil {
		return err
	}
	actualPath, err := ProcSelfFdReadlink(file)
	if err != nil {
		return fmt.Errorf("get path of handle: %w", err)
	}
	if actualPath != path {
		return fmt.Errorf("%w: handle path %q doesn't match expected path %q", errtype.ErrPossibleBreakout, actualPath, path)
	}
	return nil
}

// Test hooks letting the test suite exercise procfs fallback paths without
// needing a matching kernel. See procfs_linux_test.go.
var (
	hookForcePrivateProcRootOpenTree            = hookDummyFile
	hookForcePrivateProcRootOpenTreeAtRecursive = hookDummyFile
	hookForceGetProcRootUnsafe                  = hookDummy

	hookForceProcSelfTask = hookDummy
	hookForceProcSelf     = hookDummy
)

func hookDummy() bool                { return false }
func hookDummyFile(_ io.Closer) bool { return false }
