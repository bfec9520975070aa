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

	"github.com/saferoot/saferoot/internal/procfs"
)

// ProcBaseKind discriminates the variants of [ProcBase].
type ProcBaseKind int

const (
	// ProcBaseRootKind selects "/proc/<subpath>".
	ProcBaseRootKind ProcBaseKind = iota
	// ProcBaseSelfKind selects "/proc/self/<subpath>".
	ProcBaseSelfKind
	// ProcBaseThreadSelfKind selects "/proc/thread-self/<subpath>".
	ProcBaseThreadSelfKind
	// ProcBasePidKind selects "/proc/$pid/<subpath>".
	ProcBasePidKind
)

func (k ProcBaseKind) String() string {
	switch k {
	case ProcBaseRootKind:
		return "root"
	case ProcBaseSelfKind:
		return "self"
	case ProcBaseThreadSelfKind:
		return "thread-self"
	case ProcBasePidKind:
		return "pid"
	default:
		return "unknown"
	}
}

// ProcBase selects which process's view of /proc an operation on a
// [ProcfsHandle] should resolve against. It is a small value type with
// total equality and printing, matching spec.md §3's ProcBase discriminant
// (Root, Self, ThreadSelf, Pid(u32)).
type ProcBase struct {
	kind ProcBaseKind
	pid  uint32
}

// ProcRoot selects "/proc" itself (for global, non-process files such as
// /proc/sys/...).
var ProcRoot = ProcBase{kind: ProcBaseRootKind}

// ProcSelf selects "/proc/self".
var ProcSelf = ProcBase{kind: ProcBaseSelfKind}

// ProcThreadSelf selects "/proc/thread-self" (or its pre-3.17 fallback).
// Prefer this over ProcSelf for anything thread-specific (e.g. "fd/$n"),
// since in a multi-threaded program "/proc/self" can refer to the wrong
// thread by the time the lookup completes.
var ProcThreadSelf = ProcBase{kind: ProcBaseThreadSelfKind}

// ProcPid selects "/proc/$pid". pid values of 2^31 or greater are rejected,
// matching the kernel's own pid_t range.
func ProcPid(pid uint32) (ProcBase, error) {
	if pid >= 1<<31 {
		return ProcBase{}, &Error{Kind: KindInvalidArgument, Op: "ProcPid", Err: fmt.Errorf("pid %d out of range", pid)}
	}
	return ProcBase{kind: ProcBasePidKind, pid: pid}, nil
}

// Kind reports which variant of ProcBase this is.
func (b ProcBase) Kind() ProcBaseKind { return b.kind }

// Pid returns the pid carried by a ProcBasePidKind value. It is only
// meaningful when Kind() == ProcBasePidKind.
func (b ProcBase) Pid() uint32 { return b.pid }

func (b ProcBase) String() string {
	if b.kind == ProcBasePidKind {
		return fmt.Sprintf("pid(%d)", b.pid)
	}
	return b.kind.String()
}

// ProcfsHandle is an authenticated reference to /proc, preferably a private
// mount this package created itself via fsopen/open_tree rather than the
// ambient host /proc (which a malicious container runtime or mount
// namespace neighbor could have tampered with). See spec.md §3/§4.3.
type ProcfsHandle struct {
	inner *procfs.Handle
	// unmasked records whether subset=pid was deliberately NOT requested
	// for this handle (i.e. it came from OpenUnsafeProcRoot). Per spec.md
	// §3, an unmasked handle must never be cached process-globally by a
	// caller; the process-global cache used internally by OpenProcRoot
	// only ever stores subset=pid handles regardless of this flag.
	unmasked bool
}

// OpenProcRoot opens a ProcfsHandle with subset=pid applied whenever the
// kernel supports it (Linux 5.8+), falling back to an unrestricted handle
// otherwise. Safe to call frequently: a verified subset=pid handle is
// cached process-globally and reused.
func OpenProcRoot() (*ProcfsHandle, error) {
	h, err := procfs.OpenProcRoot()
	if err != nil {
		return nil, wrapError("OpenProcRoot", "/proc", err)
	}
	return &ProcfsHandle{inner: h}, nil
}

// OpenUnsafeProcRoot opens a ProcfsHandle without subset=pid, exposing the
// full host /proc. The returned handle must never be cached or leaked
// across a trust boundary; it exists only for callers that genuinely need
// to see other processes (e.g. /proc/$pid for an unrelated pid).
func OpenUnsafeProcRoot() (*ProcfsHandle, error) {
	h, err := procfs.OpenUnsafeProcRoot()
	if err != nil {
		return nil, wrapError("OpenUnsafeProcRoot", "/proc", err)
	}
	return &ProcfsHandle{inner: h, unmasked: true}, nil
}

// Unmasked reports whether subset=pid was NOT applied to this handle (i.e.
// whether it is unsafe to cache, per spec.md §3).
func (p *ProcfsHandle) Unmasked() bool { return p.unmasked || !p.inner.IsSubsetPid() }

// Close closes the underlying /proc handle. Closing the process-global
// cached handle returned by OpenProcRoot is a safe no-op.
func (p *ProcfsHandle) Close() error { return p.inner.Close() }

// OpenSelf opens "/proc/self/<subpath>".
func (p *ProcfsHandle) OpenSelf(subpath string) (*os.File, error) {
	f, err := p.inner.OpenSelf(subpath)
	return f, wrapError("ProcfsHandle.OpenSelf", subpath, err)
}

// OpenThreadSelf opens "/proc/thread-self/<subpath>". The caller must not
// let its goroutine migrate to another OS thread between this call and its
// last use of the returned file, and must invoke the returned
// ProcThreadSelfCloser exactly once when done -- this is the pinning token
// spec.md §5 describes.
func (p *ProcfsHandle) OpenThreadSelf(subpath string) (*os.File, procfs.ProcThreadSelfCloser, error) {
	f, closer, err := p.inner.OpenThreadSelf(subpath)
	return f, closer, wrapError("ProcfsHandle.OpenThreadSelf", subpath, err)
}

// OpenPid opens "/proc/$pid/<subpath>". Do not use this for the calling
// thread/process; use OpenSelf or OpenThreadSelf instead.
func (p *ProcfsHandle) OpenPid(pid int, subpath string) (*os.File, error) {
	f, err := p.inner.OpenPid(pid, subpath)
	return f, wrapError("ProcfsHandle.OpenPid", subpath, err)
}

// OpenRoot opens "/proc/<subpath>", for global (non-process-specific)
// procfs files.
func (p *ProcfsHandle) OpenRoot(subpath string) (*os.File, error) {
	f, err := p.inner.OpenRoot(subpath)
	return f, wrapError("ProcfsHandle.OpenRoot", subpath, err)
}

// Readlink reads the symlink at "/proc/<base>/<subpath>", authenticating
// every intermediate component and the final magic-link against overmounts
// before reading it.
func (p *ProcfsHandle) Readlink(base ProcBase, subpath string) (string, error) {
	var (
		link string
		err  error
	)
	switch base.kind {
	case ProcBaseRootKind:
		link, err = p.inner.ReadlinkRoot(subpath)
	case ProcBaseSelfKind:
		link, err = p.inner.ReadlinkSelf(subpath)
	case ProcBaseThreadSelfKind:
		link, err = p.inner.ReadlinkThreadSelf(subpath)
	case ProcBasePidKind:
		link, err = p.inner.ReadlinkPid(int(base.pid), subpath)
	default:
		return "", &Error{Kind: KindInvalidArgument, Op: "ProcfsHandle.Readlink", Err: fmt.Errorf("invalid ProcBase %v", base)}
	}
	return link, wrapError("ProcfsHandle.Readlink", subpath, err)
}
