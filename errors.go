// Copyright (C) 2026 The Saferoot Authors.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package saferoot

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/saferoot/saferoot/internal/errtype"
)

// ErrorKind classifies an [Error] returned by this package. It exists
// alongside the wrapped syscall errno so that callers that want to make
// policy decisions (e.g. "should I retry") don't need to pattern-match on
// errno values that vary between this package's two resolver backends.
type ErrorKind int

const (
	// KindInvalidArgument covers synchronous argument validation: an
	// out-of-range Pid, an empty basename, a mode outside 0o7777.
	KindInvalidArgument ErrorKind = iota
	// KindNotFound mirrors ENOENT.
	KindNotFound
	// KindNotADirectory mirrors ENOTDIR.
	KindNotADirectory
	// KindIsADirectory mirrors EISDIR.
	KindIsADirectory
	// KindExists mirrors EEXIST.
	KindExists
	// KindTooManyLinks names an exhausted symlink budget. classify never
	// produces it: budget exhaustion (ErrTooManyLinks, which also matches
	// ELOOP) is reported as KindLoop.
	KindTooManyLinks
	// KindLoop mirrors ELOOP, whether reported by the kernel or by the
	// opath resolver running out of its symlink budget.
	KindLoop
	// KindXDev mirrors EXDEV: a rename, link, or resolution step that would
	// cross a mount boundary.
	KindXDev
	// KindSafetyViolation is returned whenever a resolver invariant was
	// breached: an attempted escape from the root, a procfs authenticity
	// check failure, an overmount detected mid-resolution. This is never
	// recovered internally and always surfaced to the caller.
	KindSafetyViolation
	// KindOsError is a direct bubble-up from a syscall that doesn't fit one
	// of the more specific kinds above; callers may still match on the
	// wrapped errno via errors.Is.
	KindOsError
	// KindNotSupported is used internally when a kernel feature (such as
	// openat2) is missing; the openat2 resolver recovers from this by
	// falling back to the userspace resolver, so callers only observe it if
	// every available resolution strategy failed.
	KindNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindNotADirectory:
		return "not a directory"
	case KindIsADirectory:
		return "is a directory"
	case KindExists:
		return "already exists"
	case KindTooManyLinks:
		return "too many levels of symbolic links"
	case KindLoop:
		return "symbolic link loop"
	case KindXDev:
		return "cross-device operation"
	case KindSafetyViolation:
		return "safety violation"
	case KindOsError:
		return "os error"
	case KindNotSupported:
		return "not supported"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every fallible operation in this
// package. It has no errno field of its own: errors.Is matches an errno only
// when the wrapped cause carries one. The resolver's safety sentinels
// compare equal to EXDEV; validation errors such as ErrInvalidBasename carry
// no errno. os.IsNotExist and friends do not look through an *Error;
// errors.Is(err, os.ErrNotExist) does.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, unix.ENOENT) and similar comparisons succeed
// whenever the wrapped cause matches target, whatever this Error's kind.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// newError wraps err (the most specific underlying error available) as an
// Error of the given kind.
func newError(kind ErrorKind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// classify maps a raw syscall/library error to an ErrorKind, preferring the
// most specific classification available. Safety-violation sentinels from
// internal/errtype always win, since they indicate a resolver invariant was
// breached rather than an ordinary filesystem condition.
func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOsError
	case errors.Is(err, errtype.ErrPossibleBreakout),
		errors.Is(err, errtype.ErrPossibleAttack),
		errors.Is(err, errtype.ErrUnsafeProcfs),
		errors.Is(err, errtype.ErrInvalidDirectory),
		errors.Is(err, errtype.ErrDeletedInode):
		return KindSafetyViolation
	case errors.Is(err, unix.ENOENT):
		return KindNotFound
	case errors.Is(err, unix.ENOTDIR):
		return KindNotADirectory
	case errors.Is(err, unix.EISDIR):
		return KindIsADirectory
	case errors.Is(err, unix.EEXIST):
		return KindExists
	case errors.Is(err, unix.ELOOP):
		return KindLoop
	case errors.Is(err, unix.EXDEV):
		return KindXDev
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.EOPNOTSUPP):
		return KindNotSupported
	case errors.Is(err, unix.EINVAL), errors.Is(err, ErrInvalidBasename):
		return KindInvalidArgument
	default:
		return KindOsError
	}
}

// wrapError classifies err and wraps it as an *Error tagged with op/path.
func wrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return newError(classify(err), op, path, err)
}

var (
	// ErrPossibleBreakout is returned (wrapped) whenever an authenticated
	// handle's verified path doesn't match the path the resolver expected.
	ErrPossibleBreakout = errtype.ErrPossibleBreakout
	// ErrPossibleAttack is returned (wrapped) when an intermediate lookup
	// step detects the filesystem tree being manipulated concurrently.
	ErrPossibleAttack = errtype.ErrPossibleAttack
	// ErrUnsafeProcfs is returned (wrapped) when a procfs handle fails one
	// of its authenticity checks.
	ErrUnsafeProcfs = errtype.ErrUnsafeProcfs
	// ErrTooManyLinks is returned when the resolver's 40-symlink budget
	// (matching the kernel's MAXSYMLINKS) is exhausted.
	ErrTooManyLinks = errors.New("too many levels of symbolic links")
	// ErrInvalidBasename is returned when path splitting produces an empty,
	// ".", or ".." basename for an operation that requires a real name.
	ErrInvalidBasename = errors.New("invalid basename for operation")
)
