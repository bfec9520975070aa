// SPDX-License-Identifier: MPL-2.0

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package errtype holds the handful of sentinel errors shared between the
// resolver, the procfs package, and the public Error/ErrorKind taxonomy.
// They live in their own leaf package (rather than in the root package or
// internal/procfs directly) purely to avoid an import cycle: the root
// package wraps these into the public ErrorKind, and internal/procfs needs
// to return them without being able to import the root package.
package errtype

import "golang.org/x/sys/unix"

// xdevError is a sentinel error that also compares equal (via errors.Is) to
// unix.EXDEV, since every one of these conditions maps to SafetyViolation /
// EXDEV in the public ErrorKind taxonomy (spec.md §3).
type xdevError struct{ msg string }

func (e *xdevError) Error() string { return e.msg }

func (e *xdevError) Is(target error) bool { return target == unix.EXDEV }

var (
	// ErrPossibleBreakout is returned when a handle's verified path doesn't
	// match the path we expected it to resolve to.
	ErrPossibleBreakout error = &xdevError{"possible breakout detected"}
	// ErrPossibleAttack is returned when an intermediate lookup step detects
	// the filesystem tree being manipulated concurrently in a way that could
	// indicate an attack (e.g. a directory replaced by a non-directory).
	ErrPossibleAttack error = &xdevError{"possible attack detected"}
	// ErrUnsafeProcfs is returned when a procfs handle fails one of its
	// authenticity checks (wrong filesystem type, wrong root inode, mount-id
	// mismatch indicating an overmount).
	ErrUnsafeProcfs error = &xdevError{"unsafe procfs detected"}
	// ErrInvalidDirectory is returned when the resolver walks into a
	// directory that has since been deleted (nlink dropped to zero).
	ErrInvalidDirectory error = &xdevError{"wandered into deleted directory"}
	// ErrDeletedInode is returned when the resolver tries to verify the
	// path of an inode that has since been unlinked.
	ErrDeletedInode error = &xdevError{"cannot verify path of deleted inode"}
)
