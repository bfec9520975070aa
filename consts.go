// Copyright (C) 2026 The Saferoot Authors.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package saferoot

// MaxSymlinkLimit is the maximum number of symlinks that can be encountered
// during a single lookup before returning ErrTooManyLinks. This matches the
// kernel's own MAXSYMLINKS limit so that the opath resolver rejects exactly
// the paths the kernel-assisted openat2 resolver would.
const MaxSymlinkLimit = 40

// ResolverFlags is a bitset controlling how Root.Resolve behaves.
type ResolverFlags uint

const (
	// ResolveDefault follows a trailing symlink (if any) to completion.
	ResolveDefault ResolverFlags = 0
	// ResolveNoFollowTrailing stops resolution at a trailing symlink rather
	// than following it, returning a handle to the symlink itself.
	ResolveNoFollowTrailing ResolverFlags = 1 << iota
)

func (f ResolverFlags) noFollowTrailing() bool {
	return f&ResolveNoFollowTrailing != 0
}

// InodeTypeKind discriminates the variants of InodeType.
type InodeTypeKind int

const (
	// TypeFile creates a regular file.
	TypeFile InodeTypeKind = iota
	// TypeDirectory creates a directory.
	TypeDirectory
	// TypeSymlink creates a symbolic link.
	TypeSymlink
	// TypeHardlink creates a hard link to another path inside the same
	// root.
	TypeHardlink
	// TypeFifo creates a named pipe.
	TypeFifo
	// TypeCharDevice creates a character device node.
	TypeCharDevice
	// TypeBlockDevice creates a block device node.
	TypeBlockDevice
	// TypeSocket creates a Unix domain socket node.
	TypeSocket
)

// InodeType describes the inode Root.Create should make. Exactly the
// fields relevant to Kind are meaningful; the rest are ignored, except that
// Mode is range-checked for every Kind.
type InodeType struct {
	Kind InodeTypeKind

	// Mode is the permission bits (and, for devices, combined with the
	// device type by the implementation) for Directory, Fifo, CharDevice,
	// BlockDevice, and Socket. Must fit in 0o7777.
	Mode uint32
	// OpenFlags are extra flags to OR into the open(2) call for Kind ==
	// TypeFile. O_CREAT, O_EXCL, and O_NOFOLLOW are always implied and must
	// not be passed here.
	OpenFlags int
	// Target is the symlink target (verbatim, never resolved) for
	// TypeSymlink.
	Target string
	// TargetSubpath is another subpath within the same root to hardlink to,
	// for TypeHardlink.
	TargetSubpath string
	// Dev is the device number for TypeCharDevice/TypeBlockDevice.
	Dev int
}
