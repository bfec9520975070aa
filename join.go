// Copyright (C) 2014-2015 Docker Inc & Go Authors. All rights reserved.
// Copyright (C) 2017-2026 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package saferoot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrSymlinkLoop is returned by SecureJoin when too many symlinks have been
// evaluated while resolving the given path.
var ErrSymlinkLoop = errors.New("SecureJoin: too many links")

// SecureJoin lexically resolves unsafePath against root the same way a
// chroot would, purely by stat(2)/readlink(2) calls against plain path
// strings. It predates (and is superseded by) [OpenRoot].Resolve's
// O_PATH-based walk: nothing stops an attacker from swapping a path
// component between SecureJoin returning and the caller using the result,
// so the guarantee only holds if the filesystem underneath root is not
// concurrently mutated. Kept for callers that only need a cheap,
// best-effort join (e.g. computing a display path) and cannot afford to
// hold an open directory fd; anything handling untrusted input under
// concurrent access should resolve through a [Root] instead.
func SecureJoin(root, unsafePath string) (string, error) {
	var path bytes.Buffer
	n := 0
	for unsafePath != "" {
		if n > MaxSymlinkLimit {
			return "", ErrSymlinkLoop
		}

		// Next path component, p.
		i := strings.IndexRune(unsafePath, filepath.Separator)
		var p string
		if i == -1 {
			p, unsafePath = unsafePath, ""
		} else {
			p, unsafePath = unsafePath[:i], unsafePath[i+1:]
		}

		// Create a cleaned path, using the lexical semantics of /../a, to
		// create a "scoped" path component which can safely be joined to
		// fullP for evaluation. At this point, path.String() doesn't
		// contain any symlink components.
		cleanP := filepath.Clean(string(filepath.Separator) + path.String() + p)
		if cleanP == string(filepath.Separator) {
			path.Reset()
			continue
		}
		fullP := filepath.Clean(root + cleanP)

		// Figure out whether the path is a symlink.
		fi, err := os.Lstat(fullP)
		if err != nil && !IsNotExist(err) {
			return "", err
		}
		// Treat non-existent path components the same as non-symlinks (we
		// can't do any better here).
		if IsNotExist(err) || fi.Mode()&os.ModeSymlink == 0 {
			path.WriteString(p)
			path.WriteRune(filepath.Separator)
			continue
		}

		// It's a symlink, expand it by prepending it to the yet-unparsed
		// path.
		n++
		dest, err := os.Readlink(fullP)
		if err != nil {
			return "", err
		}
		// Absolute symlinks reset any work we've already done.
		if filepath.IsAbs(dest) {
			path.Reset()
		}
		unsafePath = dest + string(filepath.Separator) + unsafePath
	}

	// We have to clean path.String() here because it may contain '..'
	// components that are entirely lexical, but would be misleading
	// otherwise. And finally do a final clean to ensure that root is also
	// lexically clean.
	fullP := filepath.Clean(string(filepath.Separator) + path.String())
	return filepath.Clean(root + fullP), nil
}
