// Copyright (C) 2017-2026 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package saferoot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecureJoinBasic(t *testing.T) {
	dir := t.TempDir()
	dir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	require.NoError(t, os.Symlink("somepath", filepath.Join(dir, "etc")))
	require.NoError(t, os.Symlink("../../../../../../../../etc", filepath.Join(dir, "etclink")))

	for _, tc := range []struct {
		unsafe, expected string
	}{
		{"etc", filepath.Join(dir, "somepath")},
		{"etclink", filepath.Join(dir, "somepath")},
		{"etc/test", filepath.Join(dir, "somepath", "test")},
		{"etc/test/..", filepath.Join(dir, "somepath")},
	} {
		got, err := SecureJoin(dir, tc.unsafe)
		require.NoErrorf(t, err, "SecureJoin(%q, %q)", dir, tc.unsafe)
		require.Equalf(t, tc.expected, got, "SecureJoin(%q, %q)", dir, tc.unsafe)
	}
}

func TestSecureJoinSymlinkLoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("a", filepath.Join(dir, "a")))

	_, err := SecureJoin(dir, "a")
	require.ErrorIs(t, err, ErrSymlinkLoop)
}
