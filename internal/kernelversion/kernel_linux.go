// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// Copyright (C) 2026 The Saferoot Authors.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernelversion provides a best-effort uname(2)-based Linux kernel
// version check, used to gate feature probes (openat2, the new mount API,
// STATX_MNT_ID_UNIQUE, ...) where a runtime syscall probe isn't practical or
// where we want to document the minimum supported kernel for a code path.
package kernelversion

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is a dotted version, e.g. {5, 10, 0} for "5.10.0".
type KernelVersion []int

// String implements fmt.Stringer.
func (kv KernelVersion) String() string {
	parts := make([]string, len(kv))
	for i, v := range kv {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

var errInvalidKernelVersion = errors.New("invalid kernel version")

// parseKernelVersion parses the dotted-decimal prefix of a uname Release
// string (e.g. "6.12.0-1-default" -> {6, 12, 0}). Each "<digits>" component
// must be separated by a single ".", and the first non-digit character
// reached while *not* immediately after a "." ends the numeric prefix (the
// remainder, including any further dots, is an ignored distro suffix like
// "-default-foo.12.23"). A "." not immediately followed by a digit is
// invalid. At least two components are required.
func parseKernelVersion(release string) (KernelVersion, error) {
	var components []int
	i, n := 0, len(release)
	for {
		start := i
		for i < n && release[i] >= '0' && release[i] <= '9' {
			i++
		}
		if i == start {
			// No digits where a component was required (either at the very
			// start, or immediately after a ".").
			return nil, fmt.Errorf("%w: %q", errInvalidKernelVersion, release)
		}
		v, err := strconv.Atoi(release[start:i])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errInvalidKernelVersion, release)
		}
		components = append(components, v)
		if i < n && release[i] == '.' {
			i++
			continue
		}
		break
	}
	if len(components) < 2 {
		return nil, fmt.Errorf("%w: %q", errInvalidKernelVersion, release)
	}
	return components, nil
}

func getKernelVersion() (KernelVersion, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	return parseKernelVersion(release)
}

// GreaterEqualThan returns whether the running kernel's version is greater
// than or equal to the given version, compared component-by-component with
// missing trailing components treated as zero.
func GreaterEqualThan(wantKver KernelVersion) (bool, error) {
	hostKver, err := getKernelVersion()
	if err != nil {
		return false, err
	}
	n := len(hostKver)
	if len(wantKver) > n {
		n = len(wantKver)
	}
	for i := 0; i < n; i++ {
		var have, want int
		if i < len(hostKver) {
			have = hostKver[i]
		}
		if i < len(wantKver) {
			want = wantKver[i]
		}
		if have != want {
			return have > want, nil
		}
	}
	return true, nil
}
