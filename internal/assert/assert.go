// SPDX-License-Identifier: MPL-2.0

// Copyright (C) 2026 The Saferoot Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package assert provides a panic-based assertion helper for invariants
// that should be impossible to violate. It must never be used for
// control-flow or for anything an attacker can influence (use a proper
// error return for that) — it exists purely to turn "this should never
// happen" comments into an enforced check that fails loudly in testing.
package assert

import "fmt"

// Assert panics with val if cond is false.
func Assert(cond bool, val any) {
	if !cond {
		panic(val) //nolint:forbidigo // intentional, see package doc
	}
}

// Assertf panics with a formatted string if cond is false.
func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf(format, a...)) //nolint:forbidigo // intentional, see package doc
	}
}
