// Copyright (C) 2026 The Saferoot Authors.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package saferoot

import "github.com/saferoot/saferoot/internal/fd"

// symlinkFrame is one entry in a symlinkStack: the path components still to
// be processed after the symlink target that pushed this frame is fully
// consumed, plus a handle to the directory the symlink was found in, which
// the frame owns and which is closed when the frame is popped. A ".." inside
// the target is resolved against the real parent of wherever the walk has
// reached, matching kernel semantics.
type symlinkFrame struct {
	remaining []string
	dir       fd.Fd
}

// symlinkStack is the explicit state the opath resolver threads through a
// lookup instead of using native recursion, so that MaxSymlinkLimit can be
// enforced precisely and so every directory fd opened along the way has an
// unambiguous owner to close.
type symlinkStack struct {
	frames []symlinkFrame
}

func (s *symlinkStack) push(remaining []string, dir fd.Fd) {
	s.frames = append(s.frames, symlinkFrame{remaining: remaining, dir: dir})
}

// pop removes and returns the top frame. The caller takes ownership of the
// returned dir and must close it once done.
func (s *symlinkStack) pop() (symlinkFrame, bool) {
	if len(s.frames) == 0 {
		return symlinkFrame{}, false
	}
	n := len(s.frames) - 1
	frame := s.frames[n]
	s.frames = s.frames[:n]
	return frame, true
}

func (s *symlinkStack) empty() bool { return len(s.frames) == 0 }

// closeAll closes every directory fd still owned by the stack; used on the
// error path when a lookup aborts partway through a symlink chain.
func (s *symlinkStack) closeAll() {
	for _, frame := range s.frames {
		if c, ok := frame.dir.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	s.frames = nil
}
