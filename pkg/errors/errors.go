// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the errno-carrying error type of lazyvm.
//
// Failures in the virtual memory layers wrap an *Error with fmt.Errorf and
// %w. Callers recover the errno with errors.As, or match it with errors.Is
// against either an *Error or a bare unix.Errno.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a syscall errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(errno unix.Errno, message string) *Error {
	return &Error{
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Name returns the symbolic name of the errno, such as "EFAULT".
func (e *Error) Name() string {
	if name := unix.ErrnoName(e.errno); name != "" {
		return name
	}
	return fmt.Sprintf("errno %d", uint64(e.errno))
}

// Is reports whether target carries the same errno as e. target may be an
// *Error or a unix.Errno.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.errno == e.errno
	case unix.Errno:
		return t == e.errno
	default:
		return false
	}
}
