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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/lazyvm/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct (these are *errors.Error), they
// are not directly comparable; use Equals or ToUnix instead.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	EIO    = errors.New(unix.EIO, "I/O error")
	EBADF  = errors.New(unix.EBADF, "bad file number")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EACCES = errors.New(unix.EACCES, "permission denied")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	EMFILE = errors.New(unix.EMFILE, "too many open files")
	ESRCH  = errors.New(unix.ESRCH, "no such process")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
)

var (
	errnoTable = map[unix.Errno]*errors.Error{}
	nameTable  = map[string]*errors.Error{}
)

func init() {
	for _, e := range []*errors.Error{
		EPERM, ENOENT, EIO, EBADF, ENOMEM, EACCES, EFAULT, EBUSY,
		EEXIST, ENODEV, EINVAL, EMFILE, ESRCH, ENOSPC, EAGAIN,
	} {
		errnoTable[e.Errno()] = e
		nameTable[e.Name()] = e
	}
}

// ErrorFromUnix returns the *errors.Error for the given unix.Errno, or nil
// if no such error is known.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return nil
	}
	return errnoTable[err]
}

// FromName returns the *errors.Error with the given errno name, such as
// "EFAULT", or nil if no such error is known.
func FromName(name string) *errors.Error {
	return nameTable[name]
}

// ToUnix returns the unix.Errno underlying err, unwrapping wrapped errors. It
// returns 0 if err does not carry an errno.
func ToUnix(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return 0
}

// Equals compares a linuxerr to a given error, looking through wrapping. It
// returns true if the error carries the errno of want.
func Equals(want *errors.Error, got error) bool {
	if got == nil {
		return want == nil
	}
	if want == nil {
		return false
	}
	return ToUnix(got) == want.Errno()
}
