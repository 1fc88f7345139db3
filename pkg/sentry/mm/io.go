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

package mm

import (
	"context"
	"errors"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/platform"
)

// maxFaultRetries bounds how many times one address may fault during a
// copy before the copy gives up. Under memory pressure a page may be
// evicted again between being claimed and being accessed.
const maxFaultRetries = 8

// IOOpts controls the behavior of CopyIn and CopyOut.
type IOOpts struct {
	// User is true if the access is made by user code, false if it is made
	// by the kernel on the process' behalf.
	User bool

	// SP is the user stack pointer of a user access.
	SP hostarch.Addr
}

// CheckIORange returns [addr, addr+length) if it lies entirely in user
// space.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(length)
	return ar, ok && ar.Start >= mm.layout.MinAddr && ar.End <= mm.layout.MaxAddr
}

// CopyOut copies src to the memory mapped at addr, faulting pages in as
// needed. It returns the number of bytes copied; if it is less than len(src),
// the error explains why.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	return mm.copy(ctx, addr, src, true, opts)
}

// CopyIn copies len(dst) bytes from the memory mapped at addr to dst,
// faulting pages in as needed.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return mm.copy(ctx, addr, dst, false, opts)
}

func (mm *MemoryManager) copy(ctx context.Context, addr hostarch.Addr, buf []byte, write bool, opts IOOpts) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if _, ok := mm.CheckIORange(addr, uint64(len(buf))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	retries := 0
	var lastFault hostarch.Addr
	for done < len(buf) {
		var n int
		var err error
		if write {
			n, err = mm.as.CopyOut(addr+hostarch.Addr(done), buf[done:])
		} else {
			n, err = mm.as.CopyIn(addr+hostarch.Addr(done), buf[done:])
		}
		done += n
		if err == nil {
			continue
		}
		var sf *platform.SegmentationFault
		if !errors.As(err, &sf) {
			return done, err
		}
		if n == 0 && sf.Addr == lastFault {
			retries++
			if retries > maxFaultRetries {
				return done, linuxerr.EFAULT
			}
		} else {
			retries = 0
		}
		lastFault = sf.Addr
		if err := mm.HandleFault(ctx, FaultInfo{
			Addr:       sf.Addr,
			User:       opts.User,
			Write:      sf.Write,
			NotPresent: sf.NotPresent,
			SP:         opts.SP,
		}); err != nil {
			return done, err
		}
	}
	return done, nil
}
