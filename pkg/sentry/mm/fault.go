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
	"fmt"

	"gvisor.dev/lazyvm/pkg/cleanup"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

// FaultInfo describes a page fault.
type FaultInfo struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// User is true if the fault was raised by user code.
	User bool

	// Write is true if the faulting access was a write.
	Write bool

	// NotPresent is true if no mapping existed. It is false for protection
	// violations.
	NotPresent bool

	// SP is the user stack pointer at the time of a user fault. Faults raised
	// by the kernel use the stack pointer saved by SetKernelSP instead.
	SP hostarch.Addr
}

// String implements fmt.Stringer.String.
func (fi FaultInfo) String() string {
	who := "kernel"
	if fi.User {
		who = "user"
	}
	what := "read"
	if fi.Write {
		what = "write"
	}
	why := "protection"
	if fi.NotPresent {
		why = "not present"
	}
	return fmt.Sprintf("%s %s fault at %v (%s)", who, what, fi.Addr, why)
}

// HandleFault attempts to satisfy a page fault. It returns nil if the
// faulting access may be retried, and EFAULT if the access is invalid, in
// which case the process must be terminated. Other errors, such as ENOMEM,
// come from claiming the page.
func (mm *MemoryManager) HandleFault(ctx context.Context, fi FaultInfo) error {
	pageFaults.Increment()
	if err := mm.handleFault(ctx, fi); err != nil {
		faultsRejected.Increment()
		mm.logger.Debugf("%v rejected: %v", fi, err)
		return err
	}
	return nil
}

func (mm *MemoryManager) handleFault(ctx context.Context, fi FaultInfo) error {
	if mm.destroyed || fi.Addr == 0 || !mm.layout.IsUserAddr(fi.Addr) {
		return linuxerr.EFAULT
	}
	if !fi.NotPresent {
		// No copy-on-write: every protection violation is fatal.
		return linuxerr.EFAULT
	}

	sp := mm.kernelSP
	if fi.User {
		sp = fi.SP
	}
	if mm.layout.IsStackAccess(fi.Addr, sp) && mm.spt.Find(fi.Addr) == nil {
		if err := mm.growStack(fi.Addr); err != nil {
			return err
		}
	}

	p := mm.spt.Find(fi.Addr)
	if p == nil {
		return linuxerr.EFAULT
	}
	if fi.Write && !p.writable {
		return linuxerr.EFAULT
	}
	if err := mm.claim(ctx, p); err != nil {
		return err
	}
	// The faulting access is retried right away.
	mm.as.SetAccessed(fi.Addr)
	return nil
}

// growStack registers a new stack page containing addr.
func (mm *MemoryManager) growStack(addr hostarch.Addr) error {
	if _, err := mm.AllocPage(AllocOpts{
		Kind:     KindAnon,
		Addr:     addr.RoundDown(),
		Writable: true,
		Stack:    true,
	}); err != nil {
		return err
	}
	stackGrowths.Increment()
	mm.logger.Debugf("Grew stack to %v", addr.RoundDown())
	return nil
}

// Claim binds a frame to the page containing addr and fills it. It returns
// EFAULT if no page is registered at addr. Claiming a resident page is a
// no-op.
func (mm *MemoryManager) Claim(ctx context.Context, addr hostarch.Addr) error {
	p := mm.spt.Find(addr)
	if p == nil {
		return linuxerr.EFAULT
	}
	return mm.claim(ctx, p)
}

// claim binds a frame to p, maps it and fills it. On failure, p is left
// unclaimed.
func (mm *MemoryManager) claim(ctx context.Context, p *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backing == nil {
		return linuxerr.EFAULT
	}
	if p.frame != nil {
		return nil
	}

	f, err := mm.ft.obtain(ctx)
	if err != nil {
		return fmt.Errorf("claiming %v: %w", p, err)
	}
	cu := cleanup.Make(func() { mm.ft.release(f) })
	defer cu.Clean()

	mm.ft.link(f, p)
	cu.Add(func() { p.frame = nil })

	if err := mm.as.MapPage(p.addr, f.pa, p.writable); err != nil {
		return fmt.Errorf("mapping %v: %w", p, err)
	}
	cu.Add(func() { mm.as.Unmap(p.addr) })

	if err := p.backing.swapIn(ctx, p, mm.ft.mf.MapInternal(f.pa)); err != nil {
		return err
	}
	cu.Release()
	claims.Increment()
	return nil
}
