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

// Package arch describes the user address-space layout of the simulated
// machine.
package arch

import (
	"fmt"

	"gvisor.dev/lazyvm/pkg/hostarch"
)

const (
	// DefaultStackTop is the top of the user stack region. The initial
	// stack pointer of a new process is DefaultStackTop.
	DefaultStackTop hostarch.Addr = 0x47480000

	// DefaultMaxStackSize is the maximum distance below DefaultStackTop to
	// which the stack grows automatically.
	DefaultMaxStackSize = 1 << 20

	// DefaultKernelBase is the lowest kernel address. Everything at or above
	// it is inaccessible to user code.
	DefaultKernelBase hostarch.Addr = 0x8004000000

	// WordSize is the size of a machine word, and of a push onto the stack.
	WordSize = 8
)

// Layout describes the user portion of an address space.
type Layout struct {
	// MinAddr is the lowest user address. Addresses below it, including
	// the null page, are never mapped.
	MinAddr hostarch.Addr

	// MaxAddr is the first address past user space; the kernel begins here.
	MaxAddr hostarch.Addr

	// StackTop is the top of the user stack region.
	StackTop hostarch.Addr

	// MaxStackSize bounds automatic stack growth below StackTop.
	MaxStackSize uint64

	// WordSize is the size of a stack slot.
	WordSize uint64

	// MaxPages bounds the number of pages registered in one address space.
	// Zero means no limit.
	MaxPages uint64
}

// DefaultLayout returns the layout of the simulated machine.
func DefaultLayout() Layout {
	return Layout{
		MinAddr:      hostarch.PageSize,
		MaxAddr:      DefaultKernelBase,
		StackTop:     DefaultStackTop,
		MaxStackSize: DefaultMaxStackSize,
		WordSize:     WordSize,
	}
}

// Validate checks that l is internally consistent.
func (l Layout) Validate() error {
	switch {
	case !l.MinAddr.IsPageAligned() || !l.MaxAddr.IsPageAligned() || !l.StackTop.IsPageAligned():
		return fmt.Errorf("layout bounds must be page-aligned: %+v", l)
	case l.MinAddr == 0:
		return fmt.Errorf("the null page must not be user-accessible")
	case l.MinAddr >= l.MaxAddr:
		return fmt.Errorf("empty user range %v", hostarch.AddrRange{Start: l.MinAddr, End: l.MaxAddr})
	case l.StackTop <= l.MinAddr || l.StackTop > l.MaxAddr:
		return fmt.Errorf("stack top %v outside user range %v", l.StackTop, hostarch.AddrRange{Start: l.MinAddr, End: l.MaxAddr})
	case l.MaxStackSize == 0 || l.MaxStackSize%hostarch.PageSize != 0:
		return fmt.Errorf("max stack size %#x must be a non-zero page multiple", l.MaxStackSize)
	case uint64(l.StackTop-l.MinAddr) < l.MaxStackSize:
		return fmt.Errorf("max stack size %#x extends below user space", l.MaxStackSize)
	case l.WordSize == 0:
		return fmt.Errorf("word size must be non-zero")
	}
	return nil
}

// IsUserAddr returns true if addr lies in user space.
func (l Layout) IsUserAddr(addr hostarch.Addr) bool {
	return l.MinAddr <= addr && addr < l.MaxAddr
}

// IsUserRange returns true if ar is well-formed, non-empty and lies entirely
// in user space.
func (l Layout) IsUserRange(ar hostarch.AddrRange) bool {
	return ar.WellFormed() && ar.Length() > 0 && l.MinAddr <= ar.Start && ar.End <= l.MaxAddr
}

// IsKernelAddr returns true if addr lies in kernel space.
func (l Layout) IsKernelAddr(addr hostarch.Addr) bool {
	return addr >= l.MaxAddr
}

// StackBottom returns the lowest address to which the stack may grow.
func (l Layout) StackBottom() hostarch.Addr {
	return l.StackTop - hostarch.Addr(l.MaxStackSize)
}

// InStackRegion returns true if addr is within the automatic growth region
// of the stack.
func (l Layout) InStackRegion(addr hostarch.Addr) bool {
	return l.StackBottom() <= addr && addr < l.StackTop
}

// IsStackAccess returns true if an access to addr with the stack pointer at
// sp looks like a stack access: addr is no more than one word below sp (a
// push in progress), or above it, and inside the stack region.
func (l Layout) IsStackAccess(addr, sp hostarch.Addr) bool {
	if !l.InStackRegion(addr) {
		return false
	}
	low := sp
	if uint64(sp) >= l.WordSize {
		low = sp - hostarch.Addr(l.WordSize)
	}
	return addr >= low
}
