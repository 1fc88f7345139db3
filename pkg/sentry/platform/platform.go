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

// Package platform provides a Platform abstraction: the page-table and MMU
// primitives the memory manager binds virtual pages to physical frames with.
package platform

import (
	"fmt"

	"gvisor.dev/lazyvm/pkg/hostarch"
)

// Platform provides address spaces.
type Platform interface {
	// NewAddressSpace returns a new, empty address space.
	NewAddressSpace() (AddressSpace, error)

	// Memory returns the physical memory backing all address spaces created
	// by this Platform.
	Memory() Memory
}

// Memory provides kernel-visible access to physical frames.
type Memory interface {
	// MapInternal returns the page-sized byte slice through which the frame
	// at physical address pa can be accessed by the kernel.
	//
	// Preconditions: pa is page-aligned and was returned by the frame
	// allocator.
	MapInternal(pa uint64) []byte
}

// AddressSpace represents a virtual address space in which an application
// executes: the hardware page table of one process.
//
// Implementations must be safe for concurrent use; the frame table inspects
// accessed bits of other processes' address spaces while scanning for an
// eviction victim.
type AddressSpace interface {
	// MapPage installs a mapping of the page at addr to the frame at pa. Any
	// existing mapping for addr is replaced. The accessed and dirty bits of
	// the new mapping are clear.
	//
	// Preconditions: addr and pa are page-aligned.
	MapPage(addr hostarch.Addr, pa uint64, writable bool) error

	// Unmap removes the mapping for the page at addr, if any. It returns the
	// dirty bit of the removed mapping, read atomically with its removal.
	Unmap(addr hostarch.Addr) (dirty bool)

	// Query returns the frame mapped at the page containing addr.
	Query(addr hostarch.Addr) (pa uint64, writable bool, ok bool)

	// Accessed returns true if the page at addr has been read or written
	// since its accessed bit was last cleared.
	Accessed(addr hostarch.Addr) bool

	// ClearAccessed clears the accessed bit of the page at addr.
	ClearAccessed(addr hostarch.Addr)

	// SetAccessed sets the accessed bit of the page at addr, if it is mapped.
	SetAccessed(addr hostarch.Addr)

	// Dirty returns true if the page at addr has been written since it was
	// mapped or its dirty bit was last cleared.
	Dirty(addr hostarch.Addr) bool

	// ClearDirty clears the dirty bit of the page at addr.
	ClearDirty(addr hostarch.Addr)

	// SetDirty sets the dirty bit of the page at addr, if it is mapped.
	SetDirty(addr hostarch.Addr)

	// Activate makes this the address space of the running thread.
	Activate()

	// Release destroys the address space. All mappings are dropped and
	// subsequent MapPage calls fail.
	Release()

	// AddressSpaceIO supports IO through the installed mappings, as the
	// user program would perform it.
	AddressSpaceIO
}

// AddressSpaceIO supports IO through the memory mappings installed in an
// AddressSpace. Accesses set the accessed bit of every page they touch, and
// writes set the dirty bit.
type AddressSpaceIO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why; a missing or
	// read-only mapping is reported as a *SegmentationFault.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)
}

// SegmentationFault is an error returned by AddressSpaceIO methods when IO
// fails due to access of an unmapped page, or a write to a read-only page.
type SegmentationFault struct {
	// Addr is the address at which the fault occurred.
	Addr hostarch.Addr

	// Write is true if the faulting access was a write.
	Write bool

	// NotPresent is true if no mapping existed for the page. It is false for
	// protection violations.
	NotPresent bool
}

// Error implements error.Error.
func (f *SegmentationFault) Error() string {
	kind := "protection violation"
	if f.NotPresent {
		kind = "page not present"
	}
	access := "read"
	if f.Write {
		access = "write"
	}
	return fmt.Sprintf("segmentation fault at %v (%s, %s)", f.Addr, access, kind)
}
