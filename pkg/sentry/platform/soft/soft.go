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

// Package soft implements platform.Platform with software page tables. Each
// address space is a map from virtual page to page table entry; the accessed
// and dirty bits are maintained by AddressSpaceIO the way an MMU would
// maintain them on user access.
package soft

import (
	"sync"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/platform"
)

// pte is a page table entry.
type pte struct {
	pa       uint64
	writable bool
	accessed bool
	dirty    bool
}

// Platform is a software MMU.
type Platform struct {
	mem platform.Memory

	// mu protects active.
	mu     sync.Mutex
	active *addressSpace
}

// New returns a Platform whose address spaces map frames of mem.
func New(mem platform.Memory) *Platform {
	return &Platform{mem: mem}
}

// Memory implements platform.Platform.Memory.
func (p *Platform) Memory() platform.Memory {
	return p.mem
}

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (p *Platform) NewAddressSpace() (platform.AddressSpace, error) {
	return &addressSpace{
		p:    p,
		ptes: make(map[hostarch.Addr]*pte),
	}, nil
}

// Active returns the most recently activated address space, or nil.
func (p *Platform) Active() platform.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil
	}
	return p.active
}

type addressSpace struct {
	p *Platform

	// mu protects the fields below.
	mu       sync.Mutex
	ptes     map[hostarch.Addr]*pte
	released bool
}

// MapPage implements platform.AddressSpace.MapPage.
func (as *addressSpace) MapPage(addr hostarch.Addr, pa uint64, writable bool) error {
	if !addr.IsPageAligned() || !hostarch.Addr(pa).IsPageAligned() {
		return linuxerr.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return linuxerr.EFAULT
	}
	as.ptes[addr] = &pte{pa: pa, writable: writable}
	return nil
}

// Unmap implements platform.AddressSpace.Unmap.
func (as *addressSpace) Unmap(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.ptes[addr.RoundDown()]
	if !ok {
		return false
	}
	delete(as.ptes, addr.RoundDown())
	return e.dirty
}

// Query implements platform.AddressSpace.Query.
func (as *addressSpace) Query(addr hostarch.Addr) (uint64, bool, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.ptes[addr.RoundDown()]
	if !ok {
		return 0, false, false
	}
	return e.pa, e.writable, true
}

func (as *addressSpace) entry(addr hostarch.Addr) *pte {
	return as.ptes[addr.RoundDown()]
}

// Accessed implements platform.AddressSpace.Accessed.
func (as *addressSpace) Accessed(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entry(addr)
	return e != nil && e.accessed
}

// ClearAccessed implements platform.AddressSpace.ClearAccessed.
func (as *addressSpace) ClearAccessed(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if e := as.entry(addr); e != nil {
		e.accessed = false
	}
}

// SetAccessed implements platform.AddressSpace.SetAccessed.
func (as *addressSpace) SetAccessed(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if e := as.entry(addr); e != nil {
		e.accessed = true
	}
}

// Dirty implements platform.AddressSpace.Dirty.
func (as *addressSpace) Dirty(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entry(addr)
	return e != nil && e.dirty
}

// ClearDirty implements platform.AddressSpace.ClearDirty.
func (as *addressSpace) ClearDirty(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if e := as.entry(addr); e != nil {
		e.dirty = false
	}
}

// SetDirty implements platform.AddressSpace.SetDirty.
func (as *addressSpace) SetDirty(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if e := as.entry(addr); e != nil {
		e.dirty = true
	}
}

// Activate implements platform.AddressSpace.Activate.
func (as *addressSpace) Activate() {
	as.p.mu.Lock()
	as.p.active = as
	as.p.mu.Unlock()
}

// Release implements platform.AddressSpace.Release.
func (as *addressSpace) Release() {
	as.mu.Lock()
	as.ptes = make(map[hostarch.Addr]*pte)
	as.released = true
	as.mu.Unlock()

	as.p.mu.Lock()
	if as.p.active == as {
		as.p.active = nil
	}
	as.p.mu.Unlock()
}

// CopyOut implements platform.AddressSpaceIO.CopyOut.
func (as *addressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return as.copy(addr, src, true)
}

// CopyIn implements platform.AddressSpaceIO.CopyIn.
func (as *addressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return as.copy(addr, dst, false)
}

// copy performs a page-at-a-time copy through the page table, updating
// accessed and dirty bits as it goes.
func (as *addressSpace) copy(addr hostarch.Addr, buf []byte, write bool) (int, error) {
	done := 0
	for done < len(buf) {
		cur, ok := addr.AddLength(uint64(done))
		if !ok {
			return done, &platform.SegmentationFault{Addr: addr, Write: write, NotPresent: true}
		}
		as.mu.Lock()
		e := as.entry(cur)
		if e == nil {
			as.mu.Unlock()
			return done, &platform.SegmentationFault{Addr: cur, Write: write, NotPresent: true}
		}
		if write && !e.writable {
			as.mu.Unlock()
			return done, &platform.SegmentationFault{Addr: cur, Write: write}
		}
		e.accessed = true
		if write {
			e.dirty = true
		}
		frame := as.p.mem.MapInternal(e.pa)
		off := cur.PageOffset()
		var n int
		if write {
			n = copy(frame[off:], buf[done:])
		} else {
			n = copy(buf[done:], frame[off:])
		}
		as.mu.Unlock()
		done += n
	}
	return done, nil
}
