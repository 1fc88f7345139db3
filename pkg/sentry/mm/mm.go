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

// Package mm implements demand-paged virtual memory for application
// processes.
//
// Each process has a MemoryManager holding a PageTable of Page descriptors.
// Pages are registered lazily, with no frame, and are bound to a frame from
// the shared FrameTable the first time they are touched: either explicitly
// through Claim, or through HandleFault when user code faults on them.
//
// Lock order:
//
//	Page.mu
//		FrameTable.mu
//			fsbridge.Filesystem.mu
//
// The FrameTable only ever TryLocks a Page.mu while holding FrameTable.mu.
package mm

import (
	"context"
	"fmt"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/platform"
)

// MemoryManager implements a process' virtual address space.
//
// A MemoryManager is used by one thread at a time. The frame table may evict
// its pages concurrently.
type MemoryManager struct {
	// name identifies the owning process in logs and diagnostics.
	name string

	// logger tags statements with the owning process.
	logger log.Logger

	ft     *FrameTable
	as     platform.AddressSpace
	layout arch.Layout

	spt *PageTable

	// mappings are the live mapping groups, by start address.
	mappings map[hostarch.Addr]*mapping

	// kernelSP is the user stack pointer saved on the last entry into the
	// kernel, used to judge stack growth for faults raised by the kernel.
	kernelSP hostarch.Addr

	destroyed bool
}

// NewMemoryManager returns a MemoryManager with an empty address space
// created by p, drawing frames from ft.
//
// Preconditions: p.Memory() is ft's memory file.
func NewMemoryManager(name string, ft *FrameTable, p platform.Platform, layout arch.Layout) (*MemoryManager, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	as, err := p.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	return &MemoryManager{
		name:     name,
		logger:   log.WithFields(log.Fields{"proc": name}),
		ft:       ft,
		as:       as,
		layout:   layout,
		spt:      NewPageTable(),
		mappings: make(map[hostarch.Addr]*mapping),
		kernelSP: layout.StackTop,
	}, nil
}

// Name returns the name of the owning process.
func (mm *MemoryManager) Name() string {
	return mm.name
}

// AddressSpace returns the hardware address space.
func (mm *MemoryManager) AddressSpace() platform.AddressSpace {
	return mm.as
}

// Layout returns the address-space layout.
func (mm *MemoryManager) Layout() arch.Layout {
	return mm.layout
}

// PageTable returns the supplemental page table.
func (mm *MemoryManager) PageTable() *PageTable {
	return mm.spt
}

// FindPage returns the page containing addr, or nil.
func (mm *MemoryManager) FindPage(addr hostarch.Addr) *Page {
	return mm.spt.Find(addr)
}

// SetKernelSP records the user stack pointer at kernel entry.
func (mm *MemoryManager) SetKernelSP(sp hostarch.Addr) {
	mm.kernelSP = sp
}

// Activate makes mm's address space the current one.
func (mm *MemoryManager) Activate() {
	mm.as.Activate()
}

// AllocOpts describes a page to register.
type AllocOpts struct {
	// Kind is the kind the page takes when first claimed. It must be
	// KindAnon or KindFile.
	Kind Kind

	// Addr is the page-aligned user address of the page.
	Addr hostarch.Addr

	// Writable is true if user code may write to the page.
	Writable bool

	// Stack marks an anonymous page as part of the user stack.
	Stack bool

	// Init fills the page on first claim. Pages of KindFile default to
	// LoadFileSegment.
	Init Initializer

	// Aux is the load context passed to Init. Pages of KindFile require a
	// *FileSegment, which the page keeps after loading.
	Aux any
}

// AllocPage registers an uninitialized page without binding a frame to it.
// It returns EEXIST if a page is already registered at opts.Addr.
func (mm *MemoryManager) AllocPage(opts AllocOpts) (*Page, error) {
	if mm.destroyed {
		return nil, linuxerr.EFAULT
	}
	if !opts.Addr.IsPageAligned() || !mm.layout.IsUserAddr(opts.Addr) {
		return nil, fmt.Errorf("registering page at %v: %w", opts.Addr, linuxerr.EINVAL)
	}
	if limit := mm.layout.MaxPages; limit != 0 && uint64(mm.spt.Len()) >= limit {
		return nil, fmt.Errorf("registering page at %v: %d pages registered: %w", opts.Addr, limit, linuxerr.ENOMEM)
	}
	switch opts.Kind {
	case KindAnon:
	case KindFile:
		if _, ok := opts.Aux.(*FileSegment); !ok {
			return nil, fmt.Errorf("file page at %v without file segment: %w", opts.Addr, linuxerr.EINVAL)
		}
		if opts.Init == nil {
			opts.Init = LoadFileSegment
		}
	default:
		return nil, fmt.Errorf("registering page of kind %v: %w", opts.Kind, linuxerr.EINVAL)
	}
	if seg, ok := opts.Aux.(*FileSegment); ok {
		if err := seg.Validate(); err != nil {
			return nil, err
		}
	}
	p := &Page{
		addr:     opts.Addr,
		writable: opts.Writable,
		mm:       mm,
		backing: &uninitBacking{
			final: opts.Kind,
			stack: opts.Stack,
			init:  opts.Init,
			aux:   opts.Aux,
		},
	}
	if err := mm.spt.Insert(p); err != nil {
		return nil, fmt.Errorf("registering page at %v: %w", opts.Addr, err)
	}
	return p, nil
}

// Destroy unmaps every mapping, writing back dirty pages, destroys every
// page and releases the address space. The MemoryManager must not be used
// afterwards.
func (mm *MemoryManager) Destroy(ctx context.Context) {
	if mm.destroyed {
		return
	}
	for _, m := range mm.Mappings() {
		if err := mm.MUnmap(ctx, m.Start); err != nil {
			mm.logger.Warningf("Unmapping %v at exit: %v", m.Start, err)
		}
	}
	mm.spt.DestroyAll(ctx)
	mm.as.Release()
	mm.destroyed = true
	mm.logger.Debugf("Address space destroyed")
}
