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
	"sync"

	"gvisor.dev/lazyvm/pkg/hostarch"
)

// Kind is the backing kind of a page.
type Kind int

const (
	// KindUninit is a page registered for lazy loading that has not been
	// claimed yet.
	KindUninit Kind = iota

	// KindAnon is a page backed by nothing but memory (and swap).
	KindAnon

	// KindFile is a page of a memory-mapped file.
	KindFile
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindUninit:
		return "uninit"
	case KindAnon:
		return "anon"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Initializer fills the frame content of a page the first time it is
// claimed. mem is the page-sized, zero-filled frame; aux is the load context
// the page was registered with.
type Initializer func(ctx context.Context, p *Page, aux any, mem []byte) error

// backing is the kind-specific behavior of a page.
type backing interface {
	// kind returns the backing kind.
	kind() Kind

	// swapIn fills mem, the page's newly claimed frame.
	//
	// Preconditions: p.mu is locked.
	swapIn(ctx context.Context, p *Page, mem []byte) error

	// swapOut saves the contents of mem, the page's frame, before the frame
	// is reused. The page has already been unmapped; dirty is the dirty bit
	// of the removed mapping.
	//
	// Preconditions: p.mu is locked.
	swapOut(ctx context.Context, p *Page, mem []byte, dirty bool) error

	// destroy releases resources held by the backing.
	//
	// Preconditions: p.mu is locked.
	destroy(ctx context.Context, p *Page)
}

// Page is the descriptor of one virtual page of a MemoryManager.
type Page struct {
	// addr, writable and mm are immutable.
	addr     hostarch.Addr
	writable bool
	mm       *MemoryManager

	// mu protects the fields below. mu is held across frame population and
	// write-back, and is taken with TryLock by the frame table while it
	// scans for a victim.
	mu sync.Mutex

	// backing is nil once the page has been destroyed.
	backing backing

	// frame is the frame holding the page's contents, or nil if the page is
	// not resident.
	frame *Frame
}

// Addr returns the page-aligned virtual address of the page.
func (p *Page) Addr() hostarch.Addr {
	return p.addr
}

// Writable returns true if user code may write to the page.
func (p *Page) Writable() bool {
	return p.writable
}

// Kind returns the backing kind of p. For pages that have not been loaded
// yet, it returns the kind they will have once loaded.
func (p *Page) Kind() Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalKindLocked()
}

// Loaded returns true if p has been claimed at least once, i.e. it is no
// longer of kind KindUninit.
func (p *Page) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backing != nil && p.backing.kind() != KindUninit
}

// Resident returns true if p currently has a frame.
func (p *Page) Resident() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame != nil
}

// IsStack returns true if p was created for the user stack.
func (p *Page) IsStack() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch b := p.backing.(type) {
	case *uninitBacking:
		return b.stack
	case *anonBacking:
		return b.stack
	}
	return false
}

// String implements fmt.Stringer.String.
func (p *Page) String() string {
	return fmt.Sprintf("page %v", p.addr)
}

func (p *Page) finalKindLocked() Kind {
	switch b := p.backing.(type) {
	case nil:
		return KindUninit
	case *uninitBacking:
		return b.final
	default:
		return b.kind()
	}
}

// destroy unmaps p, releases its frame and its backing. p must already have
// been removed from its page table.
func (p *Page) destroy(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame != nil {
		p.mm.as.Unmap(p.addr)
		p.mm.ft.release(p.frame)
		p.frame = nil
	}
	if p.backing != nil {
		p.backing.destroy(ctx, p)
		p.backing = nil
	}
}
