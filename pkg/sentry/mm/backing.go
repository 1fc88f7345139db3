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

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/log"
)

// uninitBacking is a page that has been registered but never claimed. On the
// first claim it runs init and turns into final.
type uninitBacking struct {
	final Kind
	stack bool
	init  Initializer
	aux   any
}

func (*uninitBacking) kind() Kind { return KindUninit }

func (b *uninitBacking) swapIn(ctx context.Context, p *Page, mem []byte) error {
	if b.init != nil {
		if err := b.init(ctx, p, b.aux, mem); err != nil {
			return fmt.Errorf("loading %v: %w", p, err)
		}
	}
	switch b.final {
	case KindAnon:
		p.backing = &anonBacking{stack: b.stack, slot: noSlot}
		// A load context that is not kept by the final kind is done.
		if seg, ok := b.aux.(*FileSegment); ok {
			seg.release()
		}
	case KindFile:
		p.backing = &fileBacking{seg: b.aux.(*FileSegment)}
	default:
		panic(fmt.Sprintf("invalid final kind %v", b.final))
	}
	return nil
}

func (b *uninitBacking) swapOut(context.Context, *Page, []byte, bool) error {
	panic("uninitialized page has no frame")
}

func (b *uninitBacking) destroy(ctx context.Context, p *Page) {
	if seg, ok := b.aux.(*FileSegment); ok {
		seg.release()
	}
}

const noSlot = -1

// anonBacking is a page with no backing object. Its content survives
// eviction only through the frame table's swap store.
type anonBacking struct {
	stack bool

	// slot is the swap slot holding the content of a swapped out page, or
	// noSlot.
	slot int
}

func (*anonBacking) kind() Kind { return KindAnon }

func (b *anonBacking) swapIn(ctx context.Context, p *Page, mem []byte) error {
	if b.slot == noSlot {
		// Never swapped out: the frame is already zero-filled.
		return nil
	}
	swap := p.mm.ft.swap
	if err := swap.Load(b.slot, mem); err != nil {
		return fmt.Errorf("swapping in %v from slot %d: %w", p, b.slot, err)
	}
	swap.Free(b.slot)
	b.slot = noSlot
	swapIns.Increment()
	return nil
}

func (b *anonBacking) swapOut(ctx context.Context, p *Page, mem []byte, dirty bool) error {
	swap := p.mm.ft.swap
	if swap == nil {
		return linuxerr.ENOMEM
	}
	slot, err := swap.Store(mem)
	if err != nil {
		return fmt.Errorf("swapping out %v: %w", p, err)
	}
	b.slot = slot
	swapOuts.Increment()
	return nil
}

func (b *anonBacking) destroy(ctx context.Context, p *Page) {
	if b.slot != noSlot {
		p.mm.ft.swap.Free(b.slot)
		b.slot = noSlot
	}
}

// read copies the content of the non-resident page into dst.
func (b *anonBacking) read(p *Page, dst []byte) error {
	if b.slot == noSlot {
		clear(dst)
		return nil
	}
	return p.mm.ft.swap.Load(b.slot, dst)
}

// fileBacking is a page of a memory-mapped file. The segment is shared with
// the page's mapping, which owns the file.
type fileBacking struct {
	seg *FileSegment
}

func (*fileBacking) kind() Kind { return KindFile }

func (b *fileBacking) swapIn(ctx context.Context, p *Page, mem []byte) error {
	return b.seg.load(ctx, mem)
}

func (b *fileBacking) swapOut(ctx context.Context, p *Page, mem []byte, dirty bool) error {
	if !dirty {
		return nil
	}
	if err := b.writeBack(ctx, p, mem); err != nil {
		writebackLogger.Warningf("Failed to write back %v of %q: %v", p, b.seg.File.Name(), err)
		return err
	}
	return nil
}

// writeBack writes the file part of mem to the file and marks the page clean.
func (b *fileBacking) writeBack(ctx context.Context, p *Page, mem []byte) error {
	if err := b.seg.store(ctx, mem); err != nil {
		return err
	}
	p.mm.as.ClearDirty(p.addr)
	writebacks.Increment()
	log.Debugf("Wrote back %v to %q at offset %d", p, b.seg.File.Name(), b.seg.Offset)
	return nil
}

func (*fileBacking) destroy(context.Context, *Page) {}
