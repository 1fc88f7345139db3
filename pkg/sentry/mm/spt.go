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

	"github.com/google/btree"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

// pageTableDegree is the btree degree of a PageTable.
const pageTableDegree = 16

// PageTable is the supplemental page table of an address space: an index
// from virtual page to Page, ordered by address.
//
// A PageTable is private to its MemoryManager and is not safe for concurrent
// use.
type PageTable struct {
	pages *btree.BTreeG[*Page]
}

func pageLess(a, b *Page) bool {
	return a.addr < b.addr
}

// NewPageTable returns an empty PageTable.
func NewPageTable() *PageTable {
	return &PageTable{pages: btree.NewG[*Page](pageTableDegree, pageLess)}
}

// Find returns the page containing addr, or nil.
func (pt *PageTable) Find(addr hostarch.Addr) *Page {
	p, _ := pt.pages.Get(&Page{addr: addr.RoundDown()})
	return p
}

// Insert adds p. It returns EEXIST if a page is already indexed at p's
// address.
func (pt *PageTable) Insert(p *Page) error {
	if pt.pages.Has(p) {
		return linuxerr.EEXIST
	}
	pt.pages.ReplaceOrInsert(p)
	return nil
}

// Remove unindexes p and destroys it, releasing its frame.
func (pt *PageTable) Remove(ctx context.Context, p *Page) {
	if _, ok := pt.pages.Delete(p); !ok {
		panic("removing " + p.String() + " which is not in the page table")
	}
	p.destroy(ctx)
}

// DestroyAll removes and destroys every page.
func (pt *PageTable) DestroyAll(ctx context.Context) {
	var pages []*Page
	pt.pages.Ascend(func(p *Page) bool {
		pages = append(pages, p)
		return true
	})
	pt.pages.Clear(false)
	for _, p := range pages {
		p.destroy(ctx)
	}
}

// ForEach calls fn on each page in address order until fn returns false.
// fn must not insert or remove pages.
func (pt *PageTable) ForEach(fn func(p *Page) bool) {
	pt.pages.Ascend(btree.ItemIteratorG[*Page](fn))
}

// ForEachInRange is ForEach restricted to pages intersecting ar.
func (pt *PageTable) ForEachInRange(ar hostarch.AddrRange, fn func(p *Page) bool) {
	pt.pages.AscendRange(&Page{addr: ar.Start.RoundDown()}, &Page{addr: ar.End}, btree.ItemIteratorG[*Page](fn))
}

// Len returns the number of pages.
func (pt *PageTable) Len() int {
	return pt.pages.Len()
}
