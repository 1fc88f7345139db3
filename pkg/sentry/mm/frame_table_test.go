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
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

func TestParseEvictionPolicy(t *testing.T) {
	for _, p := range []EvictionPolicy{EvictClock, EvictSinglePass} {
		got, err := ParseEvictionPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseEvictionPolicy(%q) = (%v, %v), want %v", p.String(), got, err, p)
		}
	}
	if _, err := ParseEvictionPolicy("lru"); err == nil {
		t.Errorf("ParseEvictionPolicy(lru) succeeded")
	}
}

func TestEvictionVictim(t *testing.T) {
	const (
		a = hostarch.Addr(0x10000000)
		b = a + page
		c = a + 2*page
	)
	for _, tc := range []struct {
		policy  EvictionPolicy
		touched []hostarch.Addr
		evicted hostarch.Addr
	}{
		{EvictClock, nil, a},
		{EvictClock, []hostarch.Addr{a}, b},
		{EvictClock, []hostarch.Addr{a, b}, a},
		{EvictSinglePass, nil, a},
		{EvictSinglePass, []hostarch.Addr{a}, b},
		{EvictSinglePass, []hostarch.Addr{a, b}, b},
	} {
		t.Run(fmt.Sprintf("%v/%v", tc.policy, tc.touched), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEnv(t, 2, FrameTableOpts{Policy: tc.policy})
			mm := e.newMM("p")
			f := e.file("file", pattern(5, 3*page))
			if _, err := mm.MMap(ctx, MMapOpts{Addr: a, Length: 3 * page, File: f}); err != nil {
				t.Fatalf("MMap: %v", err)
			}
			as := mm.AddressSpace()
			for _, addr := range []hostarch.Addr{a, b} {
				mustCopyIn(t, mm, addr, 1)
				as.ClearAccessed(addr)
			}
			for _, addr := range tc.touched {
				mustCopyIn(t, mm, addr, 1)
			}

			if err := mm.Claim(ctx, c); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			for _, addr := range []hostarch.Addr{a, b} {
				if got, want := mm.FindPage(addr).Resident(), addr != tc.evicted; got != want {
					t.Errorf("page %v resident = %t, want %t", addr, got, want)
				}
			}
			if _, _, ok := as.Query(tc.evicted); ok {
				t.Errorf("evicted page %v is still mapped", tc.evicted)
			}
			// The evicted page reloads from the file.
			if got := mustCopyIn(t, mm, tc.evicted, page); !bytes.Equal(got, pattern(5, 3*page)[tc.evicted-a:][:page]) {
				t.Errorf("reloaded page content mismatch")
			}
		})
	}
}

func TestSinglePassFallbackSkipsUnevictable(t *testing.T) {
	const (
		file = hostarch.Addr(0x10000000)
		anon = hostarch.Addr(0x20000000)
	)
	ctx := context.Background()
	e := newTestEnv(t, 2, FrameTableOpts{Policy: EvictSinglePass})
	mm := e.newMM("p")
	f := e.file("file", pattern(9, 2*page))
	if _, err := mm.MMap(ctx, MMapOpts{Addr: file, Length: 2 * page, File: f}); err != nil {
		t.Fatalf("MMap: %v", err)
	}
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: anon, Writable: true})

	// Both frames are referenced, and the last one holds an anonymous page
	// that cannot be evicted without swap.
	mustCopyIn(t, mm, file, 1)
	mustCopyOut(t, mm, anon, []byte("anon"))
	if got := mustCopyIn(t, mm, file+page, page); !bytes.Equal(got, pattern(9, 2*page)[page:]) {
		t.Errorf("second file page content mismatch")
	}

	for _, tc := range []struct {
		addr     hostarch.Addr
		resident bool
	}{
		{file, false},
		{file + page, true},
		{anon, true},
	} {
		if got := mm.FindPage(tc.addr).Resident(); got != tc.resident {
			t.Errorf("page %v resident = %t, want %t", tc.addr, got, tc.resident)
		}
	}
	if got := mustCopyIn(t, mm, anon, 4); string(got) != "anon" {
		t.Errorf("anonymous page holds %q, want %q", got, "anon")
	}
}

func TestEvictionWritesBackDirtyFilePage(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 1, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(31, 2*page)
	f := e.file("file", data)
	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 2 * page, Writable: true, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	mustCopyOut(t, mm, addr+16, []byte("dirty"))
	// The only frame goes to the second page.
	mustCopyIn(t, mm, addr+page, 1)
	if mm.FindPage(addr).Resident() {
		t.Fatalf("first page still resident with a single frame")
	}
	if got := e.contents("file")[16:21]; string(got) != "dirty" {
		t.Errorf("file holds %q after eviction, want %q", got, "dirty")
	}
	if got := mustCopyIn(t, mm, addr+16, 5); string(got) != "dirty" {
		t.Errorf("reloaded page holds %q, want %q", got, "dirty")
	}
	if got := e.ft.InUse(); got != 1 {
		t.Errorf("InUse() = %d, want 1", got)
	}
}

func TestAnonymousEvictionNeedsSwap(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 1, FrameTableOpts{})
	mm := e.newMM("p")
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x10000, Writable: true})
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x11000, Writable: true})
	mustCopyOut(t, mm, 0x10000, []byte("keep"))
	if _, err := mm.CopyOut(ctx, 0x11000, []byte{1}, IOOpts{}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("CopyOut with no evictable frame: got %v, want ENOMEM", err)
	}
	if got := mustCopyIn(t, mm, 0x10000, 4); string(got) != "keep" {
		t.Errorf("resident page holds %q, want %q", got, "keep")
	}
}

func TestAnonymousSwap(t *testing.T) {
	e := newTestEnv(t, 2, FrameTableOpts{Swap: NewMemorySwap(8)})
	mm := e.newMM("p")
	const n = 5
	for i := hostarch.Addr(0); i < n; i++ {
		mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x10000 + i*page, Writable: true})
	}
	for i := hostarch.Addr(0); i < n; i++ {
		mustCopyOut(t, mm, 0x10000+i*page, pattern(byte(i), page))
	}
	for i := hostarch.Addr(0); i < n; i++ {
		if got := mustCopyIn(t, mm, 0x10000+i*page, page); !bytes.Equal(got, pattern(byte(i), page)) {
			t.Errorf("page %d lost its content through swap", i)
		}
	}
	if got := e.ft.InUse(); got != 2 {
		t.Errorf("InUse() = %d, want 2", got)
	}
}

func TestMemorySwap(t *testing.T) {
	s := NewMemorySwap(1)
	slot, err := s.Store(pattern(1, page))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(pattern(2, page)); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("Store into full swap: got %v, want ENOSPC", err)
	}
	dst := make([]byte, page)
	if err := s.Load(slot, dst); err != nil || !bytes.Equal(dst, pattern(1, page)) {
		t.Errorf("Load = %v, content match %t", err, bytes.Equal(dst, pattern(1, page)))
	}
	s.Free(slot)
	if err := s.Load(slot, dst); err == nil {
		t.Errorf("Load of freed slot succeeded")
	}
	if _, err := s.Store(make([]byte, 10)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Store of short page: got %v, want EINVAL", err)
	}
}

func TestFramesSnapshot(t *testing.T) {
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("snap")
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x10000, Writable: true})
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x20000, Writable: true})
	mustCopyIn(t, mm, 0x20000, 1)
	mustCopyIn(t, mm, 0x10000, 1)
	frames := e.ft.Frames()
	if len(frames) != 2 {
		t.Fatalf("Frames() returned %d frames, want 2", len(frames))
	}
	// Allocation order, not address order.
	if frames[0].Addr != 0x20000 || frames[1].Addr != 0x10000 {
		t.Errorf("Frames() = %+v, want allocation order", frames)
	}
	for _, f := range frames {
		if f.Owner != "snap" {
			t.Errorf("frame %#x owner = %q, want %q", f.PA, f.Owner, "snap")
		}
	}

	var out bytes.Buffer
	if err := e.ft.Dump(&out); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	var got [][]string
	for _, line := range strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n") {
		got = append(got, strings.Fields(line)[1:])
	}
	want := [][]string{{"snap", "00020000"}, {"snap", "00010000"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Dump mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentProcesses runs several processes sharing a frame pool much
// smaller than their combined working set.
func TestConcurrentProcesses(t *testing.T) {
	const (
		procs = 4
		pages = 8
	)
	e := newTestEnv(t, 4, FrameTableOpts{Swap: NewMemorySwap(procs * pages)})
	mms := make([]*MemoryManager, procs)
	for i := range mms {
		mms[i] = e.newMM(fmt.Sprintf("p%d", i))
	}

	var g errgroup.Group
	for i, mm := range mms {
		g.Go(func() error {
			ctx := context.Background()
			for j := hostarch.Addr(0); j < pages; j++ {
				if _, err := mm.AllocPage(AllocOpts{Kind: KindAnon, Addr: 0x10000 + j*page, Writable: true}); err != nil {
					return err
				}
			}
			for round := 0; round < 3; round++ {
				for j := 0; j < pages; j++ {
					want := pattern(byte(i*pages+j+round), 64)
					addr := 0x10000 + hostarch.Addr(j)*page + hostarch.Addr(round*64)
					if _, err := mm.CopyOut(ctx, addr, want, IOOpts{}); err != nil {
						return fmt.Errorf("%s: CopyOut(%v): %w", mm.Name(), addr, err)
					}
				}
				for j := 0; j < pages; j++ {
					want := pattern(byte(i*pages+j+round), 64)
					addr := 0x10000 + hostarch.Addr(j)*page + hostarch.Addr(round*64)
					got := make([]byte, len(want))
					if _, err := mm.CopyIn(ctx, addr, got, IOOpts{}); err != nil {
						return fmt.Errorf("%s: CopyIn(%v): %w", mm.Name(), addr, err)
					}
					if !bytes.Equal(got, want) {
						return fmt.Errorf("%s: page %d round %d: content mismatch", mm.Name(), j, round)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := e.ft.InUse(); got > 4 {
		t.Errorf("InUse() = %d, exceeds the pool", got)
	}
}
