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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/lazyvm/pkg/errors"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
)

// countingFile counts writes through itself and every handle reopened from
// it.
type countingFile struct {
	fsbridge.File
	writes *int
}

func (f countingFile) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	*f.writes++
	return f.File.WriteAt(ctx, src, off)
}

func (f countingFile) Reopen(ctx context.Context) (fsbridge.File, error) {
	nf, err := f.File.Reopen(ctx)
	if err != nil {
		return nil, err
	}
	return countingFile{File: nf, writes: f.writes}, nil
}

func TestMMapReadOnlyFile(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(7, page)
	f := e.file("file", data)

	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: page, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if addr != 0x10000000 {
		t.Errorf("MMap returned %v, want 0x10000000", addr)
	}
	p := mm.FindPage(addr)
	if p == nil || p.Kind() != KindFile || p.Loaded() {
		t.Fatalf("mapped page not registered lazily")
	}
	for _, off := range []int{0, 1, 100, page - 1} {
		got := mustCopyIn(t, mm, addr+hostarch.Addr(off), 1)
		if got[0] != data[off] {
			t.Errorf("byte %d = %#x, want %#x", off, got[0], data[off])
		}
	}
	if !bytes.Equal(mustCopyIn(t, mm, addr, page), data) {
		t.Errorf("mapped content differs from file")
	}
	if _, err := mm.CopyOut(ctx, addr, []byte{0}, IOOpts{}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write to read-only mapping: got %v, want EFAULT", err)
	}
	if diff := cmp.Diff([]MappingInfo{{Start: addr, Length: page, File: "file"}}, mm.Mappings()); diff != "" {
		t.Errorf("Mappings() mismatch (-want +got):\n%s", diff)
	}
}

func TestMMapUnmapCleanDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(9, 3*page)
	var writes int
	f := countingFile{File: e.file("file", data), writes: &writes}

	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 3 * page, Writable: true, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	// Read one page; leave the others untouched.
	mustCopyIn(t, mm, addr+page, 10)
	if err := mm.MUnmap(ctx, addr); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if writes != 0 {
		t.Errorf("clean munmap wrote %d times", writes)
	}
	if !bytes.Equal(e.contents("file"), data) {
		t.Errorf("clean munmap changed the file")
	}
	if got := mm.PageTable().Len(); got != 0 {
		t.Errorf("%d pages survived munmap", got)
	}
	if got := e.ft.InUse(); got != 0 {
		t.Errorf("%d frames in use after munmap", got)
	}
	if len(mm.Mappings()) != 0 {
		t.Errorf("mapping survived munmap")
	}
}

func TestMMapWriteBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	const fileLen = 2*page + 100
	data := pattern(11, fileLen)
	var writes int
	f := countingFile{File: e.file("file", data), writes: &writes}

	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 3 * page, Writable: true, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	want := append([]byte(nil), data...)
	for _, w := range []struct {
		off  int
		data []byte
	}{
		{5, []byte("hello")},
		{2*page + 50, []byte("tail")},
	} {
		mustCopyOut(t, mm, addr+hostarch.Addr(w.off), w.data)
		copy(want[w.off:], w.data)
	}
	// Loaded but clean.
	mustCopyIn(t, mm, addr+page, 1)

	if err := mm.MUnmap(ctx, addr); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if writes != 2 {
		t.Errorf("munmap wrote %d pages, want 2", writes)
	}
	if diff := cmp.Diff(want, e.contents("file")); diff != "" {
		t.Errorf("file contents mismatch (-want +got):\n%s", diff)
	}
}

func TestMMapClampsToFile(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(13, page+10)
	f := e.file("file", data)

	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 4 * page, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if got := mm.PageTable().Len(); got != 2 {
		t.Fatalf("mapping has %d pages, want 2", got)
	}
	got := mustCopyIn(t, mm, addr+page, page)
	want := append(append([]byte(nil), data[page:]...), make([]byte, page-10)...)
	if !bytes.Equal(got, want) {
		t.Errorf("last page is not the file tail followed by zeroes")
	}
}

func TestMMapOffset(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(17, 2*page)
	f := e.file("file", data)

	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 2 * page, File: f, Offset: page})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if got := mustCopyIn(t, mm, addr, page); !bytes.Equal(got, data[page:]) {
		t.Errorf("first page does not hold the file at the mapping offset")
	}
	if got := mustCopyIn(t, mm, addr+page, page); !bytes.Equal(got, make([]byte, page)) {
		t.Errorf("page past end of file is not zero-filled")
	}
}

func TestMMapPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	f := e.file("file", pattern(0, 4*page))
	empty := e.file("empty", nil)
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x10002000})

	for _, tc := range []struct {
		name string
		opts MMapOpts
		want *errors.Error
	}{
		{"null address", MMapOpts{Addr: 0, Length: page, File: f}, linuxerr.EINVAL},
		{"unaligned", MMapOpts{Addr: 0x10000010, Length: page, File: f}, linuxerr.EINVAL},
		{"zero length", MMapOpts{Addr: 0x10000000, Length: 0, File: f}, linuxerr.EINVAL},
		{"offset beyond length", MMapOpts{Addr: 0x10000000, Length: page, File: f, Offset: 2 * page}, linuxerr.EINVAL},
		{"kernel range", MMapOpts{Addr: arch.DefaultKernelBase - page, Length: 2 * page, File: f}, linuxerr.EINVAL},
		{"overlaps first page", MMapOpts{Addr: 0x10002000, Length: page, File: f}, linuxerr.EEXIST},
		{"overlaps later page", MMapOpts{Addr: 0x10000000, Length: 4 * page, File: f}, linuxerr.EEXIST},
		{"no file", MMapOpts{Addr: 0x10000000, Length: page}, linuxerr.EBADF},
		{"empty file", MMapOpts{Addr: 0x10000000, Length: page, File: empty}, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mm.MMap(ctx, tc.opts); !linuxerr.Equals(tc.want, err) {
				t.Errorf("MMap(%+v) = %v, want %v", tc.opts, err, tc.want)
			}
		})
	}
	if got := mm.PageTable().Len(); got != 1 {
		t.Errorf("failed mmaps left %d pages, want 1", got)
	}
	if len(mm.Mappings()) != 0 {
		t.Errorf("failed mmap left a mapping")
	}
}

func TestMUnmapInvalid(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	f := e.file("file", pattern(0, 2*page))
	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: 2 * page, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	for _, a := range []hostarch.Addr{addr + page, addr + 1, 0x20000000} {
		if err := mm.MUnmap(ctx, a); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("MUnmap(%v) = %v, want EINVAL", a, err)
		}
	}
	if got := mm.PageTable().Len(); got != 2 {
		t.Errorf("invalid munmaps removed pages: %d left, want 2", got)
	}
	if err := mm.MUnmap(ctx, addr); err != nil {
		t.Errorf("MUnmap(%v) = %v", addr, err)
	}
	if err := mm.MUnmap(ctx, addr); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("second MUnmap(%v) = %v, want EINVAL", addr, err)
	}
}

func TestMMapIndependentOfCallerHandle(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm := e.newMM("p")
	data := pattern(19, page)
	e.fs.Create("file", data)
	f, err := e.fs.Open(ctx, "file")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: page, Writable: true, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mustCopyIn(t, mm, addr, page); !bytes.Equal(got, data) {
		t.Errorf("mapping unreadable after the caller closed its handle")
	}
	mustCopyOut(t, mm, addr, []byte("xyz"))
	if err := mm.MUnmap(ctx, addr); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if got := e.contents("file"); !bytes.Equal(got[:3], []byte("xyz")) {
		t.Errorf("write-back through the mapping's own handle failed")
	}
}

func TestDestroyWritesBackMappings(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	mm, err := NewMemoryManager("p", e.ft, e.p, arch.DefaultLayout())
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	f := e.file("file", pattern(0, page))
	addr, err := mm.MMap(ctx, MMapOpts{Addr: 0x10000000, Length: page, Writable: true, File: f})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	mustCopyOut(t, mm, addr+8, []byte("exit"))
	mm.Destroy(ctx)
	if got := e.contents("file")[8:12]; string(got) != "exit" {
		t.Errorf("file holds %q after exit, want %q", got, "exit")
	}
}

func TestMMapPageLimitRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 4, FrameTableOpts{})
	layout := arch.DefaultLayout()
	layout.MaxPages = 3
	mm, err := NewMemoryManager("limited", e.ft, e.p, layout)
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	t.Cleanup(func() { mm.Destroy(ctx) })
	mustAlloc(t, mm, AllocOpts{Kind: KindAnon, Addr: 0x10000, Writable: true})
	f := e.file("data", pattern(1, 3*page))

	// The third page of the mapping is over the limit.
	const start = hostarch.Addr(0x10000000)
	if _, err := mm.MMap(ctx, MMapOpts{File: f, Addr: start, Length: 3 * page}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("MMap past the page limit: got %v, want ENOMEM", err)
	}
	if got := mm.PageTable().Len(); got != 1 {
		t.Errorf("PageTable().Len() = %d after failed MMap, want 1", got)
	}
	for addr := start; addr < start+3*page; addr += page {
		if p := mm.FindPage(addr); p != nil {
			t.Errorf("FindPage(%v) = %v after failed MMap, want nil", addr, p)
		}
	}
	if got := mm.Mappings(); len(got) != 0 {
		t.Errorf("Mappings() = %+v after failed MMap, want none", got)
	}

	// A mapping within the limit still fits in the freed range.
	if _, err := mm.MMap(ctx, MMapOpts{File: f, Addr: start, Length: 2 * page}); err != nil {
		t.Fatalf("MMap within the page limit: %v", err)
	}
	if got := mustCopyIn(t, mm, start+page, 4); !bytes.Equal(got, pattern(1, 2*page)[page:page+4]) {
		t.Errorf("mapped data = %v, want %v", got, pattern(1, 2*page)[page:page+4])
	}
	if _, err := mm.AllocPage(AllocOpts{Kind: KindAnon, Addr: 0x20000}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocPage past the page limit: got %v, want ENOMEM", err)
	}
}
