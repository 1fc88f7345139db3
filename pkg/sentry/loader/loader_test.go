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

package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
	"gvisor.dev/lazyvm/pkg/sentry/pgalloc"
	"gvisor.dev/lazyvm/pkg/sentry/platform/soft"
)

const page = hostarch.PageSize

func newMM(t *testing.T, frames int) (*mm.MemoryManager, *fsbridge.Filesystem) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(mf.Destroy)
	m, err := mm.NewMemoryManager("test", mm.NewFrameTable(mf, mm.FrameTableOpts{}), soft.New(mf), arch.DefaultLayout())
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	t.Cleanup(func() { m.Destroy(context.Background()) })
	return m, fsbridge.NewFilesystem()
}

func openFile(t *testing.T, fs *fsbridge.Filesystem, name string, data []byte) fsbridge.File {
	t.Helper()
	fs.Create(name, data)
	f, err := fs.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%253) + 1
	}
	return b
}

func copyIn(t *testing.T, m *mm.MemoryManager, addr hostarch.Addr, n int) []byte {
	t.Helper()
	dst := make([]byte, n)
	if got, err := m.CopyIn(context.Background(), addr, dst, mm.IOOpts{}); err != nil || got != n {
		t.Fatalf("CopyIn(%v, %d) = (%d, %v)", addr, n, got, err)
	}
	return dst
}

func TestLoad(t *testing.T) {
	data := image(4*page + 100)
	for _, test := range []struct {
		name string
		seg  Segment
		// pages is the list of registered page addresses.
		pages []hostarch.Addr
	}{
		{
			name:  "aligned",
			seg:   Segment{Offset: page, Vaddr: 0x400000, FileSize: 2 * page, MemSize: 2 * page},
			pages: []hostarch.Addr{0x400000, 0x401000},
		},
		{
			name:  "unaligned with bss",
			seg:   Segment{Offset: page + 0x10, Vaddr: 0x400010, FileSize: 0x1800, MemSize: 0x3000, Writable: true},
			pages: []hostarch.Addr{0x400000, 0x401000, 0x402000, 0x403000},
		},
		{
			name:  "bss only",
			seg:   Segment{Offset: 0, Vaddr: 0x600000, MemSize: 0x1001, Writable: true},
			pages: []hostarch.Addr{0x600000, 0x601000},
		},
		{
			name:  "tail of file",
			seg:   Segment{Offset: 4 * page, Vaddr: 0x800000, FileSize: 100, MemSize: 100},
			pages: []hostarch.Addr{0x800000},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, fs := newMM(t, 8)
			f := openFile(t, fs, "prog", data)
			ctx := context.Background()
			if err := Load(ctx, m, f, []Segment{test.seg}); err != nil {
				t.Fatalf("Load: %v", err)
			}

			var got []hostarch.Addr
			for _, pi := range m.Pages() {
				got = append(got, pi.Addr)
				if pi.Loaded {
					t.Errorf("page %v loaded before first access", pi.Addr)
				}
				if pi.Kind != mm.KindAnon {
					t.Errorf("page %v has kind %v, want %v", pi.Addr, pi.Kind, mm.KindAnon)
				}
				if pi.Writable != test.seg.Writable {
					t.Errorf("page %v writable = %t, want %t", pi.Addr, pi.Writable, test.seg.Writable)
				}
			}
			if diff := cmp.Diff(test.pages, got); diff != "" {
				t.Errorf("registered pages mismatch (-want +got):\n%s", diff)
			}

			s := test.seg
			if want := data[s.Offset : s.Offset+int64(s.FileSize)]; !bytes.Equal(copyIn(t, m, s.Vaddr, len(want)), want) {
				t.Errorf("file bytes of segment do not match the image")
			}
			if bss := int(s.MemSize - s.FileSize); bss > 0 {
				if got := copyIn(t, m, s.Vaddr+hostarch.Addr(s.FileSize), bss); !bytes.Equal(got, make([]byte, bss)) {
					t.Errorf("bss is not zero")
				}
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	data := image(2 * page)
	for _, test := range []struct {
		name string
		seg  Segment
	}{
		{"incongruent", Segment{Offset: 0x10, Vaddr: 0x400020, FileSize: 1, MemSize: 1}},
		{"memsz below filesz", Segment{Vaddr: 0x400000, FileSize: 2, MemSize: 1}},
		{"empty", Segment{Vaddr: 0x400000}},
		{"null page", Segment{Vaddr: 0, FileSize: 1, MemSize: 1}},
		{"kernel", Segment{Vaddr: arch.DefaultKernelBase, FileSize: 1, MemSize: 1}},
		{"crosses kernel", Segment{Vaddr: arch.DefaultKernelBase - page, MemSize: 2 * page}},
		{"offset past file", Segment{Offset: 3 * page, Vaddr: 0x400000, FileSize: 1, MemSize: 1}},
		{"negative offset", Segment{Offset: -page, Vaddr: 0x400000, MemSize: 1}},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, fs := newMM(t, 2)
			f := openFile(t, fs, "prog", data)
			if err := Load(context.Background(), m, f, []Segment{test.seg}); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Load(%+v) = %v, want EINVAL", test.seg, err)
			}
			if n := m.PageTable().Len(); n != 0 {
				t.Errorf("%d pages registered for a rejected segment", n)
			}
		})
	}
}

func TestLoadOverlappingSegments(t *testing.T) {
	m, fs := newMM(t, 2)
	f := openFile(t, fs, "prog", image(page))
	segs := []Segment{
		{Vaddr: 0x400000, FileSize: 0x100, MemSize: 0x100},
		{Offset: 0x200, Vaddr: 0x400200, FileSize: 0x100, MemSize: 0x100},
	}
	if err := Load(context.Background(), m, f, segs); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("Load of segments sharing a page = %v, want EEXIST", err)
	}
}

func TestLoadSegmentPreconditions(t *testing.T) {
	m, fs := newMM(t, 2)
	f := openFile(t, fs, "prog", image(page))
	for _, test := range []struct {
		name       string
		ofs        int64
		upage      hostarch.Addr
		read, zero uint64
	}{
		{"partial page", 0, 0x400000, 10, 10},
		{"unaligned address", 0, 0x400010, page, 0},
		{"unaligned offset", 0x10, 0x400000, page, 0},
	} {
		if err := LoadSegment(m, f, test.ofs, test.upage, test.read, test.zero, false); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("%s: LoadSegment = %v, want EINVAL", test.name, err)
		}
	}
}

func TestSetupStack(t *testing.T) {
	m, _ := newMM(t, 2)
	ctx := context.Background()
	args := []string{"echo", "x", "hello"}
	st, err := SetupStack(ctx, m, args)
	if err != nil {
		t.Fatalf("SetupStack: %v", err)
	}

	top := m.Layout().StackTop
	p := m.FindPage(top - 1)
	if p == nil || !p.Resident() || !p.IsStack() || !p.Writable() {
		t.Fatalf("stack page %v is not a resident writable stack page", p)
	}
	if st.Argc != len(args) {
		t.Errorf("Argc = %d, want %d", st.Argc, len(args))
	}
	if uint64(st.SP)%arch.WordSize != 0 {
		t.Errorf("SP %v is not word-aligned", st.SP)
	}
	if st.Argv != st.SP+arch.WordSize {
		t.Errorf("Argv = %v, want SP+%d = %v", st.Argv, arch.WordSize, st.SP+arch.WordSize)
	}
	if ret := copyIn(t, m, st.SP, arch.WordSize); !bytes.Equal(ret, make([]byte, arch.WordSize)) {
		t.Errorf("return address = %x, want 0", ret)
	}

	ptrs := copyIn(t, m, st.Argv, (len(args)+1)*arch.WordSize)
	var got []string
	for i := range args {
		addr := hostarch.Addr(binary.LittleEndian.Uint64(ptrs[i*arch.WordSize:]))
		if addr >= top || addr < st.Argv {
			t.Fatalf("argv[%d] = %v outside the argument area", i, addr)
		}
		s := copyIn(t, m, addr, int(top-addr))
		got = append(got, string(s[:bytes.IndexByte(s, 0)]))
	}
	if diff := cmp.Diff(args, got); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
	if null := binary.LittleEndian.Uint64(ptrs[len(args)*arch.WordSize:]); null != 0 {
		t.Errorf("argv[argc] = %#x, want 0", null)
	}
	// The first string ends right at the top of the stack.
	if want := top - hostarch.Addr(len("echo")+len("x")+len("hello")+3); hostarch.Addr(binary.LittleEndian.Uint64(ptrs)) != want {
		t.Errorf("argv[0] = %#x, want %v", binary.LittleEndian.Uint64(ptrs), want)
	}
}

func TestSetupStackNoArgs(t *testing.T) {
	m, _ := newMM(t, 2)
	st, err := SetupStack(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	top := m.Layout().StackTop
	if want := top - 2*arch.WordSize; st.SP != want {
		t.Errorf("SP = %v, want %v", st.SP, want)
	}
}

func TestSetupStackTooLarge(t *testing.T) {
	m, _ := newMM(t, 2)
	if _, err := SetupStack(context.Background(), m, []string{strings.Repeat("a", page)}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("SetupStack with an oversized argument = %v, want EINVAL", err)
	}
}

func TestSetupStackTwice(t *testing.T) {
	m, _ := newMM(t, 2)
	ctx := context.Background()
	if _, err := SetupStack(ctx, m, nil); err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	if _, err := SetupStack(ctx, m, nil); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second SetupStack = %v, want EEXIST", err)
	}
}
