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

package pgalloc

import (
	"testing"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

const page = hostarch.PageSize

func newTestFile(t *testing.T, frames int) *MemoryFile {
	t.Helper()
	f, err := NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile(%d): %v", frames, err)
	}
	t.Cleanup(f.Destroy)
	return f
}

func TestAllocateUntilExhausted(t *testing.T) {
	f := newTestFile(t, 3)
	seen := make(map[uint64]bool)
	for i := 0; i < 3; i++ {
		pa, err := f.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if pa%page != 0 || pa >= 3*page {
			t.Errorf("Allocate returned bad frame %#x", pa)
		}
		if seen[pa] {
			t.Errorf("Allocate returned frame %#x twice", pa)
		}
		seen[pa] = true
	}
	if _, err := f.Allocate(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Allocate on an exhausted pool: got %v, want ENOMEM", err)
	}
	if got := f.FreeFrames(); got != 0 {
		t.Errorf("FreeFrames() = %d, want 0", got)
	}
}

func TestAllocationOrder(t *testing.T) {
	f := newTestFile(t, 4)
	for i := uint64(0); i < 4; i++ {
		pa, err := f.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if want := i * page; pa != want {
			t.Errorf("Allocate #%d = %#x, want %#x", i, pa, want)
		}
	}
}

func TestFreeZeroesFrame(t *testing.T) {
	f := newTestFile(t, 1)
	pa, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := f.MapInternal(pa)
	if len(b) != page {
		t.Fatalf("MapInternal returned %d bytes, want %d", len(b), page)
	}
	for i := range b {
		b[i] = 0xff
	}
	f.Free(pa)

	pa2, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("reallocated %#x, want %#x", pa2, pa)
	}
	for i, c := range f.MapInternal(pa2) {
		if c != 0 {
			t.Fatalf("byte %d of reallocated frame = %#x, want 0", i, c)
		}
	}
}

func TestDoubleFreePanics(t *testing.T) {
	f := newTestFile(t, 1)
	pa, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f.Free(pa)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	f.Free(pa)
}

func TestInvalidFrameCount(t *testing.T) {
	if _, err := NewMemoryFile(0); err == nil {
		t.Errorf("NewMemoryFile(0) succeeded")
	}
}
