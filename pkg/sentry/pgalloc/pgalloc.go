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

// Package pgalloc contains the physical frame allocator: a fixed pool of
// page-sized frames carved out of a single anonymous host mapping.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
)

// MemoryFile is the free pool of physical frames. A frame is identified by
// its physical address, the byte offset of the frame within the pool.
//
// MemoryFile is safe for concurrent use.
type MemoryFile struct {
	// arena is the host mapping backing all frames. It is immutable after
	// construction until Destroy.
	arena []byte

	// mu protects the fields below.
	mu sync.Mutex

	// free is a stack of free frame indices. The lowest frames are handed
	// out first.
	free []uint32

	// allocated tracks which frames are currently handed out, to catch
	// double frees.
	allocated []bool

	destroyed bool
}

// NewMemoryFile creates a pool of frames frames.
func NewMemoryFile(frames int) (*MemoryFile, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", frames)
	}
	arena, err := unix.Mmap(-1, 0, frames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", frames, err)
	}
	f := &MemoryFile{
		arena:     arena,
		free:      make([]uint32, 0, frames),
		allocated: make([]bool, frames),
	}
	for i := frames - 1; i >= 0; i-- {
		f.free = append(f.free, uint32(i))
	}
	log.Debugf("Physical memory: %d frames (%d bytes)", frames, len(arena))
	return f, nil
}

// TotalFrames returns the number of frames in the pool.
func (f *MemoryFile) TotalFrames() int {
	return len(f.allocated)
}

// FreeFrames returns the number of frames available for allocation.
func (f *MemoryFile) FreeFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}

// Allocate returns the physical address of a zero-filled frame. It returns
// ENOMEM if the pool is exhausted.
func (f *MemoryFile) Allocate() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || len(f.free) == 0 {
		return 0, linuxerr.ENOMEM
	}
	idx := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.allocated[idx] = true
	pa := uint64(idx) << hostarch.PageShift
	// Frames are zeroed on Free, so a frame from the pool is already clean.
	return pa, nil
}

// Free returns the frame at pa to the pool, zeroing it.
//
// Preconditions: pa was returned by Allocate and has not been freed since.
func (f *MemoryFile) Free(pa uint64) {
	idx := f.index(pa)
	f.Zero(pa)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.allocated[idx] {
		panic(fmt.Sprintf("double free of frame %#x", pa))
	}
	f.allocated[idx] = false
	f.free = append(f.free, idx)
}

// MapInternal implements platform.Memory.MapInternal.
func (f *MemoryFile) MapInternal(pa uint64) []byte {
	f.index(pa)
	return f.arena[pa : pa+hostarch.PageSize : pa+hostarch.PageSize]
}

// Zero fills the frame at pa with zeroes.
func (f *MemoryFile) Zero(pa uint64) {
	clear(f.MapInternal(pa))
}

// Destroy releases the host mapping. The MemoryFile must not be used
// afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := unix.Munmap(f.arena); err != nil {
		log.Warningf("Failed to unmap physical memory: %v", err)
	}
	f.arena = nil
}

func (f *MemoryFile) index(pa uint64) uint32 {
	if !hostarch.Addr(pa).IsPageAligned() {
		panic(fmt.Sprintf("unaligned frame address %#x", pa))
	}
	idx := pa >> hostarch.PageShift
	if idx >= uint64(len(f.allocated)) {
		panic(fmt.Sprintf("frame address %#x out of range", pa))
	}
	return uint32(idx)
}
