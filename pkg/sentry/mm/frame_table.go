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
	"time"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/pgalloc"
)

// EvictionPolicy selects how the frame table picks a victim.
type EvictionPolicy int

const (
	// EvictClock is the circular second-chance scan: frames are visited in
	// allocation order starting after the previous victim, referenced pages
	// lose their reference bit and are skipped, and the scan wraps around
	// until an unreferenced page is found.
	EvictClock EvictionPolicy = iota

	// EvictSinglePass scans every frame once from the oldest, giving
	// referenced pages a second chance, and falls back to the last frame
	// scanned if all of them were referenced.
	EvictSinglePass
)

// String implements fmt.Stringer.String.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictClock:
		return "clock"
	case EvictSinglePass:
		return "single-pass"
	default:
		return fmt.Sprintf("EvictionPolicy(%d)", int(p))
	}
}

// ParseEvictionPolicy parses the String form of an EvictionPolicy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch s {
	case "clock":
		return EvictClock, nil
	case "single-pass":
		return EvictSinglePass, nil
	default:
		return 0, fmt.Errorf("invalid eviction policy %q", s)
	}
}

// Frame is a physical frame in use by some page.
type Frame struct {
	// pa is the physical address of the frame. Immutable.
	pa uint64

	// page is the page whose content the frame holds, or nil while the
	// frame is being handed to a page. Writes are protected by both
	// FrameTable.mu and page.mu.
	page *Page
}

// PA returns the physical address of the frame.
func (f *Frame) PA() uint64 {
	return f.pa
}

// FrameInfo describes a frame in use, for diagnostics.
type FrameInfo struct {
	PA    uint64
	Owner string
	Addr  hostarch.Addr
}

// FrameTableOpts configures a FrameTable.
type FrameTableOpts struct {
	// Policy is the eviction policy.
	Policy EvictionPolicy

	// Swap stores the content of evicted anonymous pages. If nil, anonymous
	// pages are never evicted.
	Swap SwapStore
}

// FrameTable is the registry of frames bound to pages, shared by all
// MemoryManagers drawing on the same physical memory.
//
// Lock order: Page.mu may be held when taking FrameTable.mu. FrameTable.mu
// is never held while blocking on a Page.mu, nor across I/O.
type FrameTable struct {
	mf     *pgalloc.MemoryFile
	policy EvictionPolicy
	swap   SwapStore

	// mu protects the fields below.
	mu sync.Mutex

	// frames is the list of frames in use, in allocation order.
	frames []*Frame

	// hand is the index in frames at which the clock scan resumes.
	hand int
}

// evictionLogger throttles eviction warnings under memory pressure.
var evictionLogger = log.SubsystemLogger("eviction", time.Second)

// NewFrameTable returns a FrameTable allocating frames from mf.
func NewFrameTable(mf *pgalloc.MemoryFile, opts FrameTableOpts) *FrameTable {
	return &FrameTable{
		mf:     mf,
		policy: opts.Policy,
		swap:   opts.Swap,
	}
}

// MemoryFile returns the physical memory the frames are allocated from.
func (ft *FrameTable) MemoryFile() *pgalloc.MemoryFile {
	return ft.mf
}

// Policy returns the eviction policy.
func (ft *FrameTable) Policy() EvictionPolicy {
	return ft.policy
}

// InUse returns the number of frames bound to pages.
func (ft *FrameTable) InUse() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

// Frames returns a snapshot of the frames in use, in allocation order.
func (ft *FrameTable) Frames() []FrameInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	infos := make([]FrameInfo, 0, len(ft.frames))
	for _, f := range ft.frames {
		info := FrameInfo{PA: f.pa}
		if f.page != nil {
			info.Owner = f.page.mm.name
			info.Addr = f.page.addr
		}
		infos = append(infos, info)
	}
	return infos
}

// obtain returns a zero-filled frame that is registered but not yet linked
// to a page. If the free pool is exhausted, it evicts a page. It returns
// ENOMEM if no frame can be freed.
func (ft *FrameTable) obtain(ctx context.Context) (*Frame, error) {
	ft.mu.Lock()
	if pa, err := ft.mf.Allocate(); err == nil {
		f := &Frame{pa: pa}
		ft.frames = append(ft.frames, f)
		framesInUse.Set(uint64(len(ft.frames)))
		ft.mu.Unlock()
		return f, nil
	}
	victim := ft.selectVictimLocked()
	ft.mu.Unlock()
	if victim == nil {
		evictionLogger.Warningf("Out of frames: no evictable page among %d frames", ft.mf.TotalFrames())
		return nil, linuxerr.ENOMEM
	}

	// The victim's page is locked and the frame is off the list, so nothing
	// else can reach the frame while its content is saved.
	p := victim.page
	mem := ft.mf.MapInternal(victim.pa)
	dirty := p.mm.as.Unmap(p.addr)
	if err := p.backing.swapOut(ctx, p, mem, dirty); err != nil {
		// Keep the page resident and give up on this allocation.
		if mapErr := p.mm.as.MapPage(p.addr, victim.pa, p.writable); mapErr != nil {
			panic(fmt.Sprintf("failed to remap %v after failed eviction: %v", p, mapErr))
		}
		if dirty {
			p.mm.as.SetDirty(p.addr)
		}
		ft.mu.Lock()
		ft.frames = append(ft.frames, victim)
		ft.mu.Unlock()
		p.mu.Unlock()
		return nil, fmt.Errorf("evicting %v: %w", p, err)
	}
	if log.IsLogging(log.Debug) {
		log.WithFields(log.Fields{"proc": p.mm.name, "frame": fmt.Sprintf("%#x", victim.pa)}).Debugf("Evicted %v", p)
	}
	evictions.Increment()
	p.frame = nil
	ft.mu.Lock()
	victim.page = nil
	ft.mu.Unlock()
	p.mu.Unlock()

	ft.mf.Zero(victim.pa)
	ft.mu.Lock()
	ft.frames = append(ft.frames, victim)
	framesInUse.Set(uint64(len(ft.frames)))
	ft.mu.Unlock()
	return victim, nil
}

// selectVictimLocked picks a frame to evict, removes it from the frame list
// and returns it with its page locked. It returns nil if no frame is
// evictable.
//
// Preconditions: ft.mu is locked.
func (ft *FrameTable) selectVictimLocked() *Frame {
	switch ft.policy {
	case EvictSinglePass:
		return ft.selectSinglePassLocked()
	default:
		return ft.selectClockLocked()
	}
}

// selectClockLocked implements EvictClock.
func (ft *FrameTable) selectClockLocked() *Frame {
	n := len(ft.frames)
	// Two full turns clear every reference bit and then find the first
	// unreferenced evictable frame.
	for i := 0; i < 2*n+1 && len(ft.frames) > 0; i++ {
		if ft.hand >= len(ft.frames) {
			ft.hand = 0
		}
		f := ft.frames[ft.hand]
		if f.page != nil && !ft.referencedLocked(f) {
			if ft.tryLockEvictable(f) {
				ft.removeLocked(ft.hand)
				return f
			}
		}
		ft.hand++
	}
	return nil
}

// selectSinglePassLocked implements EvictSinglePass. If every frame was
// referenced, the last evictable frame scanned is taken.
func (ft *FrameTable) selectSinglePassLocked() *Frame {
	for i, f := range ft.frames {
		if f.page == nil || ft.referencedLocked(f) {
			continue
		}
		if ft.tryLockEvictable(f) {
			ft.removeLocked(i)
			return f
		}
	}
	for i := len(ft.frames) - 1; i >= 0; i-- {
		f := ft.frames[i]
		if f.page != nil && ft.tryLockEvictable(f) {
			ft.removeLocked(i)
			return f
		}
	}
	return nil
}

// referencedLocked reports whether f's page was accessed since the last
// scan, clearing the accessed bit.
func (ft *FrameTable) referencedLocked(f *Frame) bool {
	p := f.page
	if !p.mm.as.Accessed(p.addr) {
		return false
	}
	p.mm.as.ClearAccessed(p.addr)
	return true
}

// tryLockEvictable locks f's page if it is not busy and may be evicted.
func (ft *FrameTable) tryLockEvictable(f *Frame) bool {
	p := f.page
	if !p.mu.TryLock() {
		return false
	}
	if p.frame != f || p.backing == nil || (p.backing.kind() == KindAnon && ft.swap == nil) {
		p.mu.Unlock()
		return false
	}
	return true
}

// removeLocked removes the frame at index i from the frame list.
func (ft *FrameTable) removeLocked(i int) {
	ft.frames = append(ft.frames[:i], ft.frames[i+1:]...)
	if ft.hand > i {
		ft.hand--
	}
}

// link binds f to p.
//
// Preconditions: p.mu is locked.
func (ft *FrameTable) link(f *Frame, p *Page) {
	ft.mu.Lock()
	f.page = p
	ft.mu.Unlock()
	p.frame = f
}

// release unregisters f and returns it to the free pool.
//
// Preconditions: the page f is linked to, if any, is locked.
func (ft *FrameTable) release(f *Frame) {
	ft.mu.Lock()
	for i, g := range ft.frames {
		if g == f {
			ft.removeLocked(i)
			break
		}
	}
	f.page = nil
	framesInUse.Set(uint64(len(ft.frames)))
	ft.mu.Unlock()
	ft.mf.Free(f.pa)
}
