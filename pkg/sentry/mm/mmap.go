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
	"sort"

	"gvisor.dev/lazyvm/pkg/cleanup"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
)

// MMapOpts are the arguments to MMap.
type MMapOpts struct {
	// Addr is the page-aligned start of the mapping. It must not be 0.
	Addr hostarch.Addr

	// Length is the requested length of the mapping. It is clamped to the
	// length of the file.
	Length uint64

	// Writable is true if user code may write to the mapping.
	Writable bool

	// File is the file to map. MMap maps its own handle to the file, so the
	// caller keeps ownership of File.
	File fsbridge.File

	// Offset is the file offset of the first mapped byte. It may not exceed
	// Length.
	Offset int64
}

// mapping is a mapping group: the pages created by one MMap call.
type mapping struct {
	start    hostarch.Addr
	writable bool

	// pages are the pages of the mapping in address order.
	pages []*Page

	// file is the reopened file, owned by the mapping.
	file fsbridge.File
}

// MappingInfo describes a mapping group.
type MappingInfo struct {
	Start    hostarch.Addr
	Length   uint64
	Writable bool
	File     string
}

// MMap maps opts.File at opts.Addr. The pages are loaded from the file on
// first access. It returns the start address of the mapping.
//
// If any page cannot be registered, no page of the mapping remains.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if mm.destroyed {
		return 0, linuxerr.EFAULT
	}
	if opts.File == nil {
		return 0, linuxerr.EBADF
	}
	if opts.Addr == 0 || !opts.Addr.IsPageAligned() || opts.Length == 0 || opts.Offset < 0 || uint64(opts.Offset) > opts.Length {
		return 0, linuxerr.EINVAL
	}
	ar, ok := opts.Addr.ToRange(opts.Length)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	end, ok := ar.End.RoundUp()
	if !ok {
		return 0, linuxerr.EINVAL
	}
	ar.End = end
	if !mm.layout.IsUserRange(ar) {
		return 0, linuxerr.EINVAL
	}
	overlap := false
	mm.spt.ForEachInRange(ar, func(*Page) bool {
		overlap = true
		return false
	})
	if overlap {
		return 0, linuxerr.EEXIST
	}

	file, err := opts.File.Reopen(ctx)
	if err != nil {
		return 0, fmt.Errorf("reopening %q: %w", opts.File.Name(), err)
	}
	cu := cleanup.Make(func() { file.Close() })
	defer cu.Clean()

	fileLen, err := file.Length(ctx)
	if err != nil {
		return 0, err
	}
	length := opts.Length
	if uint64(fileLen) < length {
		length = uint64(fileLen)
	}
	if length == 0 {
		return 0, fmt.Errorf("mapping empty file %q: %w", file.Name(), linuxerr.EINVAL)
	}

	m := &mapping{
		start:    opts.Addr,
		writable: opts.Writable,
		file:     file,
	}
	cu.Add(func() {
		for _, p := range m.pages {
			mm.spt.Remove(ctx, p)
		}
	})
	addr := opts.Addr
	offset := opts.Offset
	for remaining := length; remaining > 0; {
		readBytes := min(remaining, hostarch.PageSize)
		// Pages past the end of the file read nothing.
		if avail := fileLen - offset; avail < int64(readBytes) {
			readBytes = uint64(max(avail, 0))
		}
		seg := &FileSegment{
			File:      file,
			Offset:    offset,
			ReadBytes: readBytes,
			ZeroBytes: hostarch.PageSize - readBytes,
		}
		p, err := mm.AllocPage(AllocOpts{
			Kind:     KindFile,
			Addr:     addr,
			Writable: opts.Writable,
			Init:     LoadFileSegment,
			Aux:      seg,
		})
		if err != nil {
			return 0, err
		}
		m.pages = append(m.pages, p)
		remaining -= min(remaining, hostarch.PageSize)
		addr += hostarch.PageSize
		offset += hostarch.PageSize
	}
	cu.Release()

	mm.mappings[m.start] = m
	mmaps.Increment()
	mm.logger.Debugf("Mapped %q at %v, %d pages", file.Name(), m.start, len(m.pages))
	return m.start, nil
}

// MUnmap removes the mapping group starting at addr. Pages written since
// they were loaded are written back to the file first. It returns EINVAL if
// no mapping starts at addr.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	m, ok := mm.mappings[addr]
	if !ok {
		return linuxerr.EINVAL
	}
	delete(mm.mappings, addr)

	var firstErr error
	for _, p := range m.pages {
		if err := mm.unmapPage(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
		mm.spt.Remove(ctx, p)
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	munmaps.Increment()
	mm.logger.Debugf("Unmapped %v", addr)
	if firstErr != nil {
		return fmt.Errorf("unmapping %v: %w", addr, firstErr)
	}
	return nil
}

// unmapPage writes back p if it is dirty.
func (mm *MemoryManager) unmapPage(ctx context.Context, p *Page) error {
	if !p.Loaded() {
		// Load the page so its dirty state is known.
		if err := mm.claim(ctx, p); err != nil {
			mm.logger.Warningf("Loading %v for unmap: %v", p, err)
			return nil
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fb, ok := p.backing.(*fileBacking)
	if !ok || p.frame == nil || !mm.as.Dirty(p.addr) {
		// Evicted pages were written back on eviction.
		return nil
	}
	return fb.writeBack(ctx, p, mm.ft.mf.MapInternal(p.frame.pa))
}

// Mappings returns the mapping groups in address order.
func (mm *MemoryManager) Mappings() []MappingInfo {
	infos := make([]MappingInfo, 0, len(mm.mappings))
	for _, m := range mm.mappings {
		infos = append(infos, MappingInfo{
			Start:    m.start,
			Length:   uint64(len(m.pages)) * hostarch.PageSize,
			Writable: m.writable,
			File:     m.file.Name(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Start < infos[j].Start })
	return infos
}
