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
	"fmt"
	"io"
	"strings"

	"gvisor.dev/lazyvm/pkg/hostarch"
)

// PageInfo describes a page, for diagnostics.
type PageInfo struct {
	Addr     hostarch.Addr
	Writable bool
	Kind     Kind
	Loaded   bool
	Resident bool
	Stack    bool
	File     string
	Offset   int64
}

// Pages returns a snapshot of every page in address order.
func (mm *MemoryManager) Pages() []PageInfo {
	var infos []PageInfo
	mm.spt.ForEach(func(p *Page) bool {
		infos = append(infos, p.info())
		return true
	})
	return infos
}

func (p *Page) info() PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PageInfo{
		Addr:     p.addr,
		Writable: p.writable,
		Kind:     p.finalKindLocked(),
		Resident: p.frame != nil,
	}
	var seg *FileSegment
	switch b := p.backing.(type) {
	case *uninitBacking:
		info.Stack = b.stack
		seg, _ = b.aux.(*FileSegment)
	case *anonBacking:
		info.Loaded = true
		info.Stack = b.stack
	case *fileBacking:
		info.Loaded = true
		seg = b.seg
	}
	if seg != nil {
		info.File = seg.File.Name()
		info.Offset = seg.Offset
	}
	return info
}

// Dump writes a /proc/[pid]/maps-like listing of the address space to w,
// one line per run of contiguous pages with identical attributes.
func (mm *MemoryManager) Dump(w io.Writer) error {
	infos := mm.Pages()
	var b bytes.Buffer
	for i := 0; i < len(infos); {
		first := infos[i]
		j := i + 1
		for ; j < len(infos); j++ {
			prev, cur := infos[j-1], infos[j]
			if cur.Addr != prev.Addr+hostarch.PageSize || !sameRun(prev, cur) {
				break
			}
		}
		end := infos[j-1].Addr + hostarch.PageSize
		resident := 0
		for _, info := range infos[i:j] {
			if info.Resident {
				resident++
			}
		}
		perms := "r-"
		if first.Writable {
			perms = "rw"
		}
		fmt.Fprintf(&b, "%08x-%08x %sp %08x %-6s %d/%d", uint64(first.Addr), uint64(end), perms, first.Offset, first.Kind, resident, j-i)
		var name string
		switch {
		case first.Stack:
			name = "[stack]"
		case first.File != "":
			name = first.File
		}
		if name != "" {
			// Pad like Linux does, to the 74th character.
			if pad := 73 - b.Len(); pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
			}
			b.WriteString(name)
		}
		b.WriteString("\n")
		if _, err := w.Write(b.Bytes()); err != nil {
			return err
		}
		b.Reset()
		i = j
	}
	return nil
}

// sameRun returns true if cur continues the run of prev.
func sameRun(prev, cur PageInfo) bool {
	if prev.Writable != cur.Writable || prev.Kind != cur.Kind || prev.Stack != cur.Stack || prev.File != cur.File {
		return false
	}
	return cur.File == "" || cur.Offset == prev.Offset+hostarch.PageSize
}

// String implements fmt.Stringer.String.
func (mm *MemoryManager) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d pages\n", mm.name, mm.spt.Len())
	mm.Dump(&b)
	return b.String()
}

// Dump writes one line per frame in use to w, in allocation order: the
// physical address of the frame, the process owning it and the virtual
// address of the page it holds.
func (ft *FrameTable) Dump(w io.Writer) error {
	for _, f := range ft.Frames() {
		owner := f.Owner
		if owner == "" {
			owner = "-"
		}
		if _, err := fmt.Fprintf(w, "%08x %-16s %08x\n", f.PA, owner, uint64(f.Addr)); err != nil {
			return err
		}
	}
	return nil
}
