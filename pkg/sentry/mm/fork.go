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

	"github.com/mohae/deepcopy"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

// Fork copies every page of mm into dst, which must be empty.
//
// Pages not loaded yet are registered again in dst with a copy of their
// load context. Anonymous pages are claimed in dst immediately and get a
// copy of their current content. Pages of mapped files are not inherited.
//
// If Fork fails, dst is left partially populated and must be destroyed.
func (mm *MemoryManager) Fork(ctx context.Context, dst *MemoryManager) error {
	if dst.spt.Len() != 0 {
		return fmt.Errorf("forking into a non-empty address space: %w", linuxerr.EINVAL)
	}
	// Snapshot the page list: claiming pages in dst may evict pages of mm,
	// which must not race with the btree iteration.
	var pages []*Page
	mm.spt.ForEach(func(p *Page) bool {
		pages = append(pages, p)
		return true
	})
	for _, p := range pages {
		if err := mm.forkPage(ctx, p, dst); err != nil {
			return fmt.Errorf("copying %v: %w", p, err)
		}
	}
	dst.kernelSP = mm.kernelSP
	forks.Increment()
	mm.logger.Debugf("Forked %d pages into %s", dst.spt.Len(), dst.name)
	return nil
}

func (mm *MemoryManager) forkPage(ctx context.Context, p *Page, dst *MemoryManager) error {
	opts, content, err := mm.forkOpts(ctx, p)
	if err != nil || opts == nil {
		return err
	}
	if _, err := dst.AllocPage(*opts); err != nil {
		if seg, ok := opts.Aux.(*FileSegment); ok {
			seg.release()
		}
		return err
	}
	if content == nil {
		return nil
	}
	return dst.Claim(ctx, opts.Addr)
}

// forkOpts returns the registration of the copy of p, and the content the
// copy is initialized with for anonymous pages. It returns nil options for
// pages that are not inherited.
func (mm *MemoryManager) forkOpts(ctx context.Context, p *Page) (*AllocOpts, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch b := p.backing.(type) {
	case *uninitBacking:
		if b.final == KindFile {
			return nil, nil, nil
		}
		aux, err := copyLoadContext(ctx, b.aux)
		if err != nil {
			return nil, nil, err
		}
		return &AllocOpts{
			Kind:     b.final,
			Addr:     p.addr,
			Writable: p.writable,
			Stack:    b.stack,
			Init:     b.init,
			Aux:      aux,
		}, nil, nil

	case *anonBacking:
		content := make([]byte, hostarch.PageSize)
		if p.frame != nil {
			copy(content, mm.ft.mf.MapInternal(p.frame.pa))
		} else if err := b.read(p, content); err != nil {
			return nil, nil, err
		}
		return &AllocOpts{
			Kind:     KindAnon,
			Addr:     p.addr,
			Writable: p.writable,
			Stack:    b.stack,
			Init:     copyContent,
			Aux:      content,
		}, content, nil

	default:
		return nil, nil, nil
	}
}

// copyLoadContext duplicates the load context of an unloaded page. File
// segments get their own file handle; anything else is deep copied.
func copyLoadContext(ctx context.Context, aux any) (any, error) {
	switch a := aux.(type) {
	case nil:
		return nil, nil
	case *FileSegment:
		return a.Copy(ctx)
	default:
		return deepcopy.Copy(aux), nil
	}
}

// copyContent is the Initializer of forked anonymous pages.
func copyContent(_ context.Context, _ *Page, aux any, mem []byte) error {
	copy(mem, aux.([]byte))
	return nil
}
