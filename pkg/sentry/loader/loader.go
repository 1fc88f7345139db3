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

// Package loader registers the pages of a program image and its initial
// stack with a MemoryManager. Program segments are registered lazily: no
// byte of the file is read until the page is first touched.
package loader

import (
	"context"
	"encoding/binary"
	"fmt"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
)

// Segment is a loadable program segment, as described by an ELF PT_LOAD
// program header.
type Segment struct {
	// Offset is the file offset of the segment.
	Offset int64 `yaml:"offset"`

	// Vaddr is the virtual address of the segment.
	Vaddr hostarch.Addr `yaml:"vaddr"`

	// FileSize is the number of bytes of the segment stored in the file.
	FileSize uint64 `yaml:"filesz"`

	// MemSize is the size of the segment in memory. Bytes past FileSize are
	// zero.
	MemSize uint64 `yaml:"memsz"`

	// Writable is true if the segment may be written.
	Writable bool `yaml:"writable"`
}

// validate checks that s is loadable from a file of fileLen bytes into the
// user space of m.
func (s Segment) validate(m *mm.MemoryManager, fileLen int64) error {
	layout := m.Layout()
	switch {
	case s.Offset < 0 || s.Offset > fileLen:
		return fmt.Errorf("segment offset %#x outside file of %d bytes: %w", s.Offset, fileLen, linuxerr.EINVAL)
	case hostarch.Addr(s.Offset).PageOffset() != s.Vaddr.PageOffset():
		return fmt.Errorf("segment offset %#x and address %v are not congruent: %w", s.Offset, s.Vaddr, linuxerr.EINVAL)
	case s.MemSize < s.FileSize:
		return fmt.Errorf("segment memory size %#x smaller than file size %#x: %w", s.MemSize, s.FileSize, linuxerr.EINVAL)
	case s.MemSize == 0:
		return fmt.Errorf("empty segment at %v: %w", s.Vaddr, linuxerr.EINVAL)
	}
	ar, ok := s.Vaddr.ToRange(s.MemSize)
	if !ok || !layout.IsUserRange(ar) {
		return fmt.Errorf("segment %v outside user space: %w", ar, linuxerr.EINVAL)
	}
	return nil
}

// LoadSegment registers the pages [upage, upage+readBytes+zeroBytes) of m.
// The first readBytes bytes come from file at offset, and the rest are zero.
// Pages are anonymous once loaded.
func LoadSegment(m *mm.MemoryManager, file fsbridge.File, offset int64, upage hostarch.Addr, readBytes, zeroBytes uint64, writable bool) error {
	if (readBytes+zeroBytes)%hostarch.PageSize != 0 || !upage.IsPageAligned() || offset%hostarch.PageSize != 0 {
		return linuxerr.EINVAL
	}
	for readBytes > 0 || zeroBytes > 0 {
		pageRead := min(readBytes, hostarch.PageSize)
		pageZero := hostarch.PageSize - pageRead
		if _, err := m.AllocPage(mm.AllocOpts{
			Kind:     mm.KindAnon,
			Addr:     upage,
			Writable: writable,
			Init:     mm.LoadFileSegment,
			Aux: &mm.FileSegment{
				File:      file,
				Offset:    offset,
				ReadBytes: pageRead,
				ZeroBytes: pageZero,
			},
		}); err != nil {
			return err
		}
		readBytes -= pageRead
		zeroBytes -= pageZero
		upage += hostarch.PageSize
		offset += int64(pageRead)
	}
	return nil
}

// Load registers every segment of a program image read from file. The
// caller keeps file open for as long as m may load pages from it.
//
// If Load fails, m holds a partial image and must be destroyed.
func Load(ctx context.Context, m *mm.MemoryManager, file fsbridge.File, segs []Segment) error {
	fileLen, err := file.Length(ctx)
	if err != nil {
		return err
	}
	for i, s := range segs {
		if err := s.validate(m, fileLen); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		filePage := hostarch.PageRoundDown(s.Offset)
		memPage := s.Vaddr.RoundDown()
		pageOffset := s.Vaddr.PageOffset()
		// validate rules out wraparound.
		end, _ := hostarch.PageRoundUp(pageOffset + s.MemSize)
		var readBytes, zeroBytes uint64
		if s.FileSize > 0 {
			// Normal segment: read the initial part from the file and zero
			// the rest.
			readBytes = pageOffset + s.FileSize
			zeroBytes = end - readBytes
		} else {
			// Entirely zero.
			zeroBytes = end
		}
		if err := LoadSegment(m, file, filePage, memPage, readBytes, zeroBytes, s.Writable); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		log.Debugf("%s: segment %d at %v: %d bytes from %q at %#x, %d zero", m.Name(), i, memPage, readBytes, file.Name(), filePage, zeroBytes)
	}
	return nil
}

// Stack describes the initial user stack.
type Stack struct {
	// SP is the initial stack pointer. It points to a zero fake return
	// address.
	SP hostarch.Addr

	// Argc is the number of arguments.
	Argc int

	// Argv is the address of the argument pointer array.
	Argv hostarch.Addr
}

// SetupStack registers and claims the first stack page of m, just below the
// top of the stack, and pushes args onto it: the strings, padding to a word
// boundary, a null-terminated array of pointers to them, and a fake return
// address.
func SetupStack(ctx context.Context, m *mm.MemoryManager, args []string) (Stack, error) {
	layout := m.Layout()
	top := layout.StackTop
	if _, err := m.AllocPage(mm.AllocOpts{
		Kind:     mm.KindAnon,
		Addr:     top - hostarch.PageSize,
		Writable: true,
		Stack:    true,
	}); err != nil {
		return Stack{}, err
	}
	if err := m.Claim(ctx, top-hostarch.PageSize); err != nil {
		return Stack{}, err
	}

	word := layout.WordSize
	size := (uint64(len(args)) + 2) * word
	for _, arg := range args {
		size += uint64(len(arg)) + 1 + word
	}
	if size > hostarch.PageSize {
		return Stack{}, fmt.Errorf("arguments need %d bytes of stack: %w", size, linuxerr.EINVAL)
	}

	sp := top
	push := func(b []byte) error {
		sp -= hostarch.Addr(len(b))
		_, err := m.CopyOut(ctx, sp, b, mm.IOOpts{})
		return err
	}
	addrs := make([]hostarch.Addr, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		if err := push(append([]byte(args[i]), 0)); err != nil {
			return Stack{}, err
		}
		addrs[i] = sp
	}
	if pad := uint64(sp) % word; pad != 0 {
		if err := push(make([]byte, pad)); err != nil {
			return Stack{}, err
		}
	}
	ptr := make([]byte, word)
	if err := push(ptr); err != nil { // argv[argc]
		return Stack{}, err
	}
	for i := len(args) - 1; i >= 0; i-- {
		binary.LittleEndian.PutUint64(ptr, uint64(addrs[i]))
		if err := push(ptr); err != nil {
			return Stack{}, err
		}
	}
	argv := sp
	if err := push(make([]byte, word)); err != nil { // return address
		return Stack{}, err
	}
	m.SetKernelSP(sp)
	return Stack{SP: sp, Argc: len(args), Argv: argv}, nil
}
