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
	"errors"
	"fmt"
	"io"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
)

// FileSegment describes the file-backed part of one page: ReadBytes bytes
// read from File at Offset, followed by ZeroBytes zero bytes.
type FileSegment struct {
	File      fsbridge.File
	Offset    int64
	ReadBytes uint64
	ZeroBytes uint64

	// owned is true if File was opened for this segment alone, and must be
	// closed with it.
	owned bool
}

// Validate checks that s describes whole pages.
func (s *FileSegment) Validate() error {
	total := s.ReadBytes + s.ZeroBytes
	switch {
	case s.File == nil:
		return fmt.Errorf("segment without file: %w", linuxerr.EBADF)
	case s.Offset < 0:
		return fmt.Errorf("negative segment offset %d: %w", s.Offset, linuxerr.EINVAL)
	case total == 0 || total%hostarch.PageSize != 0:
		return fmt.Errorf("segment of %d+%d bytes is not a page multiple: %w", s.ReadBytes, s.ZeroBytes, linuxerr.EINVAL)
	}
	return nil
}

// Copy returns a copy of s with its own handle to the file.
func (s *FileSegment) Copy(ctx context.Context) (*FileSegment, error) {
	f, err := s.File.Reopen(ctx)
	if err != nil {
		return nil, fmt.Errorf("reopening %q: %w", s.File.Name(), err)
	}
	c := *s
	c.File = f
	c.owned = true
	return &c, nil
}

// release closes the file if the segment owns it.
func (s *FileSegment) release() {
	if !s.owned {
		return
	}
	s.owned = false
	if err := s.File.Close(); err != nil {
		log.Warningf("Failed to close %q: %v", s.File.Name(), err)
	}
}

// load reads the segment's file bytes into mem. The rest of mem is zeroed.
func (s *FileSegment) load(ctx context.Context, mem []byte) error {
	if s.ReadBytes > uint64(len(mem)) {
		return fmt.Errorf("segment reads %d bytes into a page: %w", s.ReadBytes, linuxerr.EINVAL)
	}
	n, err := s.File.ReadAt(ctx, mem[:s.ReadBytes], s.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && uint64(n) == s.ReadBytes) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("short read of %q at %d: got %d of %d bytes: %w", s.File.Name(), s.Offset, n, s.ReadBytes, linuxerr.EIO)
		}
		return err
	}
	clear(mem[s.ReadBytes:])
	return nil
}

// store writes the file part of mem back at the segment's offset.
func (s *FileSegment) store(ctx context.Context, mem []byte) error {
	if s.ReadBytes == 0 {
		return nil
	}
	n, err := s.File.WriteAt(ctx, mem[:s.ReadBytes], s.Offset)
	if err != nil {
		return err
	}
	if uint64(n) != s.ReadBytes {
		return fmt.Errorf("short write of %q at %d: wrote %d of %d bytes: %w", s.File.Name(), s.Offset, n, s.ReadBytes, linuxerr.EIO)
	}
	return nil
}

// LoadFileSegment is the Initializer of pages registered with a *FileSegment
// load context: executable segments and mapped files.
func LoadFileSegment(ctx context.Context, p *Page, aux any, mem []byte) error {
	seg, ok := aux.(*FileSegment)
	if !ok {
		return fmt.Errorf("load context %T is not a file segment: %w", aux, linuxerr.EINVAL)
	}
	return seg.load(ctx, mem)
}
