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

package fsbridge

import (
	"context"
	"io"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
)

// memInode is the shared state of an in-memory file.
type memInode struct {
	name string

	// data is protected by Filesystem.mu.
	data []byte
}

// memFile is a handle to a memInode.
type memFile struct {
	fs    *Filesystem
	inode *memInode

	// closed is protected by fs.mu.
	closed bool
}

var _ File = (*memFile)(nil)

// Name implements File.Name.
func (f *memFile) Name() string {
	return f.inode.name
}

// ReadAt implements File.ReadAt.
func (f *memFile) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	if offset >= int64(len(f.inode.data)) {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(dst, f.inode.data[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements File.WriteAt.
func (f *memFile) WriteAt(ctx context.Context, src []byte, offset int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	if end := offset + int64(len(src)); end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	return copy(f.inode.data[offset:], src), nil
}

// Length implements File.Length.
func (f *memFile) Length(ctx context.Context) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	return int64(len(f.inode.data)), nil
}

// Reopen implements File.Reopen.
func (f *memFile) Reopen(ctx context.Context) (File, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return nil, linuxerr.EBADF
	}
	return &memFile{fs: f.fs, inode: f.inode}, nil
}

// Close implements File.Close.
func (f *memFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return linuxerr.EBADF
	}
	f.closed = true
	return nil
}
