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

package kernel

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
)

const (
	// firstFD is the lowest descriptor handed out by the table. Descriptors
	// 0 and 1 belong to the console and never name a file.
	firstFD = 2

	// DefaultMaxFDs is the default limit on open descriptors per table.
	DefaultMaxFDs = 128
)

// FDTable maps the file descriptors of a task to open files.
//
// FDTable is safe for concurrent use.
type FDTable struct {
	// limit is the maximum number of open descriptors. It is immutable.
	limit int

	// mu protects files.
	mu    sync.Mutex
	files map[int32]fsbridge.File
}

// NewFDTable returns an empty FDTable holding at most limit descriptors.
func NewFDTable(limit int) *FDTable {
	if limit <= 0 {
		limit = DefaultMaxFDs
	}
	return &FDTable{
		limit: limit,
		files: make(map[int32]fsbridge.File),
	}
}

// NewFD installs file at the lowest free descriptor and returns it. The table
// takes ownership of file.
func (f *FDTable) NewFD(file fsbridge.File) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.files) >= f.limit {
		return -1, linuxerr.EMFILE
	}
	fd := int32(firstFD)
	for f.files[fd] != nil {
		fd++
	}
	f.files[fd] = file
	return fd, nil
}

// NewFDAt installs file at fd. The table takes ownership of file.
func (f *FDTable) NewFDAt(fd int32, file fsbridge.File) error {
	if fd < firstFD {
		return linuxerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[fd] != nil {
		return linuxerr.EEXIST
	}
	if len(f.files) >= f.limit {
		return linuxerr.EMFILE
	}
	f.files[fd] = file
	return nil
}

// Get returns the file at fd. The table keeps ownership of the file.
func (f *FDTable) Get(fd int32) (fsbridge.File, error) {
	if fd < firstFD {
		return nil, linuxerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[fd]
	if file == nil {
		return nil, linuxerr.EBADF
	}
	return file, nil
}

// Remove removes fd from the table and returns its file, whose ownership
// passes to the caller.
func (f *FDTable) Remove(fd int32) (fsbridge.File, error) {
	if fd < firstFD {
		return nil, linuxerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[fd]
	if file == nil {
		return nil, linuxerr.EBADF
	}
	delete(f.files, fd)
	return file, nil
}

// Close removes fd from the table and closes its file.
func (f *FDTable) Close(fd int32) error {
	file, err := f.Remove(fd)
	if err != nil {
		return err
	}
	return file.Close()
}

// Size returns the number of open descriptors.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// FDs returns the open descriptors in increasing order.
func (f *FDTable) FDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, len(f.files))
	for fd := range f.files {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// Fork returns a copy of f in which every descriptor names an independent
// handle to the same file.
func (f *FDTable) Fork(ctx context.Context) (*FDTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := NewFDTable(f.limit)
	for fd, file := range f.files {
		dup, err := file.Reopen(ctx)
		if err != nil {
			clone.RemoveAll()
			return nil, fmt.Errorf("duplicating fd %d: %w", fd, err)
		}
		clone.files[fd] = dup
	}
	return clone, nil
}

// RemoveAll closes every descriptor.
func (f *FDTable) RemoveAll() {
	f.mu.Lock()
	files := f.files
	f.files = make(map[int32]fsbridge.File)
	f.mu.Unlock()
	for _, file := range files {
		file.Close()
	}
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	for _, fd := range f.FDs() {
		file, err := f.Get(fd)
		if err != nil {
			continue // Race caught.
		}
		fmt.Fprintf(&b, "\tfd:%d => name %s\n", fd, file.Name())
	}
	return b.String()
}
