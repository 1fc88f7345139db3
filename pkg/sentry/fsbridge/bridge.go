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

// Package fsbridge provides the interface through which the memory manager
// reaches backing files, and the file systems implementing it.
package fsbridge

import (
	"context"
)

// File is an open file that pages can be loaded from and written back to.
//
// Every method goes through the owning Filesystem's lock; callers must not
// hold locks that a storage call could need.
type File interface {
	// Name returns the name the file was opened by.
	Name() string

	// ReadAt reads len(dst) bytes at offset. A short read at end of file
	// returns the bytes read and io.EOF.
	ReadAt(ctx context.Context, dst []byte, offset int64) (int, error)

	// WriteAt writes src at offset, extending the file if needed.
	WriteAt(ctx context.Context, src []byte, offset int64) (int, error)

	// Length returns the current size of the file.
	Length(ctx context.Context) (int64, error)

	// Reopen returns a new, independent handle to the same file. Closing
	// either handle does not affect the other.
	Reopen(ctx context.Context) (File, error)

	// Close releases the handle. Subsequent calls fail with EBADF.
	Close() error
}
