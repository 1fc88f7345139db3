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
	"fmt"
	"os"
	"sync"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/log"
)

// Filesystem is a flat namespace of files. Its lock serializes every storage
// call across all threads, since the underlying storage is not reentrant.
type Filesystem struct {
	// mu is the file system lock.
	mu sync.Mutex

	// files maps names to in-memory inodes. Protected by mu.
	files map[string]*memInode

	// hosts maps host paths to open host inodes. Protected by mu.
	hosts map[string]*hostInode

	// links maps names bound with Bind to host files. Protected by mu.
	links map[string]hostLink
}

// hostLink is the target of a bound name.
type hostLink struct {
	path     string
	writable bool
}

// NewFilesystem returns an empty Filesystem.
func NewFilesystem() *Filesystem {
	return &Filesystem{
		files: make(map[string]*memInode),
		hosts: make(map[string]*hostInode),
		links: make(map[string]hostLink),
	}
}

// Create creates an in-memory file with the given contents, replacing any
// existing file of the same name. Handles open on a replaced file keep
// referring to the old contents.
func (fs *Filesystem) Create(name string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.links, name)
	fs.files[name] = &memInode{name: name, data: append([]byte(nil), data...)}
	log.Debugf("Created file %q (%d bytes)", name, len(data))
}

// Bind makes name refer to the host file at path, replacing any in-memory
// file of the same name. Opening name then opens the host file, writable if
// writable is true, so pages mapped from it are written back to the host.
func (fs *Filesystem) Bind(name, path string, writable bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, name)
	fs.links[name] = hostLink{path: path, writable: writable}
	log.Debugf("Bound file %q to host file %q", name, path)
}

// Open opens the file name, following a binding made with Bind.
func (fs *Filesystem) Open(ctx context.Context, name string) (File, error) {
	fs.mu.Lock()
	link, bound := fs.links[name]
	fs.mu.Unlock()
	if bound {
		return fs.OpenHost(ctx, link.path, link.writable)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("opening %q: %w", name, linuxerr.ENOENT)
	}
	return &memFile{fs: fs, inode: ino}, nil
}

// Contents returns a copy of the current contents of the file name.
func (fs *Filesystem) Contents(name string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if link, ok := fs.links[name]; ok {
		data, err := os.ReadFile(link.path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", link.path, err)
		}
		return data, nil
	}
	ino, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("reading %q: %w", name, linuxerr.ENOENT)
	}
	return append([]byte(nil), ino.data...), nil
}

// Names returns the names of all files, in-memory and bound.
func (fs *Filesystem) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files)+len(fs.links))
	for name := range fs.files {
		names = append(names, name)
	}
	for name := range fs.links {
		names = append(names, name)
	}
	return names
}
