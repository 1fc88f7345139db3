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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/log"
)

// LockTimeout bounds how long OpenHost waits for another simulator holding
// the backing file.
var LockTimeout = 5 * time.Second

// hostInode is a host file shared by all handles opened through one
// Filesystem. It holds an exclusive advisory lock on the host file for as
// long as any handle is open.
type hostInode struct {
	path     string
	writable bool
	lock     *flock.Flock

	// refs is the number of open handles. Protected by Filesystem.mu.
	refs int
}

// hostFile is a handle to a hostInode.
type hostFile struct {
	fs    *Filesystem
	inode *hostInode
	file  *os.File

	// closed is protected by fs.mu.
	closed bool
}

var _ File = (*hostFile)(nil)

// OpenHost opens the host file at path. If writable is false, writes through
// the returned handle fail with EACCES.
//
// The host file is locked against other processes; if the lock is held,
// OpenHost retries with exponential backoff for up to LockTimeout.
func (fs *Filesystem) OpenHost(ctx context.Context, path string, writable bool) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, ok := fs.hosts[path]
	if ok && writable && !ino.writable {
		return nil, fmt.Errorf("opening %q for writing: already open read-only: %w", path, linuxerr.EACCES)
	}
	if !ok {
		ino = &hostInode{path: path, writable: writable}
	}
	// Open before locking: flock creates missing files.
	f, err := openHost(path, ino.writable)
	if err != nil {
		return nil, err
	}
	if !ok {
		ino.lock = flock.New(path)
		if err := lockHost(ctx, ino.lock); err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %q: %w", path, err)
		}
		fs.hosts[path] = ino
	}
	ino.refs++
	return &hostFile{fs: fs, inode: ino, file: f}, nil
}

func lockHost(ctx context.Context, l *flock.Flock) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = LockTimeout

	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			log.Debugf("Host file %q is locked, retrying", l.Path())
			return linuxerr.EAGAIN
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func openHost(path string, writable bool) (*os.File, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("opening %q: %w", path, linuxerr.ENOENT)
		}
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	return f, nil
}

// Name implements File.Name.
func (f *hostFile) Name() string {
	return f.inode.path
}

// ReadAt implements File.ReadAt.
func (f *hostFile) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := f.file.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("reading %q at %d: %w", f.inode.path, offset, err)
	}
	return n, err
}

// WriteAt implements File.WriteAt.
func (f *hostFile) WriteAt(ctx context.Context, src []byte, offset int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	if !f.inode.writable {
		return 0, linuxerr.EACCES
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := f.file.WriteAt(src, offset)
	if err != nil {
		return n, fmt.Errorf("writing %q at %d: %w", f.inode.path, offset, err)
	}
	return n, nil
}

// Length implements File.Length.
func (f *hostFile) Length(ctx context.Context) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, linuxerr.EBADF
	}
	fi, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", f.inode.path, err)
	}
	return fi.Size(), nil
}

// Reopen implements File.Reopen.
func (f *hostFile) Reopen(ctx context.Context) (File, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return nil, linuxerr.EBADF
	}
	nf, err := openHost(f.inode.path, f.inode.writable)
	if err != nil {
		return nil, err
	}
	f.inode.refs++
	return &hostFile{fs: f.fs, inode: f.inode, file: nf}, nil
}

// Close implements File.Close.
func (f *hostFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return linuxerr.EBADF
	}
	f.closed = true
	err := f.file.Close()
	f.inode.refs--
	if f.inode.refs == 0 {
		delete(f.fs.hosts, f.inode.path)
		if uerr := f.inode.lock.Unlock(); uerr != nil {
			log.Warningf("Failed to unlock %q: %v", f.inode.path, uerr)
		}
	}
	return err
}
