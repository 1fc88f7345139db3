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
	"context"
	"fmt"
	"sync"

	"gvisor.dev/lazyvm/pkg/cleanup"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
)

// ThreadID is a task identifier.
type ThreadID int32

// ExitKilled is the exit status of a task terminated by the kernel.
const ExitKilled = -1

// Task represents a single-threaded process.
type Task struct {
	// The following fields are immutable.
	k       *Kernel
	tid     ThreadID
	name    string
	mm      *mm.MemoryManager
	fdTable *FDTable

	// image is the executable of the task, or nil. It stays open while the
	// task lives since lazily loaded segments read from it.
	image fsbridge.File

	// mu protects the fields below.
	mu sync.Mutex

	// userSP is the user stack pointer. It is saved as the kernel-entry stack
	// pointer whenever the task enters the kernel.
	userSP hostarch.Addr

	// exited is true once Exit has begun.
	exited bool

	// exitStatus is the status passed to Exit.
	exitStatus int
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns t's ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Name returns t's name.
func (t *Task) Name() string {
	return t.name
}

// MemoryManager returns t's MemoryManager.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// FDTable returns t's FDTable.
func (t *Task) FDTable() *FDTable {
	return t.fdTable
}

// UserSP returns t's user stack pointer.
func (t *Task) UserSP() hostarch.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userSP
}

// SetUserSP sets t's user stack pointer.
func (t *Task) SetUserSP(sp hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userSP = sp
}

// ExitStatus returns t's exit status. ok is false if t has not exited.
func (t *Task) ExitStatus() (status int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus, t.exited
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.tid)
}

// enter models entry into the kernel: the user stack pointer is saved so that
// faults raised by the kernel on t's behalf can recognize stack growth. It
// fails with ESRCH if t has exited.
func (t *Task) enter() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return linuxerr.ESRCH
	}
	t.mm.SetKernelSP(t.userSP)
	return nil
}

// kill terminates t after an unrecoverable memory error.
func (t *Task) kill(ctx context.Context, err error) {
	log.Infof("%v: killed: %v", t, err)
	t.Exit(ctx, ExitKilled)
}

// Open opens the named file and returns a new descriptor for it.
func (t *Task) Open(ctx context.Context, name string) (int32, error) {
	if err := t.enter(); err != nil {
		return -1, err
	}
	f, err := t.k.fs.Open(ctx, name)
	if err != nil {
		return -1, err
	}
	fd, err := t.fdTable.NewFD(f)
	if err != nil {
		f.Close()
		return -1, err
	}
	return fd, nil
}

// Close closes fd. Mappings of the file survive.
func (t *Task) Close(fd int32) error {
	if err := t.enter(); err != nil {
		return err
	}
	return t.fdTable.Close(fd)
}

// MMapArgs holds arguments to Task.MMap.
type MMapArgs struct {
	// Addr is the page-aligned address of the mapping.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes.
	Length uint64

	// Writable is true if the mapping may be written.
	Writable bool

	// FD is the descriptor of the file to map.
	FD int32

	// Offset is the file offset of the first mapped byte.
	Offset int64
}

// MMap maps the file named by args.FD.
func (t *Task) MMap(ctx context.Context, args MMapArgs) (hostarch.Addr, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	file, err := t.fdTable.Get(args.FD)
	if err != nil {
		return 0, err
	}
	return t.mm.MMap(ctx, mm.MMapOpts{
		Addr:     args.Addr,
		Length:   args.Length,
		Writable: args.Writable,
		File:     file,
		Offset:   args.Offset,
	})
}

// MUnmap removes the mapping starting at addr.
func (t *Task) MUnmap(ctx context.Context, addr hostarch.Addr) error {
	if err := t.enter(); err != nil {
		return err
	}
	return t.mm.MUnmap(ctx, addr)
}

// MapAnon registers zero-filled anonymous pages covering length bytes at
// addr. Pages are allocated when first touched. If any page cannot be
// registered, none are.
func (t *Task) MapAnon(ctx context.Context, addr hostarch.Addr, length uint64, writable bool) error {
	if err := t.enter(); err != nil {
		return err
	}
	if length == 0 || !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return linuxerr.EINVAL
	}
	if end, ok = end.RoundUp(); !ok {
		return linuxerr.EINVAL
	}
	var pages []*mm.Page
	cu := cleanup.Make(func() {
		for _, p := range pages {
			t.mm.PageTable().Remove(ctx, p)
		}
	})
	defer cu.Clean()
	for va := addr; va < end; va += hostarch.PageSize {
		p, err := t.mm.AllocPage(mm.AllocOpts{
			Kind:     mm.KindAnon,
			Addr:     va,
			Writable: writable,
		})
		if err != nil {
			return err
		}
		pages = append(pages, p)
	}
	cu.Release()
	return nil
}

// HandleFault handles a fault raised by t's user code at addr. If the fault
// cannot be handled, t is killed.
func (t *Task) HandleFault(ctx context.Context, addr hostarch.Addr, write, notPresent bool) error {
	if err := t.enter(); err != nil {
		return err
	}
	err := t.mm.HandleFault(ctx, mm.FaultInfo{
		Addr:       addr,
		User:       true,
		Write:      write,
		NotPresent: notPresent,
		SP:         t.UserSP(),
	})
	if err != nil {
		t.kill(ctx, err)
	}
	return err
}

// Store writes src at addr as t's user code would. If the access faults
// and the fault cannot be handled, t is killed.
func (t *Task) Store(ctx context.Context, addr hostarch.Addr, src []byte) error {
	if err := t.enter(); err != nil {
		return err
	}
	if _, err := t.mm.CopyOut(ctx, addr, src, mm.IOOpts{User: true, SP: t.UserSP()}); err != nil {
		t.kill(ctx, err)
		return err
	}
	return nil
}

// Load reads n bytes at addr as t's user code would. If the access faults
// and the fault cannot be handled, t is killed.
func (t *Task) Load(ctx context.Context, addr hostarch.Addr, n int) ([]byte, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	dst := make([]byte, n)
	if _, err := t.mm.CopyIn(ctx, addr, dst, mm.IOOpts{User: true, SP: t.UserSP()}); err != nil {
		t.kill(ctx, err)
		return nil, err
	}
	return dst, nil
}

// CopyOut copies src to addr on behalf of a system call of t, as a read
// system call fills a user buffer. An invalid buffer kills t.
func (t *Task) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) error {
	if err := t.enter(); err != nil {
		return err
	}
	if _, err := t.mm.CopyOut(ctx, addr, src, mm.IOOpts{}); err != nil {
		t.kill(ctx, err)
		return err
	}
	return nil
}

// CopyIn copies n bytes at addr on behalf of a system call of t. An invalid
// buffer kills t.
func (t *Task) CopyIn(ctx context.Context, addr hostarch.Addr, n int) ([]byte, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	dst := make([]byte, n)
	if _, err := t.mm.CopyIn(ctx, addr, dst, mm.IOOpts{}); err != nil {
		t.kill(ctx, err)
		return nil, err
	}
	return dst, nil
}

// Fork creates a child of t named name. The child has a copy of t's address
// space and independent handles to t's open files. If the copy fails, the
// child is discarded and never runs.
func (t *Task) Fork(ctx context.Context, name string) (*Task, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	if name == "" {
		name = t.name
	}
	k := t.k
	m, err := mm.NewMemoryManager(name, k.ft, k.platform, k.layout)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { m.Destroy(ctx) })
	defer cu.Clean()

	if err := t.mm.Fork(ctx, m); err != nil {
		log.Infof("%v: fork failed: %v", t, err)
		return nil, fmt.Errorf("copying address space: %w", err)
	}
	fdTable, err := t.fdTable.Fork(ctx)
	if err != nil {
		return nil, err
	}
	cu.Add(fdTable.RemoveAll)
	var image fsbridge.File
	if t.image != nil {
		if image, err = t.image.Reopen(ctx); err != nil {
			return nil, fmt.Errorf("reopening image: %w", err)
		}
	}

	child := k.newTask(name, m, fdTable, image)
	child.userSP = t.UserSP()
	cu.Release()
	log.Debugf("%v: forked %v", t, child)
	return child, nil
}

// Exit terminates t with the given status. Every mapping is unmapped, with
// dirty file pages written back, and every page and descriptor of t is
// released. Exit is idempotent; only the first status is kept.
func (t *Task) Exit(ctx context.Context, status int) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.exitStatus = status
	t.mu.Unlock()

	log.Infof("%s: exit(%d)", t.name, status)
	t.mm.Destroy(ctx)
	t.fdTable.RemoveAll()
	if t.image != nil {
		t.image.Close()
	}
	t.k.removeTask(t)
}
