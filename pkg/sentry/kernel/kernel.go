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

// Package kernel provides the process container the virtual memory subsystem
// attaches to. A Kernel owns the machine: the physical frame pool, the frame
// table shared by all processes, the software MMU and the file system. A Task
// is a single-threaded process with its own MemoryManager and file
// descriptor table.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/lazyvm/pkg/cleanup"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
	"gvisor.dev/lazyvm/pkg/sentry/loader"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
	"gvisor.dev/lazyvm/pkg/sentry/pgalloc"
	"gvisor.dev/lazyvm/pkg/sentry/platform"
	"gvisor.dev/lazyvm/pkg/sentry/platform/soft"
)

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// Frames is the number of physical page frames.
	Frames int

	// Eviction is the frame eviction policy.
	Eviction mm.EvictionPolicy

	// SwapSlots, if positive, is the number of pages of in-memory swap. With
	// no swap, anonymous pages are never evicted.
	SwapSlots int

	// Layout is the address space layout of every process. The zero value
	// selects arch.DefaultLayout.
	Layout arch.Layout

	// Filesystem holds the files processes open and map. If nil, an empty
	// Filesystem is created.
	Filesystem *fsbridge.Filesystem

	// MaxFDs is the per-process limit on open descriptors. If zero,
	// DefaultMaxFDs is used.
	MaxFDs int
}

// Kernel represents a simulated machine and the processes running on it.
type Kernel struct {
	// The following fields are immutable after Init.
	mf       *pgalloc.MemoryFile
	ft       *mm.FrameTable
	platform platform.Platform
	fs       *fsbridge.Filesystem
	layout   arch.Layout
	maxFDs   int

	// mu protects the fields below.
	mu sync.Mutex

	// tasks holds the live tasks, indexed by ID.
	tasks map[ThreadID]*Task

	// lastTID is the most recently allocated thread ID.
	lastTID ThreadID
}

// Init initializes the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	layout := args.Layout
	if layout == (arch.Layout{}) {
		layout = arch.DefaultLayout()
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	mf, err := pgalloc.NewMemoryFile(args.Frames)
	if err != nil {
		return fmt.Errorf("creating memory file: %w", err)
	}
	var swap mm.SwapStore
	if args.SwapSlots > 0 {
		swap = mm.NewMemorySwap(args.SwapSlots)
	}
	k.mf = mf
	k.ft = mm.NewFrameTable(mf, mm.FrameTableOpts{
		Policy: args.Eviction,
		Swap:   swap,
	})
	k.platform = soft.New(mf)
	k.fs = args.Filesystem
	if k.fs == nil {
		k.fs = fsbridge.NewFilesystem()
	}
	k.layout = layout
	k.maxFDs = args.MaxFDs
	k.tasks = make(map[ThreadID]*Task)
	log.Infof("Kernel: %d frames, %v eviction, %d swap slots, stack top %v", args.Frames, args.Eviction, args.SwapSlots, layout.StackTop)
	return nil
}

// MemoryFile returns the physical frame pool.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// FrameTable returns the frame table shared by all processes.
func (k *Kernel) FrameTable() *mm.FrameTable {
	return k.ft
}

// Platform returns the platform that provides address spaces.
func (k *Kernel) Platform() platform.Platform {
	return k.platform
}

// Filesystem returns the file system.
func (k *Kernel) Filesystem() *fsbridge.Filesystem {
	return k.fs
}

// Layout returns the address space layout of processes.
func (k *Kernel) Layout() arch.Layout {
	return k.layout
}

// CreateProcessArgs holds arguments to kernel.CreateProcess.
type CreateProcessArgs struct {
	// Name is the name of the process. If empty, Argv[0] is used.
	Name string

	// Filename is the executable to load. It may be empty for a process with
	// no image, in which case Segments must be empty too.
	Filename string

	// Segments are the loadable segments of Filename.
	Segments []loader.Segment

	// Argv is a list of arguments.
	Argv []string
}

// CreateProcess creates a new task with a loaded image and an initial stack.
func (k *Kernel) CreateProcess(ctx context.Context, args CreateProcessArgs) (*Task, error) {
	name := args.Name
	if name == "" && len(args.Argv) > 0 {
		name = args.Argv[0]
	}
	if name == "" {
		return nil, fmt.Errorf("no process name or arguments provided: %w", linuxerr.EINVAL)
	}
	if args.Filename == "" && len(args.Segments) > 0 {
		return nil, fmt.Errorf("segments without an executable: %w", linuxerr.EINVAL)
	}
	log.Infof("EXEC: %v", args.Argv)

	m, err := mm.NewMemoryManager(name, k.ft, k.platform, k.layout)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { m.Destroy(ctx) })
	defer cu.Clean()

	var image fsbridge.File
	if args.Filename != "" {
		image, err = k.fs.Open(ctx, args.Filename)
		if err != nil {
			return nil, fmt.Errorf("opening %q: %w", args.Filename, err)
		}
		cu.Add(func() { image.Close() })
		if err := loader.Load(ctx, m, image, args.Segments); err != nil {
			return nil, fmt.Errorf("loading %q: %w", args.Filename, err)
		}
	}
	st, err := loader.SetupStack(ctx, m, args.Argv)
	if err != nil {
		return nil, fmt.Errorf("setting up stack: %w", err)
	}

	t := k.newTask(name, m, NewFDTable(k.maxFDs), image)
	t.userSP = st.SP
	cu.Release()
	log.Debugf("%s: pid %d, sp %v, argc %d", name, t.tid, st.SP, st.Argc)
	return t, nil
}

// newTask registers a new task with a fresh ID.
func (k *Kernel) newTask(name string, m *mm.MemoryManager, fdTable *FDTable, image fsbridge.File) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastTID++
	t := &Task{
		k:       k,
		tid:     k.lastTID,
		name:    name,
		mm:      m,
		fdTable: fdTable,
		image:   image,
	}
	k.tasks[t.tid] = t
	return t
}

// removeTask unregisters t.
func (k *Kernel) removeTask(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tasks, t.tid)
}

// TaskWithID returns the live task with the given ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[tid]
}

// Tasks returns the live tasks in ID order.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	ts := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].tid < ts[j].tid })
	return ts
}

// Release exits every live task and frees the physical frame pool. The
// Kernel may not be used after Release.
func (k *Kernel) Release(ctx context.Context) {
	for _, t := range k.Tasks() {
		t.Exit(ctx, 0)
	}
	if k.mf != nil {
		k.mf.Destroy()
	}
}
