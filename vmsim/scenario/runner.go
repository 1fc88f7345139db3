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

package scenario

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/kernel"
)

// Runner executes scenarios against a Kernel.
type Runner struct {
	k   *kernel.Kernel
	out io.Writer

	// tasks maps process names to tasks. Exited tasks stay in the map so that
	// their exit status can be checked.
	tasks map[string]*kernel.Task
}

// NewRunner returns a Runner that executes on k and writes dumps to out.
func NewRunner(k *kernel.Kernel, out io.Writer) *Runner {
	return &Runner{
		k:     k,
		out:   out,
		tasks: make(map[string]*kernel.Task),
	}
}

// Run creates the files of s and executes its steps, stopping at the first
// step whose outcome differs from its expectation.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	if err := s.createFiles(r.k.Filesystem()); err != nil {
		return err
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		log.Debugf("scenario %q: step %d: %s %s", s.Name, i, step.Op, step.Proc)
		if err := r.step(ctx, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}
	return nil
}

// Task returns the task named name, or nil.
func (r *Runner) Task(name string) *kernel.Task {
	return r.tasks[name]
}

func (r *Runner) task(name string) (*kernel.Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown process %q", name)
	}
	return t, nil
}

func (r *Runner) step(ctx context.Context, s *Step) error {
	var t *kernel.Task
	if s.Proc != "" {
		var err error
		if t, err = r.task(s.Proc); err != nil {
			return err
		}
	}

	wasKilled := killed(t)
	var (
		value *uint64
		data  []byte
		err   error
	)
	setValue := func(v uint64) { value = &v }
	switch s.Op {
	case OpSpawn:
		if _, ok := r.tasks[s.Name]; ok {
			return fmt.Errorf("process %q already exists", s.Name)
		}
		args := s.Args
		if len(args) == 0 {
			args = []string{s.Name}
		}
		var nt *kernel.Task
		nt, err = r.k.CreateProcess(ctx, kernel.CreateProcessArgs{
			Name:     s.Name,
			Filename: s.Exec,
			Segments: s.Segments,
			Argv:     args,
		})
		if err == nil {
			r.tasks[s.Name] = nt
		}
	case OpOpen:
		var fd int32
		if fd, err = t.Open(ctx, s.File); err == nil {
			setValue(uint64(fd))
		}
	case OpClose:
		err = t.Close(s.FD)
	case OpMMap:
		var addr hostarch.Addr
		if addr, err = t.MMap(ctx, kernel.MMapArgs{
			Addr:     s.Addr,
			Length:   s.Length,
			Writable: s.Writable,
			FD:       s.FD,
			Offset:   s.Offset,
		}); err == nil {
			setValue(uint64(addr))
		}
	case OpMUnmap:
		err = t.MUnmap(ctx, s.Addr)
	case OpAnon:
		err = t.MapAnon(ctx, s.Addr, s.Length, s.Writable)
	case OpWrite:
		if s.Syscall {
			err = t.CopyOut(ctx, s.Addr, []byte(s.Data))
		} else {
			err = t.Store(ctx, s.Addr, []byte(s.Data))
		}
	case OpRead:
		n := int(s.Length)
		if n == 0 && s.Expect.Data != nil {
			n = len(*s.Expect.Data)
		}
		if s.Syscall {
			data, err = t.CopyIn(ctx, s.Addr, n)
		} else {
			data, err = t.Load(ctx, s.Addr, n)
		}
	case OpFault:
		err = t.HandleFault(ctx, s.Addr, s.Write, !s.Protection)
	case OpSP:
		t.SetUserSP(s.Addr)
	case OpFork:
		if _, ok := r.tasks[s.Name]; ok {
			return fmt.Errorf("process %q already exists", s.Name)
		}
		var child *kernel.Task
		if child, err = t.Fork(ctx, s.Name); err == nil {
			r.tasks[s.Name] = child
		}
	case OpExit:
		t.Exit(ctx, s.Status)
	case OpCheck:
		if s.File != "" {
			if data, err = r.k.Filesystem().Contents(s.File); err == nil {
				data = data[min(max(s.Offset, 0), int64(len(data))):]
			}
		}
	case OpDump:
		fmt.Fprintf(r.out, "%v:\n", t)
		err = t.MemoryManager().Dump(r.out)
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return r.check(t, wasKilled, s, err, value, data)
}

// check compares the outcome of s with its expectation. wasKilled is true if
// t had been killed before s.
func (r *Runner) check(t *kernel.Task, wasKilled bool, s *Step, err error, value *uint64, data []byte) error {
	e := &s.Expect
	if got := errnoName(err); got != e.Error {
		if e.Error == "" {
			return fmt.Errorf("unexpected error: %w", err)
		}
		return fmt.Errorf("got error %q (%v), want %s", got, err, e.Error)
	}
	if e.Value != nil && (value == nil || *value != *e.Value) {
		return fmt.Errorf("got value %v, want %#x", describe(value), *e.Value)
	}
	if e.Data != nil {
		want := []byte(*e.Data)
		if s.Op == OpCheck && len(data) > len(want) {
			data = data[:len(want)]
		}
		if !bytes.Equal(data, want) {
			return fmt.Errorf("got data %q, want %q", data, want)
		}
	}
	if t != nil {
		if got := killed(t) && !wasKilled; got != e.Killed {
			return fmt.Errorf("%v killed = %t, want %t", t, got, e.Killed)
		}
		for _, addr := range e.Resident {
			if p := t.MemoryManager().FindPage(addr); p == nil || !p.Resident() {
				return fmt.Errorf("%v: page at %v is not resident", t, addr)
			}
		}
	}
	if e.Frames != nil {
		if got := r.k.FrameTable().InUse(); got != *e.Frames {
			return fmt.Errorf("%d frames in use, want %d", got, *e.Frames)
		}
	}
	return nil
}

// killed returns true if t was killed by the kernel.
func killed(t *kernel.Task) bool {
	if t == nil {
		return false
	}
	status, exited := t.ExitStatus()
	return exited && status == kernel.ExitKilled
}

// errnoName returns the errno name of err, such as "EFAULT", or "" if err is
// nil.
func errnoName(err error) string {
	if err == nil {
		return ""
	}
	errno := linuxerr.ToUnix(err)
	if errno == 0 {
		return err.Error()
	}
	return unix.ErrnoName(errno)
}

func describe(v *uint64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%#x", *v)
}
