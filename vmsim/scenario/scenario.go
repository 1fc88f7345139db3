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

// Package scenario runs scripted sequences of process and memory operations
// against a simulated kernel and checks their outcomes.
//
// A scenario is a YAML document:
//
//	files:
//	  - name: prog
//	    size: 8192
//	steps:
//	  - op: spawn
//	    name: p
//	    exec: prog
//	    segments:
//	      - {offset: 0, vaddr: 0x400000, filesz: 8192, memsz: 8192}
//	  - op: read
//	    proc: p
//	    addr: 0x400000
//	    length: 4
//	  - op: write
//	    proc: p
//	    addr: 0x400000
//	    data: "oops"
//	    expect: {error: EFAULT, killed: true}
//
// A file with a host path is backed by that host file, so dirty pages mapped
// from it are written back to the host. Relative host paths are resolved
// against the directory of the scenario file.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/sentry/fsbridge"
	"gvisor.dev/lazyvm/pkg/sentry/loader"
)

// Scenario is a scripted run.
type Scenario struct {
	// Name describes the scenario.
	Name string `yaml:"name"`

	// Files are created before the first step.
	Files []File `yaml:"files"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// dir is the directory of the scenario file, if loaded from one.
	dir string
}

// File describes a file of the simulated file system.
type File struct {
	Name string `yaml:"name"`

	// Data is the initial contents of the file.
	Data string `yaml:"data"`

	// Size, if larger than Data, extends the file with bytes generated from
	// Seed.
	Size int `yaml:"size"`

	// Seed selects the generated bytes.
	Seed byte `yaml:"seed"`

	// Host, if set, is the path of a host file backing the file. The host
	// file is overwritten with the initial contents if any are given, and
	// must already exist otherwise.
	Host string `yaml:"host"`
}

// Contents returns the initial contents of f.
func (f *File) Contents() []byte {
	b := []byte(f.Data)
	for i := len(b); i < f.Size; i++ {
		b = append(b, Pattern(f.Seed, i))
	}
	return b
}

// Pattern returns the generated byte at offset off of a file with the given
// seed.
func Pattern(seed byte, off int) byte {
	return seed + byte(off%251) + 1
}

// Op is a scenario operation.
type Op string

// Operations.
const (
	OpSpawn  Op = "spawn"
	OpOpen   Op = "open"
	OpClose  Op = "close"
	OpMMap   Op = "mmap"
	OpMUnmap Op = "munmap"
	OpAnon   Op = "anon"
	OpWrite  Op = "write"
	OpRead   Op = "read"
	OpFault  Op = "fault"
	OpSP     Op = "sp"
	OpFork   Op = "fork"
	OpExit   Op = "exit"
	OpCheck  Op = "check"
	OpDump   Op = "dump"
)

// Step is one operation. Which fields are used depends on Op.
type Step struct {
	Op Op `yaml:"op"`

	// Proc names the process the step acts on.
	Proc string `yaml:"proc"`

	// Name names the new process of spawn and fork.
	Name string `yaml:"name"`

	// Exec is the executable of spawn.
	Exec string `yaml:"exec"`

	// Segments are the loadable segments of Exec.
	Segments []loader.Segment `yaml:"segments"`

	// Args are the arguments of spawn.
	Args []string `yaml:"args"`

	// File names the file of open and check.
	File string `yaml:"file"`

	// FD is the descriptor of mmap and close.
	FD int32 `yaml:"fd"`

	// Addr is the address of mmap, munmap, anon, write, read, fault and sp.
	Addr hostarch.Addr `yaml:"addr"`

	// Length is the length of mmap, anon and read.
	Length uint64 `yaml:"length"`

	// Offset is the file offset of mmap, and of the data compared by check.
	Offset int64 `yaml:"offset"`

	// Writable makes mmap and anon regions writable.
	Writable bool `yaml:"writable"`

	// Data is the data of write.
	Data string `yaml:"data"`

	// Syscall makes write and read act as a system call on the process'
	// behalf rather than as user code.
	Syscall bool `yaml:"syscall"`

	// Write makes fault a write fault.
	Write bool `yaml:"write"`

	// Protection makes fault a protection fault rather than a not-present
	// fault.
	Protection bool `yaml:"protection"`

	// Status is the exit status of exit.
	Status int `yaml:"status"`

	// Expect describes the expected outcome. The zero value expects success.
	Expect Expect `yaml:"expect"`
}

// Expect describes the outcome of a step.
type Expect struct {
	// Error is the expected errno name, such as EFAULT. Empty means success.
	Error string `yaml:"error"`

	// Value is the expected descriptor of open or address of mmap.
	Value *uint64 `yaml:"value"`

	// Data is the expected data of read, or prefix of the file of check.
	Data *string `yaml:"data"`

	// Killed expects the process to be killed by the step.
	Killed bool `yaml:"killed"`

	// Frames is the expected number of frames in use after the step.
	Frames *int `yaml:"frames"`

	// Resident lists addresses of Proc expected to be resident after the
	// step.
	Resident []hostarch.Addr `yaml:"resident"`
}

// Parse parses a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &s, nil
}

// Load reads and parses the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

func (s *Step) validate() error {
	if s.Expect.Error != "" && linuxerr.FromName(s.Expect.Error) == nil {
		return fmt.Errorf("%s expects unknown error %q", s.Op, s.Expect.Error)
	}
	switch s.Op {
	case OpSpawn:
		if s.Name == "" {
			return fmt.Errorf("%s needs a name", s.Op)
		}
	case OpFork:
		if s.Proc == "" || s.Name == "" {
			return fmt.Errorf("%s needs a proc and a name", s.Op)
		}
	case OpCheck:
		if s.Proc == "" && s.File == "" && s.Expect.Frames == nil {
			return fmt.Errorf("%s checks nothing", s.Op)
		}
	case OpOpen, OpClose, OpMMap, OpMUnmap, OpAnon, OpWrite, OpRead, OpFault, OpSP, OpExit, OpDump:
		if s.Proc == "" {
			return fmt.Errorf("%s needs a proc", s.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

// createFiles adds the files of s to fs.
func (s *Scenario) createFiles(fs *fsbridge.Filesystem) error {
	for i := range s.Files {
		f := &s.Files[i]
		if f.Host == "" {
			fs.Create(f.Name, f.Contents())
			continue
		}
		path := f.Host
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		if f.Data != "" || f.Size > 0 {
			if err := os.WriteFile(path, f.Contents(), 0644); err != nil {
				return fmt.Errorf("creating host file of %q: %w", f.Name, err)
			}
		}
		fs.Bind(f.Name, path, true)
	}
	return nil
}
