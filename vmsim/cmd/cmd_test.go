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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/lazyvm/vmsim/config"
)

const passing = `
name: passing
files:
  - {name: f, data: "hello"}
steps:
  - {op: spawn, name: p}
  - {op: open, proc: p, file: f, expect: {value: 2}}
  - {op: mmap, proc: p, addr: 0x10000000, length: 4096, fd: 2}
  - {op: read, proc: p, addr: 0x10000000, expect: {data: "hello"}}
`

const failing = `
steps:
  - {op: spawn, name: p}
  - {op: read, proc: p, addr: 0x10000000, length: 1}
`

func newConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatal(err)
	}
	conf, err := config.NewFromFlags(flagSet)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func writeScenario(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunScenario(t *testing.T) {
	conf := newConfig(t, "--frames=4", "--swap=16")
	var out bytes.Buffer
	if err := runScenario(context.Background(), conf, writeScenario(t, passing), true /* dump */, &out); err != nil {
		t.Fatalf("runScenario: %v", err)
	}
	for _, want := range []string{"p[", "[stack]", "10000000"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("dump does not contain %q:\n%s", want, out.String())
		}
	}
	if !regexp.MustCompile(`(?m)^[0-9a-f]{8} p +10000000$`).MatchString(out.String()) {
		t.Errorf("dump does not list the frame of p at 0x10000000:\n%s", out.String())
	}

	if err := runScenario(context.Background(), conf, writeScenario(t, failing), false /* dump */, &out); err == nil {
		t.Errorf("runScenario of a failing scenario succeeded")
	}
	if err := runScenario(context.Background(), conf, filepath.Join(t.TempDir(), "missing.yaml"), false /* dump */, &out); err == nil {
		t.Errorf("runScenario of a missing file succeeded")
	}
}

func TestRunScenarioHostFile(t *testing.T) {
	conf := newConfig(t, "--frames=4")
	path := writeScenario(t, `
files:
  - {name: f, data: "hello", host: backing}
steps:
  - {op: spawn, name: p}
  - {op: open, proc: p, file: f, expect: {value: 2}}
  - {op: mmap, proc: p, addr: 0x10000000, length: 4096, writable: true, fd: 2}
  - {op: write, proc: p, addr: 0x10000000, data: "J"}
  - {op: munmap, proc: p, addr: 0x10000000}
`)
	if err := runScenario(context.Background(), conf, path, false /* dump */, io.Discard); err != nil {
		t.Fatalf("runScenario: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "backing"))
	if err != nil {
		t.Fatalf("host file next to the scenario: %v", err)
	}
	if got, want := string(data), "Jello"; got != want {
		t.Errorf("host file = %q, want %q", got, want)
	}
}

func TestRunExecute(t *testing.T) {
	conf := newConfig(t)
	pass := writeScenario(t, passing)
	fail := writeScenario(t, failing)
	for _, tc := range []struct {
		name string
		args []string
		want subcommands.ExitStatus
	}{
		{"no scenarios", nil, subcommands.ExitUsageError},
		{"pass", []string{pass}, subcommands.ExitSuccess},
		{"fail", []string{pass, fail}, subcommands.ExitFailure},
		{"keep going", []string{"-k", fail, pass}, subcommands.ExitFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &Run{}
			f := flag.NewFlagSet("run", flag.ContinueOnError)
			r.SetFlags(f)
			if err := f.Parse(tc.args); err != nil {
				t.Fatal(err)
			}
			if got := r.Execute(context.Background(), f, conf); got != tc.want {
				t.Errorf("Execute(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestStressExecute(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags []string
		want  subcommands.ExitStatus
	}{
		{"swap", []string{"--frames=4", "--swap=32"}, subcommands.ExitSuccess},
		{"no swap", []string{"--frames=4"}, subcommands.ExitFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &Stress{}
			f := flag.NewFlagSet("stress", flag.ContinueOnError)
			s.SetFlags(f)
			if err := f.Parse([]string{"-procs=2", "-pages=6", "-rounds=2"}); err != nil {
				t.Fatal(err)
			}
			if got := s.Execute(context.Background(), f, newConfig(t, tc.flags...)); got != tc.want {
				t.Errorf("Execute() = %v, want %v", got, tc.want)
			}
		})
	}
}
