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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/lazyvm/vmsim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// dump prints the address space of every live process at the end of each
	// scenario.
	dump bool

	// keepGoing runs the remaining scenarios after one fails.
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files and check their expectations"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - runs each scenario on a fresh machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dump, "dump", false, "print the address space of every live process after each scenario.")
	f.BoolVar(&r.keepGoing, "k", false, "keep running scenarios after a failure.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		if err := runScenario(ctx, conf, path, r.dump, os.Stdout); err != nil {
			fmt.Fprintf(os.Stdout, "FAIL %s: %v\n", path, err)
			status = subcommands.ExitFailure
			if !r.keepGoing {
				break
			}
			continue
		}
		fmt.Fprintf(os.Stdout, "PASS %s\n", path)
	}
	return status
}
