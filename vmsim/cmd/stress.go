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
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/lazyvm/pkg/metric"
	"gvisor.dev/lazyvm/vmsim/config"
	"gvisor.dev/lazyvm/vmsim/scenario"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	procs  int
	pages  int
	rounds int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent processes that touch more pages than there are frames"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs processes that repeatedly write and verify their pages.

Use the global --frames and --swap flags to size the machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 4, "number of concurrent processes.")
	f.IntVar(&s.pages, "pages", 32, "anonymous pages per process.")
	f.IntVar(&s.rounds, "rounds", 4, "passes over the pages per process.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := newKernel(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Release(ctx)

	start := time.Now()
	if err := scenario.Stress(ctx, k, scenario.StressOpts{
		Procs:  s.procs,
		Pages:  s.pages,
		Rounds: s.rounds,
	}); err != nil {
		fmt.Fprintf(os.Stdout, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	snap := metric.Snapshot()
	fmt.Fprintf(os.Stdout, "PASS: %d procs, %d pages, %d rounds on %d frames in %v\n", s.procs, s.pages, s.rounds, conf.Frames, time.Since(start))
	fmt.Fprintf(os.Stdout, "page faults: %d, evictions: %d, swap outs: %d, swap ins: %d\n",
		snap["mm_page_faults"], snap["mm_evictions"], snap["mm_swap_outs"], snap["mm_swap_ins"])
	return subcommands.ExitSuccess
}
