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
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/lazyvm/pkg/metric"
	"gvisor.dev/lazyvm/vmsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run scenarios and print metric data in Prometheus metric format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [<scenario.yaml>...] - runs the scenarios, then prints the counters they accumulated.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		if err := runScenario(ctx, conf, path, false /* dump */, io.Discard); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			status = subcommands.ExitFailure
		}
	}
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return status
}
