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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/kernel"
	"gvisor.dev/lazyvm/vmsim/config"
	"gvisor.dev/lazyvm/vmsim/scenario"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vmsim: "+format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// newKernel returns a Kernel configured by conf.
func newKernel(conf *config.Config) (*kernel.Kernel, error) {
	k := &kernel.Kernel{}
	if err := k.Init(conf.KernelArgs()); err != nil {
		return nil, fmt.Errorf("initializing kernel: %w", err)
	}
	return k, nil
}

// runScenario runs the scenario at path on a new Kernel configured by conf.
// Dumps and, if dump is set, the final address spaces of live processes and
// the frames in use are written to out.
func runScenario(ctx context.Context, conf *config.Config, path string, dump bool, out io.Writer) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	k, err := newKernel(conf)
	if err != nil {
		return err
	}
	defer k.Release(ctx)

	if err := scenario.NewRunner(k, out).Run(ctx, s); err != nil {
		return err
	}
	if dump {
		for _, t := range k.Tasks() {
			fmt.Fprintf(out, "%v:\n", t)
			if err := t.MemoryManager().Dump(out); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "frames in use:\n")
		if err := k.FrameTable().Dump(out); err != nil {
			return err
		}
	}
	return nil
}
