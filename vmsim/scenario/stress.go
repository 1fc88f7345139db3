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
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/kernel"
)

// stressBase is the address of the anonymous region of each stress process.
const stressBase hostarch.Addr = 0x10000000

// StressOpts configures Stress.
type StressOpts struct {
	// Procs is the number of concurrent processes.
	Procs int

	// Pages is the number of anonymous pages each process touches.
	Pages int

	// Rounds is the number of passes each process makes over its pages.
	Rounds int
}

// Stress runs opts.Procs processes concurrently on k. Each writes every one
// of its pages on every round and then verifies all of them, so a small
// frame pool forces frames to be evicted and reloaded. The Kernel needs swap
// for anonymous pages to be evictable.
func Stress(ctx context.Context, k *kernel.Kernel, opts StressOpts) error {
	if opts.Procs <= 0 || opts.Pages <= 0 || opts.Rounds <= 0 {
		return fmt.Errorf("invalid stress options %+v", opts)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Procs; i++ {
		t, err := k.CreateProcess(ctx, kernel.CreateProcessArgs{
			Argv: []string{fmt.Sprintf("stress-%d", i)},
		})
		if err != nil {
			g.Wait()
			return err
		}
		g.Go(func() error {
			defer t.Exit(ctx, 0)
			return stressTask(gctx, t, opts)
		})
	}
	return g.Wait()
}

func stressTask(ctx context.Context, t *kernel.Task, opts StressOpts) error {
	if err := t.MapAnon(ctx, stressBase, uint64(opts.Pages)*hostarch.PageSize, true); err != nil {
		return fmt.Errorf("%v: %w", t, err)
	}
	for round := 0; round < opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < opts.Pages; i++ {
			if err := t.Store(ctx, stressAddr(i), stressStamp(t, round, i)); err != nil {
				return fmt.Errorf("%v: round %d: writing page %d: %w", t, round, i, err)
			}
		}
		for i := 0; i < opts.Pages; i++ {
			want := stressStamp(t, round, i)
			got, err := t.Load(ctx, stressAddr(i), len(want))
			if err != nil {
				return fmt.Errorf("%v: round %d: reading page %d: %w", t, round, i, err)
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("%v: round %d: page %d holds %x, want %x", t, round, i, got, want)
			}
		}
		log.Debugf("%v: round %d verified", t, round)
	}
	return nil
}

func stressAddr(i int) hostarch.Addr {
	return stressBase + hostarch.Addr(i)*hostarch.PageSize
}

// stressStamp returns the bytes written to page i of t in the given round.
func stressStamp(t *kernel.Task, round, i int) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], uint64(t.ThreadID()))
	binary.LittleEndian.PutUint64(b[8:], uint64(round))
	binary.LittleEndian.PutUint64(b[16:], uint64(i))
	return b
}
