// Copyright 2024 The gVisor Authors.
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
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmsim/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	children   int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run fork, write and swap workloads on every CPU concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-iterations=N] [-children=N] - runs one workload per --cpus CPU.
Each iteration forks children that write their data segments and fills a
process's stack, checking all contents, then exits everything. At the end
every frame must be free again.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 10, "iterations per CPU.")
	f.IntVar(&s.children, "children", 2, "children forked per iteration.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.iterations <= 0 || s.children < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, release, err := newKernel(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	defer release()

	start := time.Now()
	if err := stress(ctx, k, s.iterations, s.children); err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("cpus %d iterations %d elapsed %v free frames %d\n", k.CPUs(), s.iterations, time.Since(start), k.Memory().FreeFrames())

	if err := writeMetrics(conf, os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// stress runs iterations of the cow and swap workloads on every CPU of k at
// once and checks that no frame leaked.
func stress(ctx context.Context, k *kernel.Kernel, iterations, children int) error {
	free := k.Memory().FreeFrames()
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < k.CPUs(); cpu++ {
		cpu := cpu
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := forkAndWrite(k, children); err != nil {
					return fmt.Errorf("CPU %d iteration %d: %w", cpu, i, err)
				}
				if err := fillAndCheck(k, cpu, 1, 1); err != nil {
					return fmt.Errorf("CPU %d iteration %d: %w", cpu, i, err)
				}
			}
			log.Debugf("CPU %d: done %d iterations", cpu, iterations)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := k.Processes(); n != 0 {
		return fmt.Errorf("%d processes left", n)
	}
	if got := k.Memory().FreeFrames(); got != free {
		return fmt.Errorf("%d frames free after stress, want %d", got, free)
	}
	return nil
}
