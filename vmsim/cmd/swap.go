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
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/loader"
	"gvisor.dev/vmcore/vmsim/config"
)

// Swap implements subcommands.Command for the "swap" command.
type Swap struct {
	procs  int
	rounds int
}

// Name implements subcommands.Command.Name.
func (*Swap) Name() string {
	return "swap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Swap) Synopsis() string {
	return "overcommit memory with stack pages and check they survive swapping"
}

// Usage implements subcommands.Command.Usage.
func (*Swap) Usage() string {
	return `swap [-procs=N] [-rounds=N] - runs N copies of the built-in program, fills
every stack page below the top of each, then reads them all back. Use a small
--frames to force eviction.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Swap) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 2, "number of processes.")
	f.IntVar(&s.rounds, "rounds", 2, "number of times every page is read back.")
}

// Execute implements subcommands.Command.Execute.
func (s *Swap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.procs <= 0 || s.rounds <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, release, err := newKernel(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	defer release()

	outs, ins := counter("/mm/swap_outs"), counter("/mm/swap_ins")
	if err := fillAndCheck(k, 0, s.procs, s.rounds); err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("procs %d swap outs %d swap ins %d free frames %d\n", s.procs,
		counter("/mm/swap_outs")-outs, counter("/mm/swap_ins")-ins, k.Memory().FreeFrames())

	if err := writeMetrics(conf, os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// stackPages returns the addresses of the stack pages below the top one,
// which holds argv.
func stackPages() []hostarch.Addr {
	var pages []hostarch.Addr
	for page := loader.StackBase; page < loader.StackTop-hostarch.PageSize; page += hostarch.PageSize {
		pages = append(pages, page)
	}
	return pages
}

// stamp returns the bytes written to page of p.
func stamp(p *kernel.Process, page hostarch.Addr) []byte {
	return binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(nil, uint64(p.PID())), uint64(page))
}

// fillAndCheck runs n copies of the built-in program on cpu, writes a stamp
// to each of their stack pages, and reads every stamp back rounds times,
// ticking the swap policy after every access.
func fillAndCheck(k *kernel.Kernel, cpu, n, rounds int) error {
	var procs []*kernel.Process
	defer func() {
		for _, p := range procs {
			p.Exit()
		}
	}()
	for i := 0; i < n; i++ {
		p, err := k.Exec(builtinProgram(), []string{"swap"})
		if err != nil {
			return err
		}
		procs = append(procs, p)
	}

	for _, p := range procs {
		if err := k.Switch(cpu, p); err != nil {
			return err
		}
		for _, page := range stackPages() {
			if _, err := p.Write(page, stamp(p, page)); err != nil {
				return fmt.Errorf("%v: writing %v: %w", p, page, err)
			}
			k.Tick()
		}
	}
	for r := 0; r < rounds; r++ {
		for _, p := range procs {
			if err := k.Switch(cpu, p); err != nil {
				return err
			}
			for _, page := range stackPages() {
				want := stamp(p, page)
				got := make([]byte, len(want))
				if _, err := p.Read(page, got); err != nil {
					return fmt.Errorf("%v: reading %v: %w", p, page, err)
				}
				if string(got) != string(want) {
					return fmt.Errorf("%v: page %v holds %x, want %x", p, page, got, want)
				}
				k.Tick()
			}
		}
	}
	return k.Switch(cpu, nil)
}
