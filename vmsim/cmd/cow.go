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

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmsim/config"
)

// COW implements subcommands.Command for the "cow" command.
type COW struct {
	children int
}

// Name implements subcommands.Command.Name.
func (*COW) Name() string {
	return "cow"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*COW) Synopsis() string {
	return "fork a process and check copy-on-write isolation"
}

// Usage implements subcommands.Command.Usage.
func (*COW) Usage() string {
	return `cow [-children=N] - runs the built-in program, forks N children that each
write their PID into the data segment, and checks that no process sees
another's write.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *COW) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.children, "children", 3, "number of children to fork.")
}

// Execute implements subcommands.Command.Execute.
func (c *COW) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if c.children < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, release, err := newKernel(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	defer release()

	copies, upgrades := counter("/mm/cow_copies"), counter("/mm/cow_upgrades")
	if err := forkAndWrite(k, c.children); err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("children %d copies %d upgrades %d free frames %d\n", c.children,
		counter("/mm/cow_copies")-copies, counter("/mm/cow_upgrades")-upgrades, k.Memory().FreeFrames())

	if err := writeMetrics(conf, os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// forkAndWrite runs the built-in program, forks n children of it, has every
// process write its PID to the data segment, checks each sees only its own
// write, and exits them all.
func forkAndWrite(k *kernel.Kernel, n int) error {
	parent, err := k.Exec(builtinProgram(), []string{"cow"})
	if err != nil {
		return err
	}
	procs := []*kernel.Process{parent}
	defer func() {
		for _, p := range procs {
			p.Exit()
		}
	}()
	for i := 0; i < n; i++ {
		procs = append(procs, parent.Fork())
	}

	for _, p := range procs {
		if _, err := p.Write(dataAddr, pidBytes(p)); err != nil {
			return fmt.Errorf("%v: writing data: %w", p, err)
		}
	}
	for _, p := range procs {
		if err := checkPID(p); err != nil {
			return err
		}
	}
	return nil
}

func pidBytes(p *kernel.Process) []byte {
	return []byte(fmt.Sprintf("pid=%08d", p.PID()))
}

// checkPID checks that p's data segment holds its own PID.
func checkPID(p *kernel.Process) error {
	want := pidBytes(p)
	got := make([]byte, len(want))
	if _, err := p.Read(dataAddr, got); err != nil {
		return fmt.Errorf("%v: reading data: %w", p, err)
	}
	if string(got) != string(want) {
		return fmt.Errorf("%v: data segment holds %q, want %q", p, got, want)
	}
	return nil
}
