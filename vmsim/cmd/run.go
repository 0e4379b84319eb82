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
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmsim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	touch bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "load an executable and print its address space"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [<elf file> [args...]] - loads the executable, or a built-in
program if none is given, touches its writable pages and prints its regions.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.touch, "touch", true, "write every page of every writable region before printing.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	var path string
	argv := []string{"builtin"}
	if f.NArg() > 0 {
		path = f.Arg(0)
		argv = f.Args()
	}
	data, err := readProgram(path)
	if err != nil {
		Fatalf("%v", err)
	}

	k, release, err := newKernel(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	defer release()

	p, err := k.Exec(data, argv)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := k.Switch(0, p); err != nil {
		Fatalf("%v", err)
	}
	if r.touch {
		if err := touchWritable(p); err != nil {
			Fatalf("%v", err)
		}
	}
	fmt.Printf("pid %d entry %v sp %v\n", p.PID(), p.Entry(), p.StackPointer())
	fmt.Print(p.MemorySet())
	fmt.Printf("free frames %d\n", k.Memory().FreeFrames())
	p.Exit()

	if err := writeMetrics(conf, os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// touchWritable writes a byte at the start of every page of every writable
// user region of p, faulting in delayed pages.
func touchWritable(p *kernel.Process) error {
	for _, a := range p.MemorySet().Areas() {
		if attr := a.Handler().Attr(); attr.ReadOnly || !attr.User {
			continue
		}
		var err error
		a.Range().ForEachPage(func(page hostarch.Addr) {
			if err != nil {
				return
			}
			buf := []byte{0}
			if _, err = p.Read(page, buf); err != nil {
				return
			}
			_, err = p.Write(page, buf)
		})
		if err != nil {
			return fmt.Errorf("touching %v: %w", a, err)
		}
	}
	return nil
}
