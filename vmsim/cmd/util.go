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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/loader"
	"gvisor.dev/vmcore/vmsim/config"
)

// Layout of the built-in program.
const (
	textAddr hostarch.Addr = 0x400000
	dataAddr hostarch.Addr = 0x401000
	bssAddr  hostarch.Addr = 0x402000
	bssSize                = 4 * hostarch.PageSize
)

// builtinProgram returns the executable run when no file is given: a text
// page, a data page and four bss pages.
func builtinProgram() []byte {
	data := []byte("vmsim data segment\x00")
	return loader.BuildELF(textAddr, []loader.Segment{
		{Vaddr: textAddr, Flags: elf.PF_R | elf.PF_X, Data: []byte{0xf4}},
		{Vaddr: dataAddr, Flags: elf.PF_R | elf.PF_W, Data: data, Memsz: uint64(bssAddr-dataAddr) + bssSize},
	})
}

// readProgram returns the executable at path, or the built-in program if
// path is empty.
func readProgram(path string) ([]byte, error) {
	if path == "" {
		return builtinProgram(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading executable: %w", err)
	}
	return data, nil
}

// newKernel returns a kernel on a new machine configured by conf. The
// returned function releases the machine.
func newKernel(conf *config.Config) (*kernel.Kernel, func(), error) {
	mem, err := kmem.New(conf.MemoryOptions())
	if err != nil {
		return nil, nil, err
	}
	k, err := kernel.New(mem, conf.CPUs)
	if err != nil {
		mem.Release()
		return nil, nil, err
	}
	release := func() {
		if err := mem.Release(); err != nil {
			log.Warningf("Releasing physical memory: %v", err)
		}
	}
	return k, release, nil
}

// writeMetrics writes all metrics to w if requested by conf.
func writeMetrics(conf *config.Config, w io.Writer) error {
	if !conf.Metrics {
		return nil
	}
	return metric.WritePrometheus(w)
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", s)
	fmt.Fprintln(os.Stderr, "vmsim: "+s)
	os.Exit(128)
}

// counter returns the sum over all fields of the metric with the given name.
func counter(name string) uint64 {
	var v uint64
	for _, s := range metric.Values() {
		if s.Name == name {
			v += s.Value
		}
	}
	return v
}
