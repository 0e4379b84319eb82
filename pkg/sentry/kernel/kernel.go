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

// Package kernel runs processes on the memory core: it creates them from
// executables, forks and reaps them, tracks the process current on each CPU,
// and routes page faults to the current address space.
//
// Lock order:
//
//	Kernel.mu
//	  kmem locks
package kernel

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/loader"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// Kernel is the set of processes sharing one machine.
type Kernel struct {
	// mem is immutable.
	mem *kmem.Context

	mu kernelMutex

	// +checklocks:mu
	nextPID PID

	// +checklocks:mu
	procs map[PID]*Process

	// current is the process running on each CPU, or nil. Its length is
	// immutable.
	//
	// +checklocks:mu
	current []*Process
}

// New returns a Kernel with cpus CPUs running nothing.
func New(mem *kmem.Context, cpus int) (*Kernel, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("invalid number of CPUs %d", cpus)
	}
	return &Kernel{
		mem:     mem,
		nextPID: 1,
		procs:   make(map[PID]*Process),
		current: make([]*Process, cpus),
	}, nil
}

// Memory returns the machine memory.
func (k *Kernel) Memory() *kmem.Context {
	return k.mem
}

// CPUs returns the number of CPUs.
func (k *Kernel) CPUs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.current)
}

// Exec creates a process from the executable in data. Its address space also
// holds the kernel regions.
//
// Preconditions: No kmem lock is held.
func (k *Kernel) Exec(data []byte, argv []string) (*Process, error) {
	img, err := loader.Load(k.mem, data, argv)
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", argv, err)
	}
	if err := mapKernel(k.mem, img.MemorySet); err != nil {
		img.MemorySet.Release()
		return nil, fmt.Errorf("exec %q: %w", argv, err)
	}
	p := k.newProcess(img.MemorySet, img.Entry, img.StackPointer, 0)
	log.Infof("[%d] exec %q, entry %v", p.pid, argv, p.entry)
	return p, nil
}

// Processes returns the number of live processes.
func (k *Kernel) Processes() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// Process returns the live process with the given PID.
func (k *Kernel) Process(pid PID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// +checklocks:k.mu
func (k *Kernel) checkCPU(cpu int) {
	if cpu < 0 || cpu >= len(k.current) {
		panic(fmt.Sprintf("CPU %d out of range [0, %d)", cpu, len(k.current)))
	}
}

// Switch makes p the current process on cpu and loads its page table. p may
// be nil to idle the CPU.
func (k *Kernel) Switch(cpu int, p *Process) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.checkCPU(cpu)
	if p == nil {
		k.current[cpu] = nil
		return nil
	}
	if _, ok := k.procs[p.pid]; !ok {
		return fmt.Errorf("switch to exited process %d", p.pid)
	}
	k.current[cpu] = p
	k.mem.Activate(p.ms.Token())
	return nil
}

// Current returns the process running on cpu, or nil.
func (k *Kernel) Current(cpu int) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.checkCPU(cpu)
	return k.current[cpu]
}

// PageFault handles a fault taken on cpu by an access of type at to addr. It
// returns true if the access may be retried.
//
// Preconditions: No kmem lock is held.
func (k *Kernel) PageFault(cpu int, addr hostarch.Addr, at hostarch.AccessType) bool {
	p := k.Current(cpu)
	if p == nil {
		log.Warningf("CPU %d: %v fault at %v with no current process", cpu, at, addr)
		return false
	}
	return p.ms.HandleFault(addr, at)
}

// Tick delivers a timer tick to the page replacement policy.
//
// Preconditions: No kmem lock is held.
func (k *Kernel) Tick() {
	k.mem.WithSwap(func(x *swap.Ext) {
		x.Tick()
	})
}
