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

package kernel

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// PID identifies a process.
type PID int32

// Process is a program running in its own address space.
//
// A process is driven by one goroutine at a time.
type Process struct {
	k *Kernel

	// pid, ppid, entry and ms are immutable.
	pid   PID
	ppid  PID
	entry hostarch.Addr
	ms    *mm.MemorySet

	// sp is the stack pointer.
	sp hostarch.Addr
}

func (k *Kernel) newProcess(ms *mm.MemorySet, entry, sp hostarch.Addr, ppid PID) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{
		k:     k,
		pid:   k.nextPID,
		ppid:  ppid,
		entry: entry,
		ms:    ms,
		sp:    sp,
	}
	k.nextPID++
	k.procs[p.pid] = p
	return p
}

// PID returns the process ID of p.
func (p *Process) PID() PID {
	return p.pid
}

// Parent returns the process ID of p's parent, or 0.
func (p *Process) Parent() PID {
	return p.ppid
}

// MemorySet returns the address space of p.
func (p *Process) MemorySet() *mm.MemorySet {
	return p.ms
}

// Entry returns the program entry point.
func (p *Process) Entry() hostarch.Addr {
	return p.entry
}

// StackPointer returns the stack pointer of p.
func (p *Process) StackPointer() hostarch.Addr {
	return p.sp
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

// Fork returns a child of p with a copy of p's address space.
//
// Preconditions: No kmem lock is held.
func (p *Process) Fork() *Process {
	c := p.k.newProcess(p.ms.Clone(), p.entry, p.sp, p.pid)
	log.Infof("[%d] fork: child %d, token %d", p.pid, c.pid, c.ms.Token())
	return c
}

// Exit stops p on every CPU and releases its address space. p must not be
// used afterwards.
//
// Preconditions: No kmem lock is held.
func (p *Process) Exit() {
	k := p.k
	k.mu.Lock()
	if _, ok := k.procs[p.pid]; !ok {
		k.mu.Unlock()
		panic(fmt.Sprintf("exit of exited process %d", p.pid))
	}
	delete(k.procs, p.pid)
	for cpu, cur := range k.current {
		if cur == p {
			k.current[cpu] = nil
		}
	}
	// Tables are only loaded by Switch, which holds k.mu.
	var loaded bool
	k.mem.WithActive(func(pt *pagetables.PageTable) {
		loaded = pt != nil && pt.Token() == p.ms.Token()
	})
	if loaded {
		k.mem.Activate(0)
	}
	k.mu.Unlock()

	p.ms.Release()
	log.Infof("[%d] exit", p.pid)
}

// Read copies from p's memory at addr into dst as a user access would,
// faulting pages in as needed.
func (p *Process) Read(addr hostarch.Addr, dst []byte) (int, error) {
	return p.ms.CopyIn(addr, dst, mm.IOOpts{})
}

// Write copies src to p's memory at addr as a user access would, faulting
// pages in and breaking copy-on-write sharing as needed.
func (p *Process) Write(addr hostarch.Addr, src []byte) (int, error) {
	return p.ms.CopyOut(addr, src, mm.IOOpts{})
}

// Push pushes b onto p's stack and returns the new stack pointer. On error
// the stack pointer is unchanged.
func (p *Process) Push(b []byte) (hostarch.Addr, error) {
	sp := p.sp - hostarch.Addr(len(b))
	if _, err := p.Write(sp, b); err != nil {
		return p.sp, err
	}
	p.sp = sp
	return sp, nil
}
