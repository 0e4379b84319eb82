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
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Kernel half of every address space. Neither region is user accessible.
const (
	// PhysMapBase is where all of physical memory is mapped.
	PhysMapBase hostarch.Addr = 0xffff800000000000

	// KernelStackBase is the lowest address of a process's kernel stack.
	KernelStackBase hostarch.Addr = 0xffffff8000000000

	// KernelStackSize is the size of a process's kernel stack.
	KernelStackSize = hostarch.PageSize
)

// PhysToVirt returns the kernel virtual address of pa.
//
// Precondition: pa is in physical memory.
func PhysToVirt(mem *kmem.Context, pa pgalloc.PhysAddr) hostarch.Addr {
	return PhysMapBase + hostarch.Addr(pa-mem.Offset())
}

// mapKernel adds the kernel regions to ms: a direct map of physical memory
// and a kernel stack backed when mapped.
//
// Preconditions: No kmem lock is held.
func mapKernel(mem *kmem.Context, ms *mm.MemorySet) error {
	size := uint64(mem.Memory().Frames()) * hostarch.PageSize
	end, ok := PhysMapBase.AddLength(size)
	if !ok || end > KernelStackBase {
		return fmt.Errorf("%d bytes of physical memory do not fit below the kernel stack", size)
	}
	for _, a := range []*mm.Area{
		mm.NewArea(PhysMapBase, end, mm.NewDirectHandler(PhysMapBase, mem.Offset(), pagetables.Attr{}), "physmem"),
		mm.NewArea(KernelStackBase, KernelStackBase+KernelStackSize, mm.NewEagerHandler(pagetables.Attr{}), "kstack"),
	} {
		if err := ms.Push(a); err != nil {
			return fmt.Errorf("mapping %s: %w", a.Name(), err)
		}
	}
	return nil
}
