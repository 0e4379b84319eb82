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
	"debug/elf"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/loader"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

const dataAddr = 0x401000

var program = loader.BuildELF(0x400000, []loader.Segment{
	{Vaddr: 0x400000, Flags: elf.PF_R | elf.PF_X, Data: []byte{0xf4}},
	{Vaddr: dataAddr, Flags: elf.PF_R | elf.PF_W, Data: []byte("counter=0")},
})

func newTestKernel(t *testing.T, frames uint32, cpus int) *Kernel {
	t.Helper()
	mem, err := kmem.New(kmem.Options{
		Frames:       frames,
		MemoryOffset: 0x80000000,
		SwapPolicy:   "fifo",
		Swapper:      "mock",
	})
	if err != nil {
		t.Fatalf("kmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	k, err := New(mem, cpus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func mustExec(t *testing.T, k *Kernel) *Process {
	t.Helper()
	p, err := k.Exec(program, []string{"counter"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	return p
}

func read(t *testing.T, p *Process, addr hostarch.Addr, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if _, err := p.Read(addr, buf); err != nil {
		t.Fatalf("%v: Read(%v): %v", p, addr, err)
	}
	return string(buf)
}

func TestNewInvalidCPUs(t *testing.T) {
	mem, err := kmem.New(kmem.Options{Frames: 1, SwapPolicy: "fifo", Swapper: "mock"})
	if err != nil {
		t.Fatalf("kmem.New: %v", err)
	}
	defer mem.Release()
	if _, err := New(mem, 0); err == nil {
		t.Errorf("New with 0 CPUs succeeded")
	}
}

func TestForkIsolation(t *testing.T) {
	k := newTestKernel(t, 16, 1)
	parent := mustExec(t, k)
	child := parent.Fork()

	if child.Parent() != parent.PID() || child.PID() == parent.PID() {
		t.Errorf("child %d of %d has parent %d", child.PID(), parent.PID(), child.Parent())
	}
	if child.Entry() != parent.Entry() || child.StackPointer() != parent.StackPointer() {
		t.Errorf("child registers differ from parent")
	}

	if _, err := child.Write(dataAddr, []byte("counter=1")); err != nil {
		t.Fatalf("child Write: %v", err)
	}
	if got := read(t, parent, dataAddr, 9); got != "counter=0" {
		t.Errorf("parent sees %q after child write", got)
	}
	if got := read(t, child, dataAddr, 9); got != "counter=1" {
		t.Errorf("child sees %q", got)
	}

	// The child's stack was copied at fork.
	if got, want := read(t, child, child.StackPointer()+16, 8), "counter\x00"; got != want {
		t.Errorf("child argv[0]: got %q want %q", got, want)
	}

	if k.Processes() != 2 {
		t.Errorf("Processes(): got %d want 2", k.Processes())
	}
	free := k.Memory().FreeFrames()
	child.Exit()
	if k.Memory().FreeFrames() <= free {
		t.Errorf("child exit freed no frames")
	}
	parent.Exit()
	if got := k.Memory().FreeFrames(); got != 16 {
		t.Errorf("FreeFrames() after exit: got %d want 16", got)
	}
	if k.Processes() != 0 || k.Memory().Tables().Len() != 0 {
		t.Errorf("%d processes and %d tables left", k.Processes(), k.Memory().Tables().Len())
	}
}

func TestSwitchAndPageFault(t *testing.T) {
	k := newTestKernel(t, 16, 2)
	p := mustExec(t, k)

	if k.PageFault(0, dataAddr, hostarch.Write) {
		t.Errorf("fault on idle CPU resolved")
	}
	if err := k.Switch(0, p); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if k.Current(0) != p || k.Current(1) != nil {
		t.Errorf("Current: got (%v, %v) want (%v, nil)", k.Current(0), k.Current(1), p)
	}
	var active pagetables.Token
	k.Memory().WithActive(func(pt *pagetables.PageTable) { active = pt.Token() })
	if active != p.MemorySet().Token() {
		t.Errorf("active token: got %d want %d", active, p.MemorySet().Token())
	}

	// The page below the stack pointer is delayed until first touched.
	if !k.PageFault(0, loader.StackBase, hostarch.Write) {
		t.Errorf("fault on delayed stack page not resolved")
	}
	if k.PageFault(0, 0x10, hostarch.Read) {
		t.Errorf("fault on unmapped address resolved")
	}
	if k.PageFault(1, loader.StackBase, hostarch.Write) {
		t.Errorf("fault on idle CPU 1 resolved")
	}

	p.Exit()
	if k.Current(0) != nil {
		t.Errorf("exited process still current")
	}
	k.Memory().WithActive(func(pt *pagetables.PageTable) {
		if pt != nil {
			t.Errorf("exited process table still loaded")
		}
	})
	if err := k.Switch(0, p); err == nil {
		t.Errorf("Switch to exited process succeeded")
	}
}

func TestCOWAcrossGenerations(t *testing.T) {
	k := newTestKernel(t, 32, 1)
	p := mustExec(t, k)
	gen := []*Process{p}
	for i := 0; i < 3; i++ {
		gen = append(gen, gen[len(gen)-1].Fork())
	}
	for i, q := range gen {
		if _, err := q.Write(dataAddr+8, []byte{byte('0' + i)}); err != nil {
			t.Fatalf("%v: Write: %v", q, err)
		}
	}
	var got []string
	for _, q := range gen {
		got = append(got, read(t, q, dataAddr, 9))
	}
	want := []string{"counter=0", "counter=1", "counter=2", "counter=3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	for _, q := range gen {
		q.Exit()
	}
	if got := k.Memory().FreeFrames(); got != 32 {
		t.Errorf("FreeFrames() after exit: got %d want 32", got)
	}
}

// TestSwapUnderPressure runs more stack pages than fit in memory across two
// processes.
func TestSwapUnderPressure(t *testing.T) {
	// Each process has text, data, its kernel stack and the top stack page
	// resident.
	k := newTestKernel(t, 8, 1)
	a := mustExec(t, k)
	b := mustExec(t, k)
	if err := k.Switch(0, a); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	stackPages := int(loader.StackSize / hostarch.PageSize)
	for _, p := range []*Process{a, b} {
		for i := 0; i < stackPages; i++ {
			addr := loader.StackBase + hostarch.Addr(i*hostarch.PageSize)
			if _, err := p.Write(addr, []byte{byte(p.PID()), byte(i)}); err != nil {
				t.Fatalf("%v: Write(%v): %v", p, addr, err)
			}
			k.Tick()
		}
	}
	for _, p := range []*Process{a, b} {
		for i := 0; i < stackPages; i++ {
			addr := loader.StackBase + hostarch.Addr(i*hostarch.PageSize)
			if got, want := read(t, p, addr, 2), string([]byte{byte(p.PID()), byte(i)}); got != want {
				t.Errorf("%v: page %d: got %q want %q", p, i, got, want)
			}
		}
	}
	a.Exit()
	b.Exit()
	if got := k.Memory().FreeFrames(); got != 8 {
		t.Errorf("FreeFrames() after exit: got %d want 8", got)
	}
}

func TestPush(t *testing.T) {
	k := newTestKernel(t, 16, 1)
	p := mustExec(t, k)
	defer p.Exit()
	sp := p.StackPointer()
	got, err := p.Push([]byte("frame"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got != sp-5 || p.StackPointer() != got {
		t.Errorf("Push: got sp %v, StackPointer %v, want %v", got, p.StackPointer(), sp-5)
	}
	if s := read(t, p, got, 5); s != "frame" {
		t.Errorf("pushed bytes: got %q", s)
	}

	// Past the bottom of the stack.
	if _, err := p.Push(make([]byte, loader.StackSize)); err == nil {
		t.Errorf("Push past stack base succeeded")
	}
	if p.StackPointer() != got {
		t.Errorf("failed Push moved sp to %v", p.StackPointer())
	}
}

func TestKernelRegions(t *testing.T) {
	k := newTestKernel(t, 16, 1)
	p := mustExec(t, k)
	ms := p.MemorySet()

	kinds := make(map[string]string)
	for _, a := range ms.Areas() {
		kinds[a.Name()] = a.Handler().Kind().String()
	}
	if kinds["physmem"] != "direct" || kinds["kstack"] != "eager" {
		t.Errorf("kernel regions: got %v want physmem direct and kstack eager", kinds)
	}

	// The kernel sees the data page through the physical map. The process
	// does not.
	e, ok := ms.PageTable().Lookup(dataAddr)
	if !ok {
		t.Fatalf("no entry for %#x", dataAddr)
	}
	phys := PhysToVirt(k.Memory(), e.Target)
	buf := make([]byte, 9)
	if _, err := ms.CopyIn(phys, buf, mm.IOOpts{IgnorePermissions: true}); err != nil || string(buf) != "counter=0" {
		t.Errorf("kernel read of %v: got (%q, %v) want counter=0", phys, buf, err)
	}
	if _, err := p.Read(phys, buf); err != unix.EFAULT {
		t.Errorf("user read of physical map: got %v want %v", err, unix.EFAULT)
	}
	if _, err := p.Write(KernelStackBase, []byte{1}); err != unix.EFAULT {
		t.Errorf("user write of kernel stack: got %v want %v", err, unix.EFAULT)
	}

	// Kernel stacks are private and copied at fork.
	kernelWrite := mm.IOOpts{IgnorePermissions: true}
	if _, err := ms.CopyOut(KernelStackBase, []byte("parent"), kernelWrite); err != nil {
		t.Fatalf("kernel stack write: %v", err)
	}
	child := p.Fork()
	if _, err := child.MemorySet().CopyOut(KernelStackBase, []byte("child!"), kernelWrite); err != nil {
		t.Fatalf("child kernel stack write: %v", err)
	}
	got := make([]byte, 6)
	if _, err := ms.CopyIn(KernelStackBase, got, kernelWrite); err != nil || string(got) != "parent" {
		t.Errorf("parent kernel stack: got (%q, %v) want parent", got, err)
	}

	child.Exit()
	p.Exit()
	if got := k.Memory().FreeFrames(); got != 16 {
		t.Errorf("FreeFrames() after exit: got %d want 16", got)
	}
}
