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

// Package kmem holds the machine-wide memory state shared by every address
// space: physical memory and its frame allocator, the page table registry,
// the swap extension and the copy-on-write extension.
//
// Lock order:
//
//	Context.activeMu
//	  Context.swapMu
//	    pagetables.PageTable.mu
//
//	Context.cowMu
//	  pagetables.PageTable.mu
//
//	Context.frameMu
//
// cowMu is never held together with activeMu or swapMu, and frameMu is never
// held with any other lock. Nothing holds a lock while calling AllocFrame,
// since AllocFrame may need activeMu and swapMu to evict a page.
package kmem

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/cow"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/mm/frames_allocated", "Number of frames handed out, including frames reclaimed by eviction.")
	framesFreed     = metric.MustCreateNewUint64Metric("/mm/frames_freed", "Number of frames returned to the allocator.")
	evictions       = metric.MustCreateNewUint64Metric("/mm/evictions", "Number of frame allocations satisfied by swapping a page out.")
)

// Options configure a Context.
type Options struct {
	// Frames is the number of physical frames.
	Frames uint32

	// ReservedFrames frames starting at frame 0 are never handed out by the
	// allocator. They back direct mappings.
	ReservedFrames uint32

	// MemoryOffset is the physical address of frame 0.
	MemoryOffset pgalloc.PhysAddr

	// SwapPolicy names the page replacement policy.
	SwapPolicy string

	// Swapper names the swap store.
	Swapper string
}

// Context is the machine-wide memory state.
type Context struct {
	mem    *pgalloc.PhysicalMemory
	offset pgalloc.PhysAddr
	tables *pagetables.Registry

	// reserved is the number of frames, from frame 0, that are never
	// allocated.
	reserved uint32

	frameMu frameMutex

	// +checklocks:frameMu
	frames *pgalloc.Allocator

	// activeMu serializes use of the loaded page table.
	activeMu activeTableMutex

	swapMu swapMutex

	// +checklocks:swapMu
	swap *swap.Ext

	cowMu cowMutex

	// +checklocks:cowMu
	cow *cow.Ext
}

// New returns a Context with all unreserved frames free.
func New(opts Options) (*Context, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("no physical frames")
	}
	if opts.ReservedFrames >= opts.Frames {
		return nil, fmt.Errorf("%d reserved frames leave none of %d frames allocatable", opts.ReservedFrames, opts.Frames)
	}
	if opts.MemoryOffset%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory offset %#x is not page aligned", uint64(opts.MemoryOffset))
	}
	manager, err := swap.NewManager(opts.SwapPolicy)
	if err != nil {
		return nil, err
	}
	swapper, err := swap.NewSwapper(opts.Swapper)
	if err != nil {
		return nil, err
	}
	mem, err := pgalloc.NewPhysicalMemory(opts.Frames)
	if err != nil {
		return nil, err
	}

	c := &Context{
		mem:      mem,
		offset:   opts.MemoryOffset,
		tables:   pagetables.NewRegistry(),
		reserved: opts.ReservedFrames,
		frames:   pgalloc.NewAllocator(opts.Frames),
		cow:      cow.New(),
	}
	c.frames.Insert(pgalloc.Frame(opts.ReservedFrames), pgalloc.Frame(opts.Frames))
	c.swap = swap.NewExt(manager, swapper, c.tables, mem, opts.MemoryOffset)
	// Install the reference count store now that allocation works.
	c.cow.Init()

	log.Infof("Physical memory: %d frames at %v, %d reserved, swap policy %s, swapper %s",
		opts.Frames, opts.MemoryOffset, opts.ReservedFrames, opts.SwapPolicy, opts.Swapper)
	return c, nil
}

// Release frees physical memory. c must not be used afterwards.
func (c *Context) Release() error {
	return c.mem.Release()
}

// Tables returns the page table registry.
func (c *Context) Tables() *pagetables.Registry {
	return c.tables
}

// Memory returns physical memory.
func (c *Context) Memory() *pgalloc.PhysicalMemory {
	return c.mem
}

// Offset returns the physical address of frame 0.
func (c *Context) Offset() pgalloc.PhysAddr {
	return c.offset
}

// FrameOf returns the frame containing pa.
func (c *Context) FrameOf(pa pgalloc.PhysAddr) pgalloc.Frame {
	return pgalloc.FrameOf(pa, c.offset)
}

// Page returns the bytes of the frame containing pa.
func (c *Context) Page(pa pgalloc.PhysAddr) []byte {
	return c.mem.Page(c.FrameOf(pa))
}

// TryAllocFrame allocates a frame, evicting a swappable page if no frame is
// free.
//
// Preconditions: No lock in this package is held.
func (c *Context) TryAllocFrame() (pgalloc.Frame, error) {
	c.frameMu.Lock()
	f, ok := c.frames.Alloc()
	c.frameMu.Unlock()
	if ok {
		framesAllocated.Increment()
		log.Debugf("Allocate %v", f)
		return f, nil
	}

	// The active table is locked before the swap extension, as in every
	// other path that takes both.
	c.activeMu.Lock()
	c.swapMu.Lock()
	f, err := c.swap.SwapOutAny()
	c.swapMu.Unlock()
	c.activeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("out of physical memory: %w", err)
	}
	framesAllocated.Increment()
	evictions.Increment()
	log.Debugf("Allocate %v by eviction", f)
	return f, nil
}

// AllocFrame is TryAllocFrame, panicking on exhaustion. Callers have no way
// to continue without the frame.
//
// Preconditions: No lock in this package is held.
func (c *Context) AllocFrame() pgalloc.Frame {
	f, err := c.TryAllocFrame()
	if err != nil {
		panic(fmt.Sprintf("failed to allocate frame: %v", err))
	}
	return f
}

// DeallocFrame returns f to the allocator. f must no longer be referenced by
// any entry, the swap extension, or the copy-on-write extension.
//
// Preconditions: No lock in this package is held.
func (c *Context) DeallocFrame(f pgalloc.Frame) {
	c.cowMu.Lock()
	read, write := c.cow.Refs(f)
	c.cowMu.Unlock()
	if read != 0 || write != 0 {
		panic(fmt.Sprintf("dealloc of %v with %d read and %d write shared references", f, read, write))
	}
	if uint64(f) < uint64(c.reserved) {
		panic(fmt.Sprintf("dealloc of reserved %v", f))
	}

	log.Debugf("Deallocate %v", f)
	c.frameMu.Lock()
	c.frames.Dealloc(f)
	c.frameMu.Unlock()
	framesFreed.Increment()
}

// FreeFrames returns the number of free frames.
func (c *Context) FreeFrames() uint32 {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	return c.frames.Free()
}

// WithActive calls fn with the loaded page table, or nil if none is loaded,
// while holding the active table lock.
func (c *Context) WithActive(fn func(pt *pagetables.PageTable)) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	fn(c.tables.Active())
}

// Activate loads the table named by t.
func (c *Context) Activate(t pagetables.Token) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.tables.Activate(t)
}

// WithSwap calls fn with the swap extension while holding the active table
// and swap locks. fn must not allocate frames.
func (c *Context) WithSwap(fn func(x *swap.Ext)) {
	c.activeMu.Lock()
	c.swapMu.Lock()
	defer func() {
		c.swapMu.Unlock()
		c.activeMu.Unlock()
	}()
	fn(c.swap)
}

// WithCOW calls fn with the copy-on-write extension while holding its lock.
// fn must not allocate frames or take the swap lock.
func (c *Context) WithCOW(fn func(x *cow.Ext)) {
	c.cowMu.Lock()
	defer c.cowMu.Unlock()
	fn(c.cow)
}
