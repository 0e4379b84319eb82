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

package swap

import (
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// ErrNoSwappable is returned by SwapOutAny when no page can be evicted.
var ErrNoSwappable = errors.New("no swappable page")

var (
	swapOuts = metric.MustCreateNewUint64Metric("/mm/swap_outs", "Number of pages written to the swap store.")
	swapIns  = metric.MustCreateNewUint64Metric("/mm/swap_ins", "Number of pages read back from the swap store.")
)

// Ext combines a Manager and a Swapper to move pages of any registered page
// table between frames and the swap store.
//
// Ext is not synchronized. The caller serializes all use, and every change
// to the presence of a swappable page goes through Ext, so an entry seen by
// Ext cannot change state underneath it.
type Ext struct {
	manager Manager
	swapper Swapper
	tables  *pagetables.Registry
	mem     *pgalloc.PhysicalMemory
	offset  pgalloc.PhysAddr
}

// NewExt returns an Ext over tables whose frames live in mem, frame 0 being
// at physical address offset.
func NewExt(m Manager, s Swapper, tables *pagetables.Registry, mem *pgalloc.PhysicalMemory, offset pgalloc.PhysAddr) *Ext {
	return &Ext{
		manager: m,
		swapper: s,
		tables:  tables,
		mem:     mem,
		offset:  offset,
	}
}

// Manager returns the replacement policy.
func (x *Ext) Manager() Manager {
	return x.manager
}

// Swapper returns the backing store.
func (x *Ext) Swapper() Swapper {
	return x.swapper
}

func (x *Ext) mustLookup(pt *pagetables.PageTable, addr hostarch.Addr) pagetables.Entry {
	e, ok := pt.Lookup(addr)
	if !ok {
		panic(fmt.Sprintf("swap: token %d has no entry for %v", pt.Token(), addr))
	}
	return e
}

// SetSwappable makes the present page at addr in pt an eviction candidate.
func (x *Ext) SetSwappable(pt *pagetables.PageTable, addr hostarch.Addr) {
	e := x.mustLookup(pt, addr)
	if !e.Present {
		panic(fmt.Sprintf("swap: set swappable on non-present %v", e))
	}
	x.manager.Push(Descriptor{
		Token: pt.Token(),
		Addr:  e.Addr,
		Frame: pgalloc.FrameOf(e.Target, x.offset),
	})
}

// RemoveFromSwappable stops tracking the page at addr in pt. The page must be
// present; a swapped page must be swapped in first.
func (x *Ext) RemoveFromSwappable(pt *pagetables.PageTable, addr hostarch.Addr) {
	e := x.mustLookup(pt, addr)
	if e.Swapped {
		panic(fmt.Sprintf("swap: remove swapped %v from swappable set", e))
	}
	x.manager.Remove(pt.Token(), e.Addr)
}

// SwapOut evicts the page described by d and returns the frame that backed
// it. The frame is no longer referenced by any entry.
func (x *Ext) SwapOut(d Descriptor) (pgalloc.Frame, error) {
	pt, ok := x.tables.Get(d.Token)
	if !ok {
		return 0, fmt.Errorf("swap out of %v: no such page table", d)
	}
	var (
		frame pgalloc.Frame
		err   error
	)
	found := pt.Update(d.Addr, func(e *pagetables.Entry) {
		if !e.Present || e.Swapped {
			err = fmt.Errorf("swap out of %v: entry %v not resident", d, e)
			return
		}
		frame = pgalloc.FrameOf(e.Target, x.offset)
		var slot Slot
		slot, err = x.swapper.SwapOut(x.mem.Page(frame))
		if err != nil {
			err = fmt.Errorf("swap out of %v: %w", d, err)
			return
		}
		e.Target = pgalloc.PhysAddr(slot) * hostarch.PageSize
		e.Present = false
		e.Swapped = true
	})
	if !found {
		return 0, fmt.Errorf("swap out of %v: no entry", d)
	}
	if err != nil {
		return 0, err
	}
	swapOuts.Increment()
	log.Debugf("swap: swapped out %v", d)
	return frame, nil
}

// SwapOutAny evicts the next victim chosen by the manager and returns the
// freed frame.
func (x *Ext) SwapOutAny() (pgalloc.Frame, error) {
	d, ok := x.manager.Pop()
	if !ok {
		return 0, ErrNoSwappable
	}
	return x.SwapOut(d)
}

// SwapIn reads the swapped page at addr in pt into frame, maps it, and makes
// it swappable again.
func (x *Ext) SwapIn(pt *pagetables.PageTable, addr hostarch.Addr, frame pgalloc.Frame) error {
	var err error
	found := pt.Update(addr, func(e *pagetables.Entry) {
		if !e.Swapped || e.Present {
			err = fmt.Errorf("swap in of %v: entry not swapped out", e)
			return
		}
		slot := Slot(e.Target / hostarch.PageSize)
		if err = x.swapper.SwapIn(slot, x.mem.Page(frame)); err != nil {
			err = fmt.Errorf("swap in of %v: %w", e, err)
			return
		}
		e.Target = frame.Addr(x.offset)
		e.Present = true
		e.Swapped = false
	})
	if !found {
		return fmt.Errorf("swap in: token %d has no entry for %v", pt.Token(), addr)
	}
	if err != nil {
		return err
	}
	swapIns.Increment()
	x.SetSwappable(pt, addr)
	log.Debugf("swap: swapped in token %d %v to %v", pt.Token(), addr.RoundDown(), frame)
	return nil
}

// ReadSwapped copies the content of the swapped page at addr in pt to data,
// leaving it in the swap store.
func (x *Ext) ReadSwapped(pt *pagetables.PageTable, addr hostarch.Addr, data []byte) error {
	e := x.mustLookup(pt, addr)
	if !e.Swapped {
		return fmt.Errorf("read of %v: entry not swapped out", e)
	}
	return x.swapper.Read(Slot(e.Target/hostarch.PageSize), data)
}

// Tick forwards a timer tick to the manager.
func (x *Ext) Tick() {
	x.manager.Tick()
}
